package inferpool

import (
	"encoding/hex"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	minCredentialLen = 20
	maxCredentialLen = 512
)

// CredentialRules are the format heuristics applied before a live probe.
type CredentialRules struct {
	// Prefixes, when non-empty, restricts API-key style credentials to these
	// prefixes. Hex signing keys are always accepted if they parse.
	Prefixes []string `yaml:"prefixes"`
}

// validateCredential checks length, charset and prefix. A 32-byte hex string
// (optionally 0x-prefixed) is treated as a secp256k1 signing key, used by
// decentralized compute networks, and must be a valid non-zero scalar.
func validateCredential(raw string, rules CredentialRules) error {
	if raw == "" {
		return &FormatError{Field: "credential", Reason: "required"}
	}
	if len(raw) < minCredentialLen || len(raw) > maxCredentialLen {
		return &FormatError{Field: "credential", Reason: "length out of range"}
	}
	for i := 0; i < len(raw); i++ {
		if !credentialChar(raw[i]) {
			return &FormatError{Field: "credential", Reason: "contains invalid characters"}
		}
	}

	if key, ok := signingKeyHex(raw); ok {
		return validateSigningKey(key)
	}

	if len(rules.Prefixes) == 0 {
		return nil
	}
	for _, p := range rules.Prefixes {
		if strings.HasPrefix(raw, p) {
			return nil
		}
	}
	return &FormatError{Field: "credential", Reason: "unrecognized key prefix"}
}

func credentialChar(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '-' || c == '_' || c == '.'
}

func signingKeyHex(raw string) (string, bool) {
	s := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if len(s) != 64 {
		return "", false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return "", false
		}
	}
	return s, true
}

func validateSigningKey(hexKey string) error {
	b, err := hex.DecodeString(hexKey)
	if err != nil || len(b) != 32 {
		return &FormatError{Field: "credential", Reason: "invalid signing key encoding"}
	}

	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(b); overflow {
		return &FormatError{Field: "credential", Reason: "signing key out of curve range"}
	}
	if scalar.IsZero() {
		return &FormatError{Field: "credential", Reason: "signing key is zero"}
	}
	return nil
}
