// Package vault seals provider credentials at rest.
//
// Records are sealed with AES-256-GCM under a key derived from the master
// secret. Retired master secrets stay usable for Open until their rotation
// window elapses. The legacy scheme is read-only: it can be opened for
// migration but is never produced by Seal.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

// MinSecretLen is the minimum master secret length in bytes.
const MinSecretLen = 32

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16

	aeadInfo        = "inferpool/vault/aead"
	fingerprintInfo = "inferpool/vault/fingerprint"
)

var (
	ErrMasterSecretMissing  = errors.New("vault: master secret is required")
	ErrMasterSecretTooShort = fmt.Errorf("vault: master secret must be at least %d bytes", MinSecretLen)
)

// Scheme identifies how a Record was sealed.
type Scheme int

const (
	// SchemeLegacy is the deprecated reversible transform. Read-only.
	SchemeLegacy Scheme = 1
	// SchemeAEAD is AES-256-GCM.
	SchemeAEAD Scheme = 2
)

func (s Scheme) String() string {
	switch s {
	case SchemeLegacy:
		return "legacy"
	case SchemeAEAD:
		return "aead"
	default:
		return "unknown"
	}
}

// Record is a sealed credential.
type Record struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce,omitempty"`
	AuthTag    []byte `json:"auth_tag,omitempty"`
	Scheme     Scheme `json:"scheme"`
}

// RetiredSecret is a previous master secret kept for the rotation window.
type RetiredSecret struct {
	Secret    []byte
	RetiredAt time.Time
}

// Config configures a Vault.
type Config struct {
	MasterSecret []byte
	Retired      []RetiredSecret
	// RotationWindow bounds how long a retired secret can still open records.
	RotationWindow time.Duration
	// FingerprintSalt keys credential fingerprints. Defaults to a key derived
	// from MasterSecret, which means fingerprints change on rotation unless set.
	FingerprintSalt []byte
	Logger          *zap.Logger
	Now             func() time.Time
}

type retiredKey struct {
	aead      cipher.AEAD
	legacy    []byte
	retiredAt time.Time
}

// Vault seals and opens credential records.
type Vault struct {
	current        cipher.AEAD
	legacy         []byte
	retired        []retiredKey
	rotationWindow time.Duration
	fingerprintKey []byte
	// priorFingerprintKeys match fingerprints taken under another master
	// secret or before a salt was configured.
	priorFingerprintKeys [][]byte
	logger               *zap.Logger
	now                  func() time.Time
}

// New validates the master secret and derives the vault keys.
func New(cfg Config) (*Vault, error) {
	if err := checkSecret(cfg.MasterSecret); err != nil {
		return nil, err
	}

	current, err := newAEAD(cfg.MasterSecret)
	if err != nil {
		return nil, err
	}

	v := &Vault{
		current:        current,
		legacy:         cfg.MasterSecret,
		rotationWindow: cfg.RotationWindow,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}
	if v.logger == nil {
		v.logger = zap.NewNop()
	}
	if v.now == nil {
		v.now = time.Now
	}

	for i, rs := range cfg.Retired {
		if err := checkSecret(rs.Secret); err != nil {
			return nil, fmt.Errorf("vault: retired secret[%d]: %w", i, err)
		}
		aead, err := newAEAD(rs.Secret)
		if err != nil {
			return nil, err
		}
		v.retired = append(v.retired, retiredKey{aead: aead, legacy: rs.Secret, retiredAt: rs.RetiredAt})

		fk, err := deriveKey(rs.Secret, fingerprintInfo)
		if err != nil {
			return nil, err
		}
		v.priorFingerprintKeys = append(v.priorFingerprintKeys, fk)
	}

	derived, err := deriveKey(cfg.MasterSecret, fingerprintInfo)
	if err != nil {
		return nil, err
	}
	if len(cfg.FingerprintSalt) > 0 {
		v.fingerprintKey = cfg.FingerprintSalt
		v.priorFingerprintKeys = append(v.priorFingerprintKeys, derived)
	} else {
		v.fingerprintKey = derived
	}

	return v, nil
}

func checkSecret(secret []byte) error {
	if len(secret) == 0 {
		return ErrMasterSecretMissing
	}
	if len(secret) < MinSecretLen {
		return ErrMasterSecretTooShort
	}
	return nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return key, nil
}

func newAEAD(secret []byte) (cipher.AEAD, error) {
	key, err := deriveKey(secret, aeadInfo)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: new gcm: %w", err)
	}
	return aead, nil
}

// Seal encrypts plaintext under the current key with a fresh random nonce.
func (v *Vault) Seal(plaintext string) (Record, error) {
	if plaintext == "" {
		return Record{}, errors.New("vault: empty plaintext")
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Record{}, fmt.Errorf("vault: read nonce: %w", err)
	}

	sealed := v.current.Seal(nil, nonce, []byte(plaintext), nil)
	split := len(sealed) - tagSize

	return Record{
		Ciphertext: sealed[:split],
		Nonce:      nonce,
		AuthTag:    sealed[split:],
		Scheme:     SchemeAEAD,
	}, nil
}

// Open decrypts a record. Any authentication or encoding failure returns an
// *IntegrityError.
func (v *Vault) Open(rec Record) (string, error) {
	plaintext, _, err := v.open(rec)
	return plaintext, err
}

// open reports whether the record needs re-sealing under the current key.
func (v *Vault) open(rec Record) (string, bool, error) {
	switch rec.Scheme {
	case SchemeAEAD:
		return v.openAEAD(rec)
	case SchemeLegacy:
		v.logger.Warn("vault: opening legacy credential record",
			zap.Int("ciphertext_len", len(rec.Ciphertext)),
		)
		p, err := v.openLegacy(rec)
		return p, true, err
	default:
		return "", false, integrityf("unknown scheme %d", int(rec.Scheme))
	}
}

func (v *Vault) openAEAD(rec Record) (string, bool, error) {
	if len(rec.Nonce) != nonceSize {
		return "", false, integrityf("nonce size %d", len(rec.Nonce))
	}
	if len(rec.AuthTag) != tagSize {
		return "", false, integrityf("auth tag size %d", len(rec.AuthTag))
	}
	if len(rec.Ciphertext) == 0 {
		return "", false, integrityf("empty ciphertext")
	}

	sealed := make([]byte, 0, len(rec.Ciphertext)+tagSize)
	sealed = append(sealed, rec.Ciphertext...)
	sealed = append(sealed, rec.AuthTag...)

	if p, err := v.current.Open(nil, rec.Nonce, sealed, nil); err == nil {
		return string(p), false, nil
	}

	now := v.now()
	for _, rk := range v.retired {
		if !v.withinWindow(rk.retiredAt, now) {
			continue
		}
		if p, err := rk.aead.Open(nil, rec.Nonce, sealed, nil); err == nil {
			return string(p), true, nil
		}
	}

	return "", false, integrityf("authentication failed")
}

func (v *Vault) withinWindow(retiredAt, now time.Time) bool {
	return now.Before(retiredAt.Add(v.rotationWindow))
}

// Migrate re-seals a record under the current key when it is legacy or only
// opens under a retired key. The bool result reports whether a new record was
// produced.
func (v *Vault) Migrate(rec Record) (Record, bool, error) {
	plaintext, stale, err := v.open(rec)
	if err != nil {
		return Record{}, false, err
	}
	if !stale {
		return rec, false, nil
	}
	out, err := v.Seal(plaintext)
	if err != nil {
		return Record{}, false, err
	}
	return out, true, nil
}

// Fingerprint returns a salted, non-reversible identifier for a raw
// credential, used for duplicate detection.
func (v *Vault) Fingerprint(raw string) string {
	return fingerprint(v.fingerprintKey, raw)
}

// Fingerprints returns Fingerprint first, followed by the fingerprints the
// same credential had under retired secrets or before a salt was set.
// Duplicate checks must match any of them.
func (v *Vault) Fingerprints(raw string) []string {
	out := []string{v.Fingerprint(raw)}
	for _, key := range v.priorFingerprintKeys {
		if fp := fingerprint(key, raw); !slices.Contains(out, fp) {
			out = append(out, fp)
		}
	}
	return out
}

func fingerprint(key []byte, raw string) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}
