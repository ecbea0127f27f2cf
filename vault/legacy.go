package vault

import (
	"crypto/sha256"
	"encoding/binary"
)

// legacyTransform is the deprecated reversible credential transform: the
// plaintext XORed with a SHA-256 counter-mode keystream of the master secret.
// It carries no authentication, so Open accepts its output only when every
// byte is printable ASCII.
func legacyTransform(secret, in []byte) []byte {
	out := make([]byte, len(in))
	var block [sha256.Size]byte
	var ctr [8]byte
	for i := range in {
		if i%sha256.Size == 0 {
			binary.BigEndian.PutUint64(ctr[:], uint64(i/sha256.Size))
			h := sha256.New()
			h.Write(secret)
			h.Write(ctr[:])
			copy(block[:], h.Sum(nil))
		}
		out[i] = in[i] ^ block[i%sha256.Size]
	}
	return out
}

func (v *Vault) openLegacy(rec Record) (string, error) {
	if len(rec.Ciphertext) == 0 {
		return "", integrityf("empty legacy ciphertext")
	}
	if len(rec.Nonce) != 0 || len(rec.AuthTag) != 0 {
		return "", integrityf("legacy record carries aead fields")
	}

	if p := legacyTransform(v.legacy, rec.Ciphertext); printable(p) {
		return string(p), nil
	}

	now := v.now()
	for _, rk := range v.retired {
		if !v.withinWindow(rk.retiredAt, now) {
			continue
		}
		if p := legacyTransform(rk.legacy, rec.Ciphertext); printable(p) {
			return string(p), nil
		}
	}

	return "", integrityf("legacy record did not decode")
}

func printable(b []byte) bool {
	for _, c := range b {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}
