package vault

// SealLegacy builds a legacy-scheme record for migration tests.
func (v *Vault) SealLegacy(plaintext string) Record {
	return Record{
		Ciphertext: legacyTransform(v.legacy, []byte(plaintext)),
		Scheme:     SchemeLegacy,
	}
}
