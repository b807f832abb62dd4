package models

// CredentialRecord is one stored secret set, held in cleartext only for the
// duration of a transfer. The destination re-encrypts the payload with its own
// key on import, so ciphertext never crosses instances in selective mode.
type CredentialRecord struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name" validate:"required"`
	Type string         `json:"type" validate:"required"`
	Data map[string]any `json:"data"`
}

// Scrub removes the secret payload in place. Callers scrub records before
// logging or reporting on them.
func (c *CredentialRecord) Scrub() {
	c.Data = nil
}
