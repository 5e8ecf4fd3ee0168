package qr

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Payload is what a QR credential carries once decrypted. The ciphertext is
// stored server-side; only the opaque hash travels inside the QR image.
type Payload struct {
	PrescriptionID uuid.UUID `json:"prescription_id"`
	IssuedAt       time.Time `json:"issued_at"`
}

// PayloadCipher seals and opens credential payloads with AES-256-GCM under a
// server-held key.
type PayloadCipher struct {
	aead cipher.AEAD
}

func NewPayloadCipher(key []byte) (*PayloadCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("payload cipher key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &PayloadCipher{aead: aead}, nil
}

// Encrypt returns nonce || ciphertext.
func (c *PayloadCipher) Encrypt(p Payload) ([]byte, error) {
	plain, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

func (c *PayloadCipher) Decrypt(data []byte) (Payload, error) {
	if len(data) < c.aead.NonceSize() {
		return Payload{}, errors.New("payload too short")
	}

	nonce, ciphertext := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]

	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Payload{}, fmt.Errorf("open payload: %w", err)
	}

	var p Payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return Payload{}, fmt.Errorf("unmarshal payload: %w", err)
	}

	return p, nil
}
