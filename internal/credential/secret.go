package credential

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
)

const opaqueTokenBytes = 32

// NewOpaqueToken returns a high-entropy, URL-safe token for use as a QR
// lookup hash.
func NewOpaqueToken() (string, error) {
	buf := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate opaque token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewNumericCode returns a 6-digit code drawn uniformly from
// [100000, 999999].
func NewNumericCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate numeric code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
