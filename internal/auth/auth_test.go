package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	mgr := NewManager([]byte("test-secret"), time.Hour)
	userID := uuid.New()

	raw, expiresAt, err := mgr.IssueToken(userID, RolePharmacist)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	principal, err := mgr.ParseToken(raw)
	require.NoError(t, err)
	assert.Equal(t, userID, principal.UserID)
	assert.Equal(t, RolePharmacist, principal.Role)
	assert.Equal(t, raw, principal.RawToken)
	assert.WithinDuration(t, expiresAt, principal.ExpiresAt, time.Second)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	issuer := NewManager([]byte("secret-a"), time.Hour)
	verifier := NewManager([]byte("secret-b"), time.Hour)

	raw, _, err := issuer.IssueToken(uuid.New(), RoleDoctor)
	require.NoError(t, err)

	_, err = verifier.ParseToken(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsExpiredToken(t *testing.T) {
	mgr := NewManager([]byte("test-secret"), -time.Minute)

	raw, _, err := mgr.IssueToken(uuid.New(), RolePatient)
	require.NoError(t, err)

	_, err = mgr.ParseToken(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsGarbage(t *testing.T) {
	mgr := NewManager([]byte("test-secret"), time.Hour)

	_, err := mgr.ParseToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
