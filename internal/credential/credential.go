package credential

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind partitions the store by credential family. Secrets are only ever
// compared within one kind.
type Kind string

const (
	KindQR           Kind = "qr"
	KindOTP          Kind = "otp"
	KindRevokedToken Kind = "revoked_token"
)

// IssuePolicy controls what happens when a live (unused, unexpired) secret
// already exists for the same (kind, subject) at issue time.
type IssuePolicy int

const (
	// PolicyConflict rejects the new issue. Used for OTP challenges.
	PolicyConflict IssuePolicy = iota
	// PolicyReplace deletes the live secret and issues a fresh one in the
	// same transaction. Used for QR credentials.
	PolicyReplace
	// PolicyIgnoreDuplicate treats re-issuing an identical secret as a
	// no-op success. Used for revoked tokens, where logout is idempotent.
	PolicyIgnoreDuplicate
)

var (
	ErrSecretNotFound     = errors.New("secret not found")
	ErrSecretExpired      = errors.New("secret expired")
	ErrSecretUsed         = errors.New("secret already used")
	ErrActiveSecretExists = errors.New("an active secret already exists for this subject")
)

type Credential struct {
	ID         uuid.UUID
	Kind       Kind
	SubjectKey string
	Secret     string
	Payload    []byte
	ExpiresAt  time.Time
	IsUsed     bool
	ScanCount  int
	CreatedAt  time.Time
	UsedAt     *time.Time
}

// Live reports whether the credential is still consumable at the given
// instant. The expiry boundary is inclusive: a credential checked at exactly
// ExpiresAt is already expired.
func (c *Credential) Live(now time.Time) bool {
	return !c.IsUsed && now.Before(c.ExpiresAt)
}

// Store is the shared issue-once / verify-once / expire abstraction behind
// QR credentials, OTP challenges and the revoked-token registry. Every
// mutating method must be atomic per record: two concurrent Consume calls on
// the same secret must not both succeed.
type Store interface {
	// Issue persists a new secret for (kind, subjectKey) under the given
	// policy and returns the stored credential.
	Issue(ctx context.Context, c Credential, policy IssuePolicy) (*Credential, error)

	// Consume marks the secret used if and only if it is live at now,
	// atomically with the lookup. Returns ErrSecretNotFound,
	// ErrSecretExpired or ErrSecretUsed otherwise.
	Consume(ctx context.Context, kind Kind, subjectKey, secret string, now time.Time) (*Credential, error)

	// GetBySecret is a side-effect-free lookup by (kind, secret).
	GetBySecret(ctx context.Context, kind Kind, secret string) (*Credential, error)

	// ActiveBySubject returns the live credential for (kind, subjectKey),
	// or ErrSecretNotFound when none is live.
	ActiveBySubject(ctx context.Context, kind Kind, subjectKey string, now time.Time) (*Credential, error)

	// LatestBySubject returns the most recently issued credential for
	// (kind, subjectKey) regardless of use or expiry.
	LatestBySubject(ctx context.Context, kind Kind, subjectKey string) (*Credential, error)

	// RecordScan atomically increments the scan counter for a secret.
	RecordScan(ctx context.Context, kind Kind, secret string) error

	// SweepExpired deletes credentials of the kind whose expiry has
	// passed, used or not, and returns how many were removed. Safe to run
	// concurrently with Consume: the expiry predicate inside Consume's
	// update statement decides any race.
	SweepExpired(ctx context.Context, kind Kind, now time.Time) (int64, error)
}
