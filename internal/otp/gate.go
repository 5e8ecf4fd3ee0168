package otp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/rxtrace/prescription-service/internal/credential"
	"github.com/rxtrace/prescription-service/internal/mail"
)

var (
	// ErrChallengeAlreadySent means a valid challenge is still pending for
	// the patient; a new one is not issued until it expires or is used.
	ErrChallengeAlreadySent = errors.New("a verification code was already sent")

	// ErrCodeInvalidOrExpired deliberately covers unknown, expired and
	// already-used codes so a caller cannot probe which one it was.
	ErrCodeInvalidOrExpired = errors.New("verification code is invalid or expired")
)

// Challenge is the caller-facing view of an issued OTP challenge. The code
// itself travels only by email.
type Challenge struct {
	ID        uuid.UUID
	ExpiresAt time.Time
}

// Gate guards patient medical-history reads behind a one-time emailed code.
type Gate struct {
	store  credential.Store
	mailer mail.Sender
	ttl    time.Duration
}

func NewGate(store credential.Store, mailer mail.Sender, ttl time.Duration) *Gate {
	return &Gate{
		store:  store,
		mailer: mailer,
		ttl:    ttl,
	}
}

// IssueChallenge mints a code for the patient and emails it. At most one
// valid challenge may exist per patient; overlap is a conflict, not a
// replacement. If the email cannot be delivered the challenge is deleted
// again, so no code exists that the patient never received.
func (g *Gate) IssueChallenge(ctx context.Context, patientID uuid.UUID, email string) (*Challenge, error) {
	now := time.Now()

	code, err := credential.NewNumericCode()
	if err != nil {
		return nil, err
	}

	created, err := g.store.Issue(ctx, credential.Credential{
		Kind:       credential.KindOTP,
		SubjectKey: patientID.String(),
		Secret:     code,
		ExpiresAt:  now.Add(g.ttl),
	}, credential.PolicyConflict)
	if err != nil {
		if errors.Is(err, credential.ErrActiveSecretExists) {
			return nil, ErrChallengeAlreadySent
		}
		return nil, fmt.Errorf("issue otp challenge: %w", err)
	}

	sendErr := g.mailer.Send(ctx, mail.Message{
		To:      email,
		Subject: "Your medical history access code",
		Body: fmt.Sprintf(
			"Your one-time access code is %s.\nIt expires at %s and can be used once.",
			code, created.ExpiresAt.Format(time.RFC1123),
		),
	})
	if sendErr != nil {
		// Compensating delete: consuming the challenge ourselves makes it
		// unusable, which is what rollback needs here.
		if _, err := g.store.Consume(ctx, credential.KindOTP, created.SubjectKey, created.Secret, now); err != nil {
			log.Printf("failed to roll back otp challenge after send failure: %v", err)
		}
		return nil, fmt.Errorf("deliver otp code: %w", sendErr)
	}

	return &Challenge{ID: created.ID, ExpiresAt: created.ExpiresAt}, nil
}

// VerifyCode consumes the patient's code. Success happens at most once per
// code, decided atomically in the store.
func (g *Gate) VerifyCode(ctx context.Context, patientID uuid.UUID, code string) (uuid.UUID, error) {
	consumed, err := g.store.Consume(ctx, credential.KindOTP, patientID.String(), code, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, credential.ErrSecretNotFound),
			errors.Is(err, credential.ErrSecretExpired),
			errors.Is(err, credential.ErrSecretUsed):
			return uuid.Nil, ErrCodeInvalidOrExpired
		}
		return uuid.Nil, fmt.Errorf("verify otp code: %w", err)
	}

	return consumed.ID, nil
}

// SweepExpired removes expired challenges, used or not.
func (g *Gate) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	return g.store.SweepExpired(ctx, credential.KindOTP, now)
}
