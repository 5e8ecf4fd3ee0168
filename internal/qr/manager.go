package qr

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/rxtrace/prescription-service/internal/credential"
	"github.com/rxtrace/prescription-service/internal/mail"
	redisclient "github.com/rxtrace/prescription-service/internal/redis"
)

var (
	ErrCredentialInvalid  = errors.New("credential is not valid")
	ErrCredentialExpired  = errors.New("credential has expired")
	ErrIssueInProgress    = errors.New("a credential is currently being issued for this prescription, please retry")
	ErrNoActiveCredential = errors.New("prescription has no active credential")
)

const imageSize = 256

// Issued is the caller-facing view of a freshly issued or re-fetched QR
// credential.
type Issued struct {
	Hash      string
	ExpiresAt time.Time
	ImagePNG  []byte
}

// Manager owns the QR credential lifecycle: minting, lookup on scan, and
// consumption at dispense time. A prescription has at most one active
// credential; re-issue replaces rather than accumulates.
type Manager struct {
	store  credential.Store
	cipher *PayloadCipher
	locker redisclient.Locker
	mailer mail.Sender
	ttl    time.Duration
}

func NewManager(store credential.Store, c *PayloadCipher, locker redisclient.Locker, mailer mail.Sender, ttl time.Duration) *Manager {
	return &Manager{
		store:  store,
		cipher: c,
		locker: locker,
		mailer: mailer,
		ttl:    ttl,
	}
}

// Issue returns the prescription's live credential if one exists, otherwise
// mints a fresh one. Minting runs under a per-prescription lock so that
// concurrent issue requests cannot race the replace transaction.
func (m *Manager) Issue(ctx context.Context, prescriptionID uuid.UUID) (*Issued, error) {
	now := time.Now()
	subject := prescriptionID.String()

	existing, err := m.store.ActiveBySubject(ctx, credential.KindQR, subject, now)
	if err == nil {
		return m.render(existing)
	}
	if !errors.Is(err, credential.ErrSecretNotFound) {
		return nil, fmt.Errorf("look up active credential: %w", err)
	}

	var minted *credential.Credential

	err = m.locker.WithPrescriptionLock(ctx, prescriptionID, func(lockCtx context.Context) error {
		// Re-check inside the critical section: another request may have
		// minted while we waited on the lock.
		existing, err := m.store.ActiveBySubject(lockCtx, credential.KindQR, subject, now)
		if err == nil {
			minted = existing
			return nil
		}
		if !errors.Is(err, credential.ErrSecretNotFound) {
			return fmt.Errorf("re-check active credential: %w", err)
		}

		hash, err := credential.NewOpaqueToken()
		if err != nil {
			return err
		}

		payload, err := m.cipher.Encrypt(Payload{
			PrescriptionID: prescriptionID,
			IssuedAt:       now,
		})
		if err != nil {
			return fmt.Errorf("encrypt credential payload: %w", err)
		}

		created, err := m.store.Issue(lockCtx, credential.Credential{
			Kind:       credential.KindQR,
			SubjectKey: subject,
			Secret:     hash,
			Payload:    payload,
			ExpiresAt:  now.Add(m.ttl),
		}, credential.PolicyReplace)
		if err != nil {
			return fmt.Errorf("store credential: %w", err)
		}

		minted = created
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrIssueInProgress
		}
		return nil, err
	}

	return m.render(minted)
}

func (m *Manager) render(c *credential.Credential) (*Issued, error) {
	png, err := qrcode.Encode(c.Secret, qrcode.Medium, imageSize)
	if err != nil {
		return nil, fmt.Errorf("render credential image: %w", err)
	}

	return &Issued{
		Hash:      c.Secret,
		ExpiresAt: c.ExpiresAt,
		ImagePNG:  png,
	}, nil
}

// Verify resolves a scanned hash to its prescription. It never consumes the
// credential; a prescription may be scanned repeatedly before dispense. The
// only side effect is the scan counter.
func (m *Manager) Verify(ctx context.Context, hash string) (uuid.UUID, error) {
	now := time.Now()

	cred, err := m.store.GetBySecret(ctx, credential.KindQR, hash)
	if err != nil {
		if errors.Is(err, credential.ErrSecretNotFound) {
			return uuid.Nil, ErrCredentialInvalid
		}
		return uuid.Nil, fmt.Errorf("look up credential: %w", err)
	}

	if cred.IsUsed {
		return uuid.Nil, ErrCredentialInvalid
	}
	if !now.Before(cred.ExpiresAt) {
		return uuid.Nil, ErrCredentialExpired
	}

	if err := m.store.RecordScan(ctx, credential.KindQR, hash); err != nil {
		log.Printf("failed to record scan for credential: %v", err)
	}

	payload, err := m.cipher.Decrypt(cred.Payload)
	if err != nil {
		// A stored payload we cannot open means tampering or a key
		// rotation gone wrong; either way the credential is unusable.
		log.Printf("failed to decrypt credential payload: %v", err)
		return uuid.Nil, ErrCredentialInvalid
	}

	if payload.PrescriptionID.String() != cred.SubjectKey {
		return uuid.Nil, ErrCredentialInvalid
	}

	return payload.PrescriptionID, nil
}

// MarkUsed irreversibly consumes the prescription's active credential.
// Called exactly once, by the dispense transition.
func (m *Manager) MarkUsed(ctx context.Context, prescriptionID uuid.UUID) error {
	now := time.Now()
	subject := prescriptionID.String()

	cred, err := m.store.LatestBySubject(ctx, credential.KindQR, subject)
	if err != nil {
		if errors.Is(err, credential.ErrSecretNotFound) {
			return ErrNoActiveCredential
		}
		return fmt.Errorf("look up credential: %w", err)
	}
	if cred.IsUsed {
		// Already consumed; the effect we want holds.
		return nil
	}

	_, err = m.store.Consume(ctx, credential.KindQR, subject, cred.Secret, now)
	if err != nil {
		switch {
		case errors.Is(err, credential.ErrSecretUsed):
			return nil
		case errors.Is(err, credential.ErrSecretNotFound), errors.Is(err, credential.ErrSecretExpired):
			return ErrNoActiveCredential
		}
		return fmt.Errorf("consume credential: %w", err)
	}

	return nil
}

// Distribute emails the credential image to the patient. Failure is not
// fatal to issuance: the credential stands and can be re-sent.
func (m *Manager) Distribute(ctx context.Context, to, reference string, issued *Issued) error {
	return m.mailer.Send(ctx, mail.Message{
		To:      to,
		Subject: fmt.Sprintf("Your prescription %s", reference),
		Body: fmt.Sprintf(
			"Present the attached QR code at the pharmacy.\nIt is valid until %s.",
			issued.ExpiresAt.Format(time.RFC1123),
		),
		Attachment: &mail.Attachment{
			Filename:    fmt.Sprintf("%s.png", reference),
			ContentType: "image/png",
			Data:        issued.ImagePNG,
		},
	})
}

// SweepExpired removes expired QR credentials; called by the expiry worker.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	return m.store.SweepExpired(ctx, credential.KindQR, now)
}
