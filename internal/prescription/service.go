package prescription

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/rxtrace/prescription-service/internal/qr"
)

var (
	ErrNotScannable          = errors.New("prescription can no longer be scanned")
	ErrMustBeScannedFirst    = errors.New("prescription must be scanned first")
	ErrMustBeValidatedFirst  = errors.New("prescription must be validated first")
	ErrNotRejectable         = errors.New("prescription can no longer be rejected")
	ErrNotCancellable        = errors.New("only a pending prescription can be cancelled")
	ErrCredentialNotIssuable = errors.New("prescription is past the point of credential issuance")
)

// CredentialManager is the slice of the QR manager the workflow needs.
type CredentialManager interface {
	Issue(ctx context.Context, prescriptionID uuid.UUID) (*qr.Issued, error)
	Verify(ctx context.Context, hash string) (uuid.UUID, error)
	MarkUsed(ctx context.Context, prescriptionID uuid.UUID) error
	Distribute(ctx context.Context, to, reference string, issued *qr.Issued) error
}

type Service struct {
	repo  Repository
	creds CredentialManager
}

func NewService(repo Repository, creds CredentialManager) *Service {
	return &Service{
		repo:  repo,
		creds: creds,
	}
}

type ItemInput struct {
	MedicineName string
	Dosage       string
	Frequency    string
	Quantity     int
	Instructions string
}

type CreateInput struct {
	PatientID    uuid.UUID
	DoctorID     uuid.UUID
	VisitID      uuid.UUID
	PatientEmail string
	Diagnosis    string
	Notes        string
	Items        []ItemInput
}

// Create authors a prescription in pending status and issues its QR
// credential. A failed issue or delivery does not undo the prescription;
// both can be retried through the credential endpoint.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Prescription, *qr.Issued, error) {
	ref, err := newReferenceNumber(time.Now())
	if err != nil {
		return nil, nil, err
	}

	p := &Prescription{
		ReferenceNumber: ref,
		PatientID:       in.PatientID,
		DoctorID:        in.DoctorID,
		VisitID:         in.VisitID,
		Diagnosis:       in.Diagnosis,
		Notes:           in.Notes,
		Status:          StatusPending,
	}
	for _, it := range in.Items {
		p.Items = append(p.Items, Item{
			MedicineName: it.MedicineName,
			Dosage:       it.Dosage,
			Frequency:    it.Frequency,
			Quantity:     it.Quantity,
			Instructions: it.Instructions,
		})
	}

	created, err := s.repo.Create(ctx, p)
	if err != nil {
		return nil, nil, fmt.Errorf("create prescription: %w", err)
	}

	issued, err := s.creds.Issue(ctx, created.ID)
	if err != nil {
		log.Printf("failed to issue credential for prescription %s: %v", created.ID, err)
		return created, nil, nil
	}

	if in.PatientEmail != "" {
		if err := s.creds.Distribute(ctx, in.PatientEmail, created.ReferenceNumber, issued); err != nil {
			log.Printf("failed to email credential for prescription %s: %v", created.ID, err)
		}
	}

	return created, issued, nil
}

// IssueCredential fetches or re-mints the prescription's QR credential,
// for prescriptions still moving through the pharmacy workflow.
func (s *Service) IssueCredential(ctx context.Context, id uuid.UUID) (*qr.Issued, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case StatusPending, StatusScanned, StatusValidated:
	default:
		return nil, ErrCredentialNotIssuable
	}

	return s.creds.Issue(ctx, p.ID)
}

// Scan resolves a QR hash and moves a pending prescription to scanned.
// Re-scanning a scanned or validated prescription is an idempotent read.
func (s *Service) Scan(ctx context.Context, hash string, pharmacistID uuid.UUID) (*Prescription, error) {
	prescriptionID, err := s.creds.Verify(ctx, hash)
	if err != nil {
		return nil, err
	}

	p, err := s.repo.GetByID(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case StatusScanned, StatusValidated:
		return p, nil
	case StatusPending:
	default:
		return nil, ErrNotScannable
	}

	updated, err := s.repo.UpdateStatus(ctx, p.ID, StatusScanned, StatusPending)
	if err != nil {
		if errors.Is(err, ErrPrescriptionNotFound) {
			// Lost a race; if another pharmacist got there first the
			// scan is still an idempotent success.
			current, reloadErr := s.repo.GetByID(ctx, p.ID)
			if reloadErr != nil {
				return nil, reloadErr
			}
			if current.Status == StatusScanned || current.Status == StatusValidated {
				return current, nil
			}
			return nil, ErrNotScannable
		}
		return nil, fmt.Errorf("mark prescription scanned: %w", err)
	}

	s.appendAudit(ctx, AuditEntry{
		PrescriptionID: updated.ID,
		PharmacistID:   pharmacistID,
		Action:         ActionScanned,
	})

	return updated, nil
}

// Validate moves a scanned prescription to validated.
func (s *Service) Validate(ctx context.Context, id, pharmacistID uuid.UUID) (*Prescription, error) {
	updated, err := s.repo.UpdateStatus(ctx, id, StatusValidated, StatusScanned)
	if err != nil {
		if errors.Is(err, ErrPrescriptionNotFound) {
			if _, reloadErr := s.repo.GetByID(ctx, id); reloadErr != nil {
				return nil, reloadErr
			}
			return nil, ErrMustBeScannedFirst
		}
		return nil, fmt.Errorf("mark prescription validated: %w", err)
	}

	s.appendAudit(ctx, AuditEntry{
		PrescriptionID: updated.ID,
		PharmacistID:   pharmacistID,
		Action:         ActionValidated,
	})

	return updated, nil
}

// Dispense moves a validated prescription to dispensed and consumes its QR
// credential. The status CAS decides any race: only the winning call marks
// the credential used and appends the audit entry.
func (s *Service) Dispense(ctx context.Context, id, pharmacistID uuid.UUID, notes string) (*Prescription, error) {
	updated, err := s.repo.UpdateStatus(ctx, id, StatusDispensed, StatusValidated)
	if err != nil {
		if errors.Is(err, ErrPrescriptionNotFound) {
			if _, reloadErr := s.repo.GetByID(ctx, id); reloadErr != nil {
				return nil, reloadErr
			}
			return nil, ErrMustBeValidatedFirst
		}
		return nil, fmt.Errorf("mark prescription dispensed: %w", err)
	}

	if err := s.creds.MarkUsed(ctx, updated.ID); err != nil {
		// The transition already committed; the credential will expire
		// on its own if this keeps failing.
		log.Printf("failed to consume credential for prescription %s: %v", updated.ID, err)
	}

	s.appendAudit(ctx, AuditEntry{
		PrescriptionID: updated.ID,
		PharmacistID:   pharmacistID,
		Action:         ActionFulfilled,
		Notes:          notes,
	})

	return updated, nil
}

// Reject moves a non-terminal prescription to rejected, recording the reason
// in the audit notes. Rejecting an already rejected prescription is a no-op.
func (s *Service) Reject(ctx context.Context, id, pharmacistID uuid.UUID, reason string) (*Prescription, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case StatusFulfilled, StatusCancelled:
		return nil, ErrNotRejectable
	case StatusRejected:
		return p, nil
	}

	updated, err := s.repo.UpdateStatus(ctx, id, StatusRejected,
		StatusPending, StatusScanned, StatusValidated, StatusDispensed)
	if err != nil {
		if errors.Is(err, ErrPrescriptionNotFound) {
			current, reloadErr := s.repo.GetByID(ctx, id)
			if reloadErr != nil {
				return nil, reloadErr
			}
			if current.Status == StatusRejected {
				return current, nil
			}
			return nil, ErrNotRejectable
		}
		return nil, fmt.Errorf("mark prescription rejected: %w", err)
	}

	s.appendAudit(ctx, AuditEntry{
		PrescriptionID: updated.ID,
		PharmacistID:   pharmacistID,
		Action:         ActionRejected,
		Notes:          reason,
	})

	return updated, nil
}

// Cancel is the doctor-side withdrawal of a prescription the pharmacy has
// not started processing.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	updated, err := s.repo.UpdateStatus(ctx, id, StatusCancelled, StatusPending)
	if err != nil {
		if errors.Is(err, ErrPrescriptionNotFound) {
			if _, reloadErr := s.repo.GetByID(ctx, id); reloadErr != nil {
				return nil, reloadErr
			}
			return nil, ErrNotCancellable
		}
		return nil, fmt.Errorf("mark prescription cancelled: %w", err)
	}

	return updated, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Prescription, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) AuditLog(ctx context.Context, id uuid.UUID) ([]AuditEntry, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListAuditByPrescription(ctx, id)
}

// appendAudit is best effort: a failed audit insert is logged, not allowed
// to fail a transition that already committed.
func (s *Service) appendAudit(ctx context.Context, e AuditEntry) {
	if err := s.repo.InsertAudit(ctx, e); err != nil {
		log.Printf("failed to append audit entry %s for prescription %s: %v", e.Action, e.PrescriptionID, err)
	}
}

// newReferenceNumber builds the human-readable RX-YYYYMMDD-NNNN reference.
// The 4-digit suffix is random; collisions within a day are accepted as
// negligible.
func newReferenceNumber(now time.Time) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("generate reference suffix: %w", err)
	}
	return fmt.Sprintf("RX-%s-%04d", now.Format("20060102"), n.Int64()), nil
}
