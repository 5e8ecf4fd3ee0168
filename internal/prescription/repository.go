package prescription

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrPrescriptionNotFound = errors.New("prescription not found")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	Create(ctx context.Context, p *Prescription) (*Prescription, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Prescription, error)

	// UpdateStatus is the workflow's compare-and-swap: the row moves to
	// `to` only if its current status is one of `from`, decided in a
	// single statement. ErrPrescriptionNotFound means the guard failed
	// (or the id is unknown); callers reload to find out which.
	UpdateStatus(ctx context.Context, id uuid.UUID, to Status, from ...Status) (*Prescription, error)

	InsertAudit(ctx context.Context, e AuditEntry) error
	ListAuditByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]AuditEntry, error)
}
