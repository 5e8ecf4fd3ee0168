package prescription

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusScanned   Status = "scanned"
	StatusValidated Status = "validated"
	StatusDispensed Status = "dispensed"
	StatusFulfilled Status = "fulfilled"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// AuditAction tags entries in the pharmacy audit log. The dispense
// transition records ActionFulfilled while the status moves to dispensed;
// downstream reporting depends on that tag, so it stays.
type AuditAction string

const (
	ActionScanned   AuditAction = "scanned"
	ActionValidated AuditAction = "validated"
	ActionFulfilled AuditAction = "fulfilled"
	ActionRejected  AuditAction = "rejected"
)

type Prescription struct {
	ID              uuid.UUID
	ReferenceNumber string
	PatientID       uuid.UUID
	DoctorID        uuid.UUID
	VisitID         uuid.UUID
	Diagnosis       string
	Notes           string
	Status          Status
	Items           []Item
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Item struct {
	ID             uuid.UUID
	PrescriptionID uuid.UUID
	MedicineName   string
	Dosage         string
	Frequency      string
	Quantity       int
	Instructions   string
}

// AuditEntry is append-only: entries are never updated or deleted.
type AuditEntry struct {
	ID             int64
	PrescriptionID uuid.UUID
	PharmacistID   uuid.UUID
	Action         AuditAction
	Notes          string
	CreatedAt      time.Time
}

// CanDispense reports whether the dispense action should be offered for the
// current status. It is advisory only; the dispense transition re-checks
// atomically.
func (p *Prescription) CanDispense() bool {
	return p.Status == StatusScanned || p.Status == StatusValidated
}
