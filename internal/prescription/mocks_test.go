package prescription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rxtrace/prescription-service/internal/qr"
)

// Compile-time checks
var _ Repository = (*memRepo)(nil)
var _ CredentialManager = (*mockCreds)(nil)

// memRepo is an in-memory Repository with the same atomicity guarantees as
// the Postgres implementation: UpdateStatus is a compare-and-swap under one
// lock, so concurrent transition tests exercise the real race behavior.
type memRepo struct {
	mu            sync.Mutex
	prescriptions map[uuid.UUID]*Prescription
	audits        []AuditEntry
	nextAuditID   int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		prescriptions: make(map[uuid.UUID]*Prescription),
	}
}

func (r *memRepo) Create(ctx context.Context, p *Prescription) (*Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	cp := *p
	r.prescriptions[p.ID] = &cp

	out := cp
	return &out, nil
}

func (r *memRepo) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.prescriptions[id]
	if !ok {
		return nil, ErrPrescriptionNotFound
	}

	cp := *p
	return &cp, nil
}

func (r *memRepo) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []Prescription
	for _, p := range r.prescriptions {
		if p.PatientID == patientID {
			result = append(result, *p)
		}
	}
	return result, nil
}

func (r *memRepo) UpdateStatus(ctx context.Context, id uuid.UUID, to Status, from ...Status) (*Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.prescriptions[id]
	if !ok {
		return nil, ErrPrescriptionNotFound
	}

	matched := false
	for _, f := range from {
		if p.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrPrescriptionNotFound
	}

	p.Status = to
	p.UpdatedAt = time.Now()

	cp := *p
	return &cp, nil
}

func (r *memRepo) InsertAudit(ctx context.Context, e AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextAuditID++
	e.ID = r.nextAuditID
	e.CreatedAt = time.Now()
	r.audits = append(r.audits, e)
	return nil
}

func (r *memRepo) ListAuditByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []AuditEntry
	for _, e := range r.audits {
		if e.PrescriptionID == prescriptionID {
			result = append(result, e)
		}
	}
	return result, nil
}

// seed places a prescription directly into the repo in the given status.
func (r *memRepo) seed(status Status) *Prescription {
	p := &Prescription{
		ID:              uuid.New(),
		ReferenceNumber: "RX-20260901-0001",
		PatientID:       uuid.New(),
		DoctorID:        uuid.New(),
		VisitID:         uuid.New(),
		Diagnosis:       "test diagnosis",
		Status:          status,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.prescriptions[p.ID] = &cp
	return p
}

// mockCreds is a CredentialManager mock with function fields.
type mockCreds struct {
	IssueFunc      func(ctx context.Context, prescriptionID uuid.UUID) (*qr.Issued, error)
	VerifyFunc     func(ctx context.Context, hash string) (uuid.UUID, error)
	MarkUsedFunc   func(ctx context.Context, prescriptionID uuid.UUID) error
	DistributeFunc func(ctx context.Context, to, reference string, issued *qr.Issued) error

	MarkUsedCallCount int32
}

func (m *mockCreds) Issue(ctx context.Context, prescriptionID uuid.UUID) (*qr.Issued, error) {
	if m.IssueFunc != nil {
		return m.IssueFunc(ctx, prescriptionID)
	}
	return &qr.Issued{
		Hash:      "hash-" + prescriptionID.String(),
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (m *mockCreds) Verify(ctx context.Context, hash string) (uuid.UUID, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, hash)
	}
	return uuid.Nil, errors.New("VerifyFunc not implemented in mock")
}

func (m *mockCreds) MarkUsed(ctx context.Context, prescriptionID uuid.UUID) error {
	atomic.AddInt32(&m.MarkUsedCallCount, 1)
	if m.MarkUsedFunc != nil {
		return m.MarkUsedFunc(ctx, prescriptionID)
	}
	return nil
}

func (m *mockCreds) Distribute(ctx context.Context, to, reference string, issued *qr.Issued) error {
	if m.DistributeFunc != nil {
		return m.DistributeFunc(ctx, to, reference, issued)
	}
	return nil
}

// verifierFor wires the mock's Verify to resolve a fixed hash to a fixed
// prescription.
func (m *mockCreds) verifierFor(hash string, prescriptionID uuid.UUID) {
	m.VerifyFunc = func(ctx context.Context, h string) (uuid.UUID, error) {
		if h == hash {
			return prescriptionID, nil
		}
		return uuid.Nil, qr.ErrCredentialInvalid
	}
}
