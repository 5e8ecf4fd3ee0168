package prescription

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxtrace/prescription-service/internal/qr"
)

func newTestService() (*Service, *memRepo, *mockCreds) {
	repo := newMemRepo()
	creds := &mockCreds{}
	return NewService(repo, creds), repo, creds
}

func TestCreateStartsPending(t *testing.T) {
	svc, _, _ := newTestService()

	created, issued, err := svc.Create(context.Background(), CreateInput{
		PatientID: uuid.New(),
		DoctorID:  uuid.New(),
		VisitID:   uuid.New(),
		Diagnosis: "acute bronchitis",
		Items: []ItemInput{
			{MedicineName: "Amoxicillin", Dosage: "500mg", Frequency: "3x daily", Quantity: 21},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, created.Status)
	assert.Regexp(t, regexp.MustCompile(`^RX-\d{8}-\d{4}$`), created.ReferenceNumber)
	require.NotNil(t, issued)
	assert.NotEmpty(t, issued.Hash)
}

func TestCreateSurvivesCredentialFailure(t *testing.T) {
	svc, _, creds := newTestService()
	creds.IssueFunc = func(ctx context.Context, id uuid.UUID) (*qr.Issued, error) {
		return nil, errors.New("credential store down")
	}

	created, issued, err := svc.Create(context.Background(), CreateInput{
		PatientID: uuid.New(),
		DoctorID:  uuid.New(),
		VisitID:   uuid.New(),
		Items:     []ItemInput{{MedicineName: "Metformin"}},
	})
	require.NoError(t, err)
	assert.Nil(t, issued)
	assert.Equal(t, StatusPending, created.Status)
}

func TestScanMovesPendingToScanned(t *testing.T) {
	svc, repo, creds := newTestService()
	p := repo.seed(StatusPending)
	creds.verifierFor("hash-1", p.ID)
	pharmacist := uuid.New()

	updated, err := svc.Scan(context.Background(), "hash-1", pharmacist)
	require.NoError(t, err)
	assert.Equal(t, StatusScanned, updated.Status)

	entries, err := repo.ListAuditByPrescription(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionScanned, entries[0].Action)
	assert.Equal(t, pharmacist, entries[0].PharmacistID)
}

func TestRescanIsIdempotent(t *testing.T) {
	svc, repo, creds := newTestService()
	p := repo.seed(StatusPending)
	creds.verifierFor("hash-1", p.ID)

	_, err := svc.Scan(context.Background(), "hash-1", uuid.New())
	require.NoError(t, err)

	again, err := svc.Scan(context.Background(), "hash-1", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, StatusScanned, again.Status)

	entries, _ := repo.ListAuditByPrescription(context.Background(), p.ID)
	assert.Len(t, entries, 1, "re-scan must not append a second entry")
}

func TestScanRejectedForTerminalStatuses(t *testing.T) {
	for _, status := range []Status{StatusFulfilled, StatusCancelled, StatusRejected, StatusDispensed} {
		t.Run(string(status), func(t *testing.T) {
			svc, repo, creds := newTestService()
			p := repo.seed(status)
			creds.verifierFor("hash-1", p.ID)

			_, err := svc.Scan(context.Background(), "hash-1", uuid.New())
			assert.ErrorIs(t, err, ErrNotScannable)
		})
	}
}

func TestScanWithInvalidHash(t *testing.T) {
	svc, _, creds := newTestService()
	creds.verifierFor("hash-1", uuid.New())

	_, err := svc.Scan(context.Background(), "some-other-hash", uuid.New())
	assert.ErrorIs(t, err, qr.ErrCredentialInvalid)
}

func TestValidateRequiresScan(t *testing.T) {
	svc, repo, _ := newTestService()
	p := repo.seed(StatusPending)

	_, err := svc.Validate(context.Background(), p.ID, uuid.New())
	assert.ErrorIs(t, err, ErrMustBeScannedFirst)

	current, _ := repo.GetByID(context.Background(), p.ID)
	assert.Equal(t, StatusPending, current.Status, "failed transition must not change status")

	entries, _ := repo.ListAuditByPrescription(context.Background(), p.ID)
	assert.Empty(t, entries, "failed transition must not append audit entries")
}

func TestDispenseFlow(t *testing.T) {
	svc, repo, creds := newTestService()
	p := repo.seed(StatusPending)
	creds.verifierFor("hash-1", p.ID)
	pharmacist := uuid.New()

	_, err := svc.Scan(context.Background(), "hash-1", pharmacist)
	require.NoError(t, err)

	_, err = svc.Validate(context.Background(), p.ID, pharmacist)
	require.NoError(t, err)

	updated, err := svc.Dispense(context.Background(), p.ID, pharmacist, "picked up in person")
	require.NoError(t, err)
	assert.Equal(t, StatusDispensed, updated.Status)
	assert.EqualValues(t, 1, creds.MarkUsedCallCount)

	entries, _ := repo.ListAuditByPrescription(context.Background(), p.ID)
	require.Len(t, entries, 3)
	assert.Equal(t, ActionScanned, entries[0].Action)
	assert.Equal(t, ActionValidated, entries[1].Action)
	assert.Equal(t, ActionFulfilled, entries[2].Action)
	assert.Equal(t, "picked up in person", entries[2].Notes)
}

func TestSecondDispenseFails(t *testing.T) {
	svc, repo, creds := newTestService()
	p := repo.seed(StatusValidated)

	_, err := svc.Dispense(context.Background(), p.ID, uuid.New(), "")
	require.NoError(t, err)

	_, err = svc.Dispense(context.Background(), p.ID, uuid.New(), "")
	assert.ErrorIs(t, err, ErrMustBeValidatedFirst)
	assert.EqualValues(t, 1, creds.MarkUsedCallCount)
}

func TestConcurrentDispenseSingleWinner(t *testing.T) {
	svc, repo, creds := newTestService()
	p := repo.seed(StatusValidated)

	const attempts = 16

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	rejections := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Dispense(context.Background(), p.ID, uuid.New(), "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case err == ErrMustBeValidatedFirst:
				rejections++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, rejections)
	assert.EqualValues(t, 1, creds.MarkUsedCallCount)

	entries, _ := repo.ListAuditByPrescription(context.Background(), p.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionFulfilled, entries[0].Action)
}

func TestRejectRecordsReason(t *testing.T) {
	svc, repo, _ := newTestService()
	p := repo.seed(StatusScanned)
	pharmacist := uuid.New()

	updated, err := svc.Reject(context.Background(), p.ID, pharmacist, "suspected forgery")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, updated.Status)

	entries, _ := repo.ListAuditByPrescription(context.Background(), p.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionRejected, entries[0].Action)
	assert.Equal(t, "suspected forgery", entries[0].Notes)
}

func TestRejectTerminalFails(t *testing.T) {
	for _, status := range []Status{StatusFulfilled, StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			svc, repo, _ := newTestService()
			p := repo.seed(status)

			_, err := svc.Reject(context.Background(), p.ID, uuid.New(), "too late")
			assert.ErrorIs(t, err, ErrNotRejectable)
		})
	}
}

func TestRejectAlreadyRejectedIsNoOp(t *testing.T) {
	svc, repo, _ := newTestService()
	p := repo.seed(StatusRejected)

	updated, err := svc.Reject(context.Background(), p.ID, uuid.New(), "again")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, updated.Status)

	entries, _ := repo.ListAuditByPrescription(context.Background(), p.ID)
	assert.Empty(t, entries)
}

func TestCancelOnlyFromPending(t *testing.T) {
	svc, repo, _ := newTestService()
	p := repo.seed(StatusPending)

	updated, err := svc.Cancel(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, updated.Status)

	scanned := repo.seed(StatusScanned)
	_, err = svc.Cancel(context.Background(), scanned.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestCanDispensePredicate(t *testing.T) {
	cases := map[Status]bool{
		StatusPending:   false,
		StatusScanned:   true,
		StatusValidated: true,
		StatusDispensed: false,
		StatusFulfilled: false,
		StatusRejected:  false,
		StatusCancelled: false,
	}

	for status, want := range cases {
		p := &Prescription{Status: status}
		assert.Equal(t, want, p.CanDispense(), "status %s", status)
	}
}

func TestReferenceNumberFormat(t *testing.T) {
	at := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	ref, err := newReferenceNumber(at)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^RX-20260901-\d{4}$`), ref)
}
