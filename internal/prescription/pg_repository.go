package prescription

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

var _ Repository = (*PgRepository)(nil)

const prescriptionColumns = `id, reference_number, patient_id, doctor_id, visit_id, diagnosis, notes, status, created_at, updated_at`

// Helpers

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription

	err := row.Scan(
		&p.ID,
		&p.ReferenceNumber,
		&p.PatientID,
		&p.DoctorID,
		&p.VisitID,
		&p.Diagnosis,
		&p.Notes,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPrescriptionNotFound
		}
		return nil, err
	}

	return &p, nil
}

func scanAuditEntry(row pgx.Row) (*AuditEntry, error) {
	var e AuditEntry

	err := row.Scan(
		&e.ID,
		&e.PrescriptionID,
		&e.PharmacistID,
		&e.Action,
		&e.Notes,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &e, nil
}

// Interface methods

func (r *PgRepository) Create(ctx context.Context, p *Prescription) (*Prescription, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO prescriptions (id, reference_number, patient_id, doctor_id, visit_id, diagnosis, notes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING `+prescriptionColumns+`
	`, p.ID, p.ReferenceNumber, p.PatientID, p.DoctorID, p.VisitID, p.Diagnosis, p.Notes, p.Status)

	created, err := scanPrescription(row)
	if err != nil {
		return nil, fmt.Errorf("insert prescription: %w", err)
	}

	for i := range p.Items {
		item := &p.Items[i]
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		item.PrescriptionID = created.ID

		_, err := tx.Exec(ctx, `
			INSERT INTO prescription_items (id, prescription_id, medicine_name, dosage, frequency, quantity, instructions)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, item.ID, item.PrescriptionID, item.MedicineName, item.Dosage, item.Frequency, item.Quantity, item.Instructions)
		if err != nil {
			return nil, fmt.Errorf("insert prescription item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create tx: %w", err)
	}

	created.Items = p.Items
	return created, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+prescriptionColumns+`
		FROM prescriptions
		WHERE id = $1
	`, id)

	p, err := scanPrescription(row)
	if err != nil {
		return nil, err
	}

	items, err := r.listItems(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.Items = items

	return p, nil
}

func (r *PgRepository) listItems(ctx context.Context, prescriptionID uuid.UUID) ([]Item, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, prescription_id, medicine_name, dosage, frequency, quantity, instructions
		FROM prescription_items
		WHERE prescription_id = $1
		ORDER BY medicine_name
	`, prescriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		err := rows.Scan(&it.ID, &it.PrescriptionID, &it.MedicineName, &it.Dosage, &it.Frequency, &it.Quantity, &it.Instructions)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}

	return items, rows.Err()
}

func (r *PgRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Prescription, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+prescriptionColumns+`
		FROM prescriptions
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}

	return result, rows.Err()
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, to Status, from ...Status) (*Prescription, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE prescriptions
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = ANY($3)
		RETURNING `+prescriptionColumns+`
	`, id, to, fromStrs)

	return scanPrescription(row)
}

func (r *PgRepository) InsertAudit(ctx context.Context, e AuditEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO pharmacy_audit_entries (prescription_id, pharmacist_id, action, notes, created_at)
		VALUES ($1, $2, $3, $4, now())
	`, e.PrescriptionID, e.PharmacistID, e.Action, e.Notes)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	return nil
}

func (r *PgRepository) ListAuditByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, prescription_id, pharmacist_id, action, notes, created_at
		FROM pharmacy_audit_entries
		WHERE prescription_id = $1
		ORDER BY id
	`, prescriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}

	return result, rows.Err()
}
