package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

var _ Store = (*PgStore)(nil)

const credentialColumns = `id, kind, subject_key, secret, payload, expires_at, is_used, scan_count, created_at, used_at`

func scanCredential(row pgx.Row) (*Credential, error) {
	var c Credential
	var payload []byte
	var usedAt *time.Time

	err := row.Scan(
		&c.ID,
		&c.Kind,
		&c.SubjectKey,
		&c.Secret,
		&payload,
		&c.ExpiresAt,
		&c.IsUsed,
		&c.ScanCount,
		&c.CreatedAt,
		&usedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSecretNotFound
		}
		return nil, err
	}

	c.Payload = payload
	c.UsedAt = usedAt
	return &c, nil
}

func (s *PgStore) Issue(ctx context.Context, c Credential, policy IssuePolicy) (*Credential, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin issue tx: %w", err)
	}
	defer tx.Rollback(ctx)

	switch policy {
	case PolicyConflict:
		// Serialize issues per (kind, subject). A row-level lock cannot
		// guard the first-time issue, where no row exists yet to lock, so
		// the existence check runs under a transaction-scoped advisory
		// lock instead.
		_, err := tx.Exec(ctx, `
			SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))
		`, c.Kind, c.SubjectKey)
		if err != nil {
			return nil, fmt.Errorf("lock subject for issue: %w", err)
		}

		var existingID uuid.UUID
		err = tx.QueryRow(ctx, `
			SELECT id
			FROM credentials
			WHERE kind = $1 AND subject_key = $2 AND NOT is_used AND expires_at > $3
			LIMIT 1
		`, c.Kind, c.SubjectKey, now).Scan(&existingID)
		if err == nil {
			return nil, ErrActiveSecretExists
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("check active secret: %w", err)
		}

	case PolicyReplace:
		_, err := tx.Exec(ctx, `
			DELETE FROM credentials
			WHERE kind = $1 AND subject_key = $2
		`, c.Kind, c.SubjectKey)
		if err != nil {
			return nil, fmt.Errorf("replace existing secrets: %w", err)
		}

	case PolicyIgnoreDuplicate:
		// The unique index on (kind, secret) decides the race: the losing
		// insert of a concurrent duplicate returns zero rows and reads the
		// winner's row instead of surfacing a constraint violation.
		row := tx.QueryRow(ctx, `
			INSERT INTO credentials (id, kind, subject_key, secret, payload, expires_at, is_used, scan_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, false, 0, now())
			ON CONFLICT (kind, secret) DO NOTHING
			RETURNING `+credentialColumns+`
		`, c.ID, c.Kind, c.SubjectKey, c.Secret, c.Payload, c.ExpiresAt)

		created, err := scanCredential(row)
		if err != nil {
			if !errors.Is(err, ErrSecretNotFound) {
				return nil, fmt.Errorf("insert credential: %w", err)
			}
			row = tx.QueryRow(ctx, `
				SELECT `+credentialColumns+`
				FROM credentials
				WHERE kind = $1 AND secret = $2
			`, c.Kind, c.Secret)
			created, err = scanCredential(row)
			if err != nil {
				return nil, fmt.Errorf("read existing secret: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit issue tx: %w", err)
		}
		return created, nil

	default:
		return nil, fmt.Errorf("unknown issue policy %d", policy)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO credentials (id, kind, subject_key, secret, payload, expires_at, is_used, scan_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, 0, now())
		RETURNING `+credentialColumns+`
	`, c.ID, c.Kind, c.SubjectKey, c.Secret, c.Payload, c.ExpiresAt)

	created, err := scanCredential(row)
	if err != nil {
		return nil, fmt.Errorf("insert credential: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit issue tx: %w", err)
	}

	return created, nil
}

// Consume is a single-statement compare-and-swap: the used flag and the
// expiry check live in the same UPDATE, so a secret can never be consumed
// twice and a sweep racing this call changes nothing about its outcome.
func (s *PgStore) Consume(ctx context.Context, kind Kind, subjectKey, secret string, now time.Time) (*Credential, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE credentials
		SET is_used = true,
		    used_at = $4
		WHERE kind = $1
		  AND subject_key = $2
		  AND secret = $3
		  AND NOT is_used
		  AND expires_at > $4
		RETURNING `+credentialColumns+`
	`, kind, subjectKey, secret, now)

	consumed, err := scanCredential(row)
	if err == nil {
		return consumed, nil
	}
	if !errors.Is(err, ErrSecretNotFound) {
		return nil, fmt.Errorf("consume secret: %w", err)
	}

	// The CAS missed. Classify for callers that are allowed to see why.
	existing, lookupErr := s.GetBySecret(ctx, kind, secret)
	if lookupErr != nil {
		return nil, ErrSecretNotFound
	}
	if existing.SubjectKey != subjectKey {
		return nil, ErrSecretNotFound
	}
	if existing.IsUsed {
		return nil, ErrSecretUsed
	}
	return nil, ErrSecretExpired
}

func (s *PgStore) GetBySecret(ctx context.Context, kind Kind, secret string) (*Credential, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials
		WHERE kind = $1 AND secret = $2
	`, kind, secret)
	return scanCredential(row)
}

func (s *PgStore) ActiveBySubject(ctx context.Context, kind Kind, subjectKey string, now time.Time) (*Credential, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials
		WHERE kind = $1 AND subject_key = $2 AND NOT is_used AND expires_at > $3
		ORDER BY created_at DESC
		LIMIT 1
	`, kind, subjectKey, now)
	return scanCredential(row)
}

func (s *PgStore) LatestBySubject(ctx context.Context, kind Kind, subjectKey string) (*Credential, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials
		WHERE kind = $1 AND subject_key = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, kind, subjectKey)
	return scanCredential(row)
}

func (s *PgStore) RecordScan(ctx context.Context, kind Kind, secret string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE credentials
		SET scan_count = scan_count + 1
		WHERE kind = $1 AND secret = $2
	`, kind, secret)
	if err != nil {
		return fmt.Errorf("record scan: %w", err)
	}
	return nil
}

func (s *PgStore) SweepExpired(ctx context.Context, kind Kind, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM credentials
		WHERE kind = $1 AND expires_at <= $2
	`, kind, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired credentials: %w", err)
	}
	return tag.RowsAffected(), nil
}
