package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"opaque-idp/internal/db"
	identity "opaque-idp/internal/identity/domain"
	"opaque-idp/internal/session/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

const sessionColumns = `id, cohort, data, created_at, expires_at, refresh_token_hash, refresh_expires_at, refresh_consumed_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *PostgresRepository) FindByRefreshHash(ctx context.Context, refreshHash string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where refresh_token_hash = $1`, refreshHash)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	return insertSession(ctx, r.db, s)
}

func (r *PostgresRepository) Replace(ctx context.Context, oldID string, next *domain.Session) (bool, error) {
	replaced := false
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `delete from sessions where id = $1`, oldID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		if err := insertSession(ctx, tx, next); err != nil {
			return err
		}
		replaced = true
		return nil
	})
	return replaced, err
}

func (r *PostgresRepository) ConsumeRefresh(ctx context.Context, refreshHash string, now time.Time, successor func(old *domain.Session) (*domain.Session, error)) (*domain.Session, error) {
	var next *domain.Session
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		// Compare-and-set: only an unconsumed, unexpired token matches, and the row lock
		// makes a concurrent second consumer see zero rows.
		row := tx.QueryRowContext(ctx, `
			update sessions
			   set refresh_consumed_at = $2, expires_at = least(expires_at, $2)
			 where refresh_token_hash = $1
			   and refresh_consumed_at is null
			   and refresh_expires_at > $2
			returning `+sessionColumns, refreshHash, now)
		old, err := scanSession(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		s, err := successor(old)
		if err != nil {
			return err
		}
		if err := insertSession(ctx, tx, s); err != nil {
			return err
		}
		next = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (r *PostgresRepository) UpdateData(ctx context.Context, id string, data domain.SessionData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `update sessions set data = $2 where id = $1`, id, raw)
	return err
}

func (r *PostgresRepository) Touch(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`update sessions set expires_at = $2 where id = $1 and refresh_consumed_at is null`, id, expiresAt)
	return err
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `delete from sessions where id = $1`, id)
	return err
}

func (r *PostgresRepository) DeleteAllForSubject(ctx context.Context, cohort identity.Cohort, subjectID string) (int64, error) {
	col, err := subjectColumn(cohort)
	if err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, `delete from sessions where cohort = $1 and `+col+` = $2`, string(cohort), subjectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) DeleteExpired(ctx context.Context, now, consumedBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`delete from sessions where refresh_expires_at < $1 or refresh_consumed_at < $2`, now, consumedBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func insertSession(ctx context.Context, ex execer, s *domain.Session) error {
	raw, err := json.Marshal(s.Data)
	if err != nil {
		return err
	}
	var userID, adminID sql.NullString
	switch s.Cohort {
	case identity.CohortUser:
		userID = sql.NullString{String: s.SubjectID, Valid: true}
	case identity.CohortAdmin:
		adminID = sql.NullString{String: s.SubjectID, Valid: true}
	default:
		return fmt.Errorf("session: invalid cohort %q", s.Cohort)
	}
	_, err = ex.ExecContext(ctx, `
		insert into sessions (id, cohort, user_id, admin_id, data, created_at, expires_at, refresh_token_hash, refresh_expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, string(s.Cohort), userID, adminID, raw, s.CreatedAt, s.ExpiresAt, s.RefreshTokenHash, s.RefreshExpiresAt)
	return err
}

func subjectColumn(c identity.Cohort) (string, error) {
	switch c {
	case identity.CohortUser:
		return "user_id", nil
	case identity.CohortAdmin:
		return "admin_id", nil
	}
	return "", fmt.Errorf("session: invalid cohort %q", c)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*domain.Session, error) {
	var (
		s        domain.Session
		cohort   string
		raw      []byte
		consumed sql.NullTime
	)
	if err := sc.Scan(&s.ID, &cohort, &raw, &s.CreatedAt, &s.ExpiresAt, &s.RefreshTokenHash, &s.RefreshExpiresAt, &consumed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &s.Data); err != nil {
		return nil, fmt.Errorf("session %s: decode data: %w", s.ID, err)
	}
	s.Cohort = identity.Cohort(cohort)
	s.SubjectID = s.Data.SubjectID()
	if consumed.Valid {
		t := consumed.Time
		s.RefreshConsumedAt = &t
	}
	return &s, nil
}
