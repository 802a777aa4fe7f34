package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	identity "opaque-idp/internal/identity/domain"
	"opaque-idp/internal/opaque/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an OPAQUE record and login-session repository that uses the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, cohort identity.Cohort, subjectID string) (domain.Lookup, error) {
	rec := domain.Record{Cohort: cohort, SubjectID: subjectID}
	err := r.db.QueryRowContext(ctx, `
		select credential_id, envelope, server_public_key, created_at, updated_at
		from opaque_records where cohort = $1 and subject_id = $2`, string(cohort), subjectID).
		Scan(&rec.CredentialID, &rec.Envelope, &rec.ServerPublicKey, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFound(), nil
	}
	if err != nil {
		return domain.NotFound(), err
	}
	return domain.Found(&rec), nil
}

func (r *PostgresRepository) Put(ctx context.Context, rec *domain.Record) error {
	_, err := r.db.ExecContext(ctx, `
		insert into opaque_records (cohort, subject_id, credential_id, envelope, server_public_key, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $6)
		on conflict (cohort, subject_id) do update
		set credential_id = excluded.credential_id,
		    envelope = excluded.envelope,
		    server_public_key = excluded.server_public_key,
		    updated_at = excluded.updated_at`,
		string(rec.Cohort), rec.SubjectID, rec.CredentialID, rec.Envelope, rec.ServerPublicKey, rec.UpdatedAt)
	return err
}

func (r *PostgresRepository) Delete(ctx context.Context, cohort identity.Cohort, subjectID string) error {
	_, err := r.db.ExecContext(ctx, `delete from opaque_records where cohort = $1 and subject_id = $2`, string(cohort), subjectID)
	return err
}

func (r *PostgresRepository) Create(ctx context.Context, s *domain.LoginSession) error {
	_, err := r.db.ExecContext(ctx, `
		insert into opaque_login_sessions (id, cohort, identity, server_state, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6)`,
		s.ID, string(s.Cohort), s.Identity, s.ServerState, s.ExpiresAt, s.CreatedAt)
	return err
}

// Consume deletes the row and returns it in one statement, so a handshake can be finished at most once.
func (r *PostgresRepository) Consume(ctx context.Context, id string) (*domain.LoginSession, error) {
	s := domain.LoginSession{ID: id}
	var cohort string
	err := r.db.QueryRowContext(ctx, `
		delete from opaque_login_sessions where id = $1
		returning cohort, identity, server_state, expires_at, created_at`, id).
		Scan(&cohort, &s.Identity, &s.ServerState, &s.ExpiresAt, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Cohort = identity.Cohort(cohort)
	return &s, nil
}

func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `delete from opaque_login_sessions where expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
