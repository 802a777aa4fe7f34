package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"opaque-idp/internal/db"
	identity "opaque-idp/internal/identity/domain"
	"opaque-idp/internal/otp/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an OTP repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

func (r *PostgresRepository) Get(ctx context.Context, cohort identity.Cohort, subjectID string) (*domain.Config, error) {
	var (
		c       domain.Config
		step    sql.NullInt64
		locked  sql.NullTime
		cohortS string
	)
	err := r.db.QueryRowContext(ctx, `
		select cohort, subject_id, secret_ciphertext, verified, last_used_step, failure_count, locked_until, created_at, updated_at
		  from otp_configs
		 where cohort = $1 and subject_id = $2`, string(cohort), subjectID).
		Scan(&cohortS, &c.SubjectID, &c.SecretCiphertext, &c.Verified, &step, &c.FailureCount, &locked, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Cohort = identity.Cohort(cohortS)
	if step.Valid {
		v := step.Int64
		c.LastUsedStep = &v
	}
	if locked.Valid {
		t := locked.Time
		c.LockedUntil = &t
	}
	return &c, nil
}

func (r *PostgresRepository) CreatePending(ctx context.Context, c *domain.Config) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		insert into otp_configs (cohort, subject_id, secret_ciphertext, verified, failure_count, created_at, updated_at)
		values ($1, $2, $3, false, 0, $4, $4)
		on conflict (cohort, subject_id) do update
		   set secret_ciphertext = excluded.secret_ciphertext, last_used_step = null, updated_at = excluded.updated_at
		 where otp_configs.verified = false`,
		string(c.Cohort), c.SubjectID, c.SecretCiphertext, c.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRepository) Enable(ctx context.Context, cohort identity.Cohort, subjectID string, step int64, codes []domain.BackupCode) (bool, error) {
	enabled := false
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update otp_configs
			   set verified = true, last_used_step = $3, failure_count = 0, locked_until = null, updated_at = now()
			 where cohort = $1 and subject_id = $2 and verified = false
			   and (last_used_step is null or last_used_step < $3)`,
			string(cohort), subjectID, step)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		if err := replaceCodes(ctx, tx, cohort, subjectID, codes); err != nil {
			return err
		}
		enabled = true
		return nil
	})
	return enabled, err
}

func (r *PostgresRepository) AcceptStep(ctx context.Context, cohort identity.Cohort, subjectID string, step int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		update otp_configs
		   set last_used_step = $3, failure_count = 0, updated_at = now()
		 where cohort = $1 and subject_id = $2 and verified = true
		   and (last_used_step is null or last_used_step < $3)`,
		string(cohort), subjectID, step)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRepository) ConsumeBackupCode(ctx context.Context, cohort identity.Cohort, subjectID, codeHash string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		update otp_backup_codes
		   set used_at = $4
		 where id = (
			select id from otp_backup_codes
			 where cohort = $1 and subject_id = $2 and code_hash = $3 and used_at is null
			 limit 1
			   for update)`,
		string(cohort), subjectID, codeHash, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRepository) RecordFailure(ctx context.Context, cohort identity.Cohort, subjectID string, maxFailures int, lockUntil time.Time) (*time.Time, error) {
	var locked sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		update otp_configs
		   set failure_count = case when failure_count + 1 >= $3 then 0 else failure_count + 1 end,
		       locked_until  = case when failure_count + 1 >= $3 then $4 else locked_until end,
		       updated_at    = now()
		 where cohort = $1 and subject_id = $2
		returning locked_until`,
		string(cohort), subjectID, maxFailures, lockUntil).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil || !locked.Valid {
		return nil, err
	}
	t := locked.Time
	return &t, nil
}

func (r *PostgresRepository) ResetFailures(ctx context.Context, cohort identity.Cohort, subjectID string) error {
	_, err := r.db.ExecContext(ctx,
		`update otp_configs set failure_count = 0, updated_at = now() where cohort = $1 and subject_id = $2`,
		string(cohort), subjectID)
	return err
}

func (r *PostgresRepository) ReplaceBackupCodes(ctx context.Context, cohort identity.Cohort, subjectID string, codes []domain.BackupCode) error {
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		return replaceCodes(ctx, tx, cohort, subjectID, codes)
	})
}

func (r *PostgresRepository) CountUnusedBackupCodes(ctx context.Context, cohort identity.Cohort, subjectID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`select count(*) from otp_backup_codes where cohort = $1 and subject_id = $2 and used_at is null`,
		string(cohort), subjectID).Scan(&n)
	return n, err
}

func (r *PostgresRepository) Delete(ctx context.Context, cohort identity.Cohort, subjectID string) error {
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`delete from otp_backup_codes where cohort = $1 and subject_id = $2`, string(cohort), subjectID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`delete from otp_configs where cohort = $1 and subject_id = $2`, string(cohort), subjectID)
		return err
	})
}

func replaceCodes(ctx context.Context, tx *sql.Tx, cohort identity.Cohort, subjectID string, codes []domain.BackupCode) error {
	if _, err := tx.ExecContext(ctx,
		`delete from otp_backup_codes where cohort = $1 and subject_id = $2`, string(cohort), subjectID); err != nil {
		return err
	}
	for _, c := range codes {
		if _, err := tx.ExecContext(ctx, `
			insert into otp_backup_codes (id, cohort, subject_id, code_hash, created_at)
			values ($1, $2, $3, $4, $5)`,
			c.ID, string(cohort), subjectID, c.CodeHash, c.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}
