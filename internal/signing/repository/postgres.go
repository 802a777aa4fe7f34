package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"opaque-idp/internal/db"
	"opaque-idp/internal/signing/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a signing key repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

const keyColumns = `kid, algorithm, public_pem, private_ciphertext, private_plain, created_at, rotated_at`

func (r *PostgresRepository) Insert(ctx context.Context, k *domain.Key) error {
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`update signing_keys set rotated_at = $1 where rotated_at is null`, k.CreatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			insert into signing_keys (kid, algorithm, public_pem, private_ciphertext, private_plain, created_at)
			values ($1, $2, $3, $4, $5, $6)`,
			k.Kid, k.Algorithm, k.PublicPEM, nullBytes(k.PrivateCiphertext), nullString(k.PrivatePlain), k.CreatedAt)
		return err
	})
}

// Latest returns the newest key, or nil if the table is empty.
func (r *PostgresRepository) Latest(ctx context.Context) (*domain.Key, error) {
	row := r.db.QueryRowContext(ctx, `select `+keyColumns+` from signing_keys order by created_at desc, kid desc limit 1`)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return k, err
}

func (r *PostgresRepository) List(ctx context.Context) ([]*domain.Key, error) {
	rows, err := r.db.QueryContext(ctx, `select `+keyColumns+` from signing_keys order by created_at desc, kid desc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DeleteRotatedBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `delete from signing_keys where rotated_at is not null and rotated_at < $1`, t)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(s scanner) (*domain.Key, error) {
	var (
		k       domain.Key
		plain   sql.NullString
		rotated sql.NullTime
	)
	if err := s.Scan(&k.Kid, &k.Algorithm, &k.PublicPEM, &k.PrivateCiphertext, &plain, &k.CreatedAt, &rotated); err != nil {
		return nil, err
	}
	k.PrivatePlain = plain.String
	if rotated.Valid {
		t := rotated.Time
		k.RotatedAt = &t
	}
	return &k, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
