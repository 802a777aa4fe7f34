package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"opaque-idp/internal/db"
	identity "opaque-idp/internal/identity/domain"
	"opaque-idp/internal/user/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a directory that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

func subjectQuery(cohort identity.Cohort, where string) (string, error) {
	switch cohort {
	case identity.CohortUser:
		return `select id, email, name, '' from users where ` + where, nil
	case identity.CohortAdmin:
		return `select id, email, name, role from admins where ` + where, nil
	}
	return "", fmt.Errorf("user: invalid cohort %q", cohort)
}

// GetByEmail returns the subject with the given email, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByEmail(ctx context.Context, cohort identity.Cohort, email string) (*domain.Subject, error) {
	q, err := subjectQuery(cohort, `email = $1`)
	if err != nil {
		return nil, err
	}
	return r.scanOne(ctx, cohort, q, identity.NormalizeEmail(email))
}

// GetByID returns the subject for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, cohort identity.Cohort, id string) (*domain.Subject, error) {
	q, err := subjectQuery(cohort, `id = $1`)
	if err != nil {
		return nil, err
	}
	return r.scanOne(ctx, cohort, q, id)
}

func (r *PostgresRepository) scanOne(ctx context.Context, cohort identity.Cohort, q, arg string) (*domain.Subject, error) {
	s := domain.Subject{Cohort: cohort}
	err := r.db.QueryRowContext(ctx, q, arg).Scan(&s.ID, &s.Email, &s.Name, &s.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateUser persists u. The user must have ID set; it is not assigned by this method.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *domain.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`insert into users (id, email, name, created_at) values ($1, $2, $3, $4)`,
		u.ID, identity.NormalizeEmail(u.Email), u.Name, u.CreatedAt)
	if db.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

// CreateAdmin persists a.
func (r *PostgresRepository) CreateAdmin(ctx context.Context, a *domain.Admin) error {
	role := a.Role
	if role == "" {
		role = domain.AdminRoleAdmin
	}
	_, err := r.db.ExecContext(ctx,
		`insert into admins (id, email, name, role, created_at) values ($1, $2, $3, $4, $5)`,
		a.ID, identity.NormalizeEmail(a.Email), a.Name, role, a.CreatedAt)
	if db.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}
