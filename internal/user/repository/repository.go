package repository

import (
	"context"
	"errors"

	identity "opaque-idp/internal/identity/domain"
	"opaque-idp/internal/user/domain"
)

// ErrEmailTaken is returned by Create when the email is already registered in the cohort.
var ErrEmailTaken = errors.New("email already registered")

// Repository is the subject directory of both cohorts. Lookups return nil for missing rows.
type Repository interface {
	GetByEmail(ctx context.Context, cohort identity.Cohort, email string) (*domain.Subject, error)
	GetByID(ctx context.Context, cohort identity.Cohort, id string) (*domain.Subject, error)
	CreateUser(ctx context.Context, u *domain.User) error
	CreateAdmin(ctx context.Context, a *domain.Admin) error
}
