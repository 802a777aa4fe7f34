package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	identity "opaque-idp/internal/identity/domain"
	"opaque-idp/internal/user/domain"
)

func newMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		conn.Close()
	})
	return NewPostgresRepository(conn), mock
}

func TestGetByEmail_NormalizesAndPicksTable(t *testing.T) {
	repo, mock := newMock(t)
	cols := []string{"id", "email", "name", "role"}

	mock.ExpectQuery("select id, email, name, '' from users where email = \\$1").
		WithArgs("alice@example.com").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("u1", "alice@example.com", "Alice", ""))
	s, err := repo.GetByEmail(context.Background(), identity.CohortUser, "  Alice@Example.COM ")
	if err != nil {
		t.Fatalf("GetByEmail: %v", err)
	}
	if s.ID != "u1" || s.Cohort != identity.CohortUser || s.Role != "" {
		t.Errorf("subject = %+v", s)
	}

	mock.ExpectQuery("select id, email, name, role from admins where email = \\$1").
		WithArgs("root@example.com").WillReturnRows(sqlmock.NewRows(cols))
	s, err = repo.GetByEmail(context.Background(), identity.CohortAdmin, "root@example.com")
	if err != nil || s != nil {
		t.Fatalf("GetByEmail(missing admin) = %v, %v", s, err)
	}
}

func TestGetByID_InvalidCohort(t *testing.T) {
	repo, _ := newMock(t)
	if _, err := repo.GetByID(context.Background(), identity.Cohort("robot"), "x"); err == nil {
		t.Fatal("invalid cohort should fail")
	}
}

func TestCreateUser_DuplicateEmail(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Now()
	mock.ExpectExec("insert into users").
		WithArgs("u2", "alice@example.com", "", now).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	err := repo.CreateUser(context.Background(), &domain.User{ID: "u2", Email: "Alice@example.com", CreatedAt: now})
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("err = %v, want ErrEmailTaken", err)
	}
}

func TestCreateAdmin_DefaultRole(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Now()
	mock.ExpectExec("insert into admins").
		WithArgs("a1", "root@example.com", "Root", "admin", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.CreateAdmin(context.Background(), &domain.Admin{ID: "a1", Email: "root@example.com", Name: "Root", CreatedAt: now}); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
}
