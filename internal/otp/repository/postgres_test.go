package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	identity "opaque-idp/internal/identity/domain"
	"opaque-idp/internal/otp/domain"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

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

func TestGet(t *testing.T) {
	repo, mock := newMock(t)
	cols := []string{"cohort", "subject_id", "secret_ciphertext", "verified", "last_used_step", "failure_count", "locked_until", "created_at", "updated_at"}

	mock.ExpectQuery("from otp_configs where cohort = \\$1 and subject_id = \\$2").
		WithArgs("user", "missing").WillReturnRows(sqlmock.NewRows(cols))
	c, err := repo.Get(context.Background(), identity.CohortUser, "missing")
	if err != nil || c != nil {
		t.Fatalf("Get(missing) = %v, %v", c, err)
	}

	mock.ExpectQuery("from otp_configs").
		WithArgs("admin", "a1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("admin", "a1", []byte("ct"), true, int64(42), 2, now, now, now))
	c, err = repo.Get(context.Background(), identity.CohortAdmin, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.State() != domain.StateEnabled || c.LastUsedStep == nil || *c.LastUsedStep != 42 || c.FailureCount != 2 {
		t.Fatalf("Get = %+v", c)
	}
	if c.LockedUntil == nil || !c.LockedUntil.Equal(now) {
		t.Errorf("LockedUntil = %v", c.LockedUntil)
	}
}

func TestCreatePending_DoesNotOverwriteVerified(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectExec("insert into otp_configs .* on conflict .* where otp_configs.verified = false").
		WithArgs("user", "u1", []byte("ct"), now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err := repo.CreatePending(context.Background(), &domain.Config{Cohort: identity.CohortUser, SubjectID: "u1", SecretCiphertext: []byte("ct"), CreatedAt: now})
	if err != nil || ok {
		t.Fatalf("CreatePending = %v, %v; want false", ok, err)
	}
}

func TestEnable_ReplacesCodesInTx(t *testing.T) {
	repo, mock := newMock(t)
	codes := []domain.BackupCode{{ID: "b1", CodeHash: "h1", CreatedAt: now}, {ID: "b2", CodeHash: "h2", CreatedAt: now}}

	mock.ExpectBegin()
	mock.ExpectExec("update otp_configs set verified = true.* last_used_step < \\$3").
		WithArgs("user", "u1", int64(100)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from otp_backup_codes").WithArgs("user", "u1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("insert into otp_backup_codes").WithArgs("b1", "user", "u1", "h1", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into otp_backup_codes").WithArgs("b2", "user", "u1", "h2", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.Enable(context.Background(), identity.CohortUser, "u1", 100, codes)
	if err != nil || !ok {
		t.Fatalf("Enable = %v, %v", ok, err)
	}
}

func TestEnable_NoRowLeavesCodes(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("update otp_configs set verified = true").
		WithArgs("user", "u1", int64(100)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := repo.Enable(context.Background(), identity.CohortUser, "u1", 100, []domain.BackupCode{{ID: "b1"}})
	if err != nil || ok {
		t.Fatalf("Enable = %v, %v; want false", ok, err)
	}
}

func TestAcceptStep_Replay(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectExec("update otp_configs set last_used_step = \\$3.* last_used_step < \\$3").
		WithArgs("user", "u1", int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update otp_configs set last_used_step = \\$3").
		WithArgs("user", "u1", int64(7)).WillReturnResult(sqlmock.NewResult(0, 0))

	if ok, err := repo.AcceptStep(context.Background(), identity.CohortUser, "u1", 7); err != nil || !ok {
		t.Fatalf("first AcceptStep = %v, %v", ok, err)
	}
	if ok, err := repo.AcceptStep(context.Background(), identity.CohortUser, "u1", 7); err != nil || ok {
		t.Fatalf("replayed AcceptStep = %v, %v; want false", ok, err)
	}
}

func TestConsumeBackupCode(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectExec("update otp_backup_codes set used_at = \\$4.* used_at is null").
		WithArgs("admin", "a1", "hash", now).WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := repo.ConsumeBackupCode(context.Background(), identity.CohortAdmin, "a1", "hash", now)
	if err != nil || !ok {
		t.Fatalf("ConsumeBackupCode = %v, %v", ok, err)
	}
}

func TestRecordFailure(t *testing.T) {
	repo, mock := newMock(t)
	until := now.Add(15 * time.Minute)

	mock.ExpectQuery("update otp_configs set failure_count = case .* returning locked_until").
		WithArgs("user", "u1", 5, until).
		WillReturnRows(sqlmock.NewRows([]string{"locked_until"}).AddRow(nil))
	got, err := repo.RecordFailure(context.Background(), identity.CohortUser, "u1", 5, until)
	if err != nil || got != nil {
		t.Fatalf("RecordFailure = %v, %v; want not locked", got, err)
	}

	mock.ExpectQuery("update otp_configs set failure_count").
		WithArgs("user", "u1", 5, until).
		WillReturnRows(sqlmock.NewRows([]string{"locked_until"}).AddRow(until))
	got, err = repo.RecordFailure(context.Background(), identity.CohortUser, "u1", 5, until)
	if err != nil || got == nil || !got.Equal(until) {
		t.Fatalf("RecordFailure = %v, %v; want locked until %v", got, err, until)
	}
}

func TestDelete_RemovesCodesAndConfig(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("delete from otp_backup_codes").WithArgs("user", "u1").WillReturnResult(sqlmock.NewResult(0, 8))
	mock.ExpectExec("delete from otp_configs").WithArgs("user", "u1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	if err := repo.Delete(context.Background(), identity.CohortUser, "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestCountUnusedBackupCodes(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectQuery("select count\\(\\*\\) from otp_backup_codes .* used_at is null").
		WithArgs("user", "u1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	n, err := repo.CountUnusedBackupCodes(context.Background(), identity.CohortUser, "u1")
	if err != nil || n != 7 {
		t.Fatalf("CountUnusedBackupCodes = %d, %v", n, err)
	}
}
