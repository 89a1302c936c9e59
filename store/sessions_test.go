package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/trustkit/trustkit"
)

func newStoreWithMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateSessionSingleCurrentInOneTx(t *testing.T) {
	s, mock := newStoreWithMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT\s+INTO\s+sessions`).
		WithArgs("s-1", "u-1", "tok-1", "ua", "1.2.3.4", now, now, now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE\s+sessions\s+SET\s+is_current\s*=\s*\(id\s*=\s*\$1\)\s+WHERE\s+user_id\s*=\s*\$2`).
		WithArgs("s-1", "u-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	sess := &trustkit.Session{
		ID: "s-1", UserID: "u-1", Token: "tok-1", UserAgent: "ua", IP: "1.2.3.4",
		CreatedAt: now, LastActiveAt: now, ExpiresAt: now.Add(time.Hour),
	}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if !sess.IsCurrent {
		t.Fatal("expected new session to be marked current")
	}
	expectationsMet(t, mock)
}

func TestCreateSessionRollsBackOnUpdateFailure(t *testing.T) {
	s, mock := newStoreWithMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT\s+INTO\s+sessions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE\s+sessions\s+SET\s+is_current`).
		WillReturnError(errors.New("deadlock"))
	mock.ExpectRollback()

	sess := &trustkit.Session{
		ID: "s-1", UserID: "u-1", Token: "tok-1",
		CreatedAt: now, LastActiveAt: now, ExpiresAt: now.Add(time.Hour),
	}
	if err := s.CreateSession(context.Background(), sess); err == nil {
		t.Fatal("expected CreateSession to fail")
	}
	expectationsMet(t, mock)
}

func TestSessionByTokenExpiredIsMiss(t *testing.T) {
	s, mock := newStoreWithMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT\s+.+\s+FROM\s+sessions\s+WHERE\s+token\s*=\s*\$1\s+AND\s+expires_at\s*>\s*\$2`).
		WithArgs("tok-1", now).
		WillReturnError(sql.ErrNoRows)

	_, err := s.SessionByToken(context.Background(), "tok-1", now)
	if !errors.Is(err, trustkit.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestDeleteSessionOwnershipChecked(t *testing.T) {
	s, mock := newStoreWithMock(t)
	expires := time.Now().UTC().Add(time.Hour)

	mock.ExpectQuery(`DELETE\s+FROM\s+sessions\s+WHERE\s+id\s*=\s*\$1\s+AND\s+user_id\s*=\s*\$2`).
		WithArgs("s-1", "u-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "token", "expires_at"}).
			AddRow("s-1", "tok-1", expires))

	revoked, err := s.DeleteSession(context.Background(), "s-1", "u-1")
	if err != nil {
		t.Fatalf("DeleteSession error: %v", err)
	}
	if revoked.Token != "tok-1" || !revoked.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected revoked session: %+v", revoked)
	}
	expectationsMet(t, mock)
}

func TestDeleteSessionForeignOwnerLooksMissing(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`DELETE\s+FROM\s+sessions\s+WHERE\s+id\s*=\s*\$1\s+AND\s+user_id\s*=\s*\$2`).
		WithArgs("s-1", "intruder").
		WillReturnError(sql.ErrNoRows)

	_, err := s.DeleteSession(context.Background(), "s-1", "intruder")
	if !errors.Is(err, trustkit.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestDeleteSessionsReturnsAllRevoked(t *testing.T) {
	s, mock := newStoreWithMock(t)
	expires := time.Now().UTC().Add(time.Hour)

	mock.ExpectQuery(`DELETE\s+FROM\s+sessions\s+WHERE\s+user_id\s*=\s*\$1\s+AND\s+id\s*<>\s*\$2`).
		WithArgs("u-1", "keep").
		WillReturnRows(sqlmock.NewRows([]string{"id", "token", "expires_at"}).
			AddRow("s-1", "tok-1", expires).
			AddRow("s-2", "tok-2", expires))

	revoked, err := s.DeleteSessions(context.Background(), "u-1", "keep")
	if err != nil {
		t.Fatalf("DeleteSessions error: %v", err)
	}
	if len(revoked) != 2 {
		t.Fatalf("expected 2 revoked sessions, got %d", len(revoked))
	}
	expectationsMet(t, mock)
}
