package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"sleecore/pkg/domain"
)

var (
	createTableSQL = regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS state`)
	selectStateSQL = regexp.QuoteMeta(`SELECT bucket, payload FROM state`)
	upsertStateSQL = regexp.QuoteMeta(`INSERT INTO state(bucket,payload) VALUES($1,$2)`)
)

func withMockDB(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	restore := OverrideSQLOpen(func(driver, dsn string) (*sql.DB, error) {
		if driver != defaultDriver {
			t.Errorf("unexpected driver %q", driver)
		}
		if dsn != defaultDSN {
			t.Errorf("expected default dsn, got %q", dsn)
		}
		return db, nil
	})
	t.Cleanup(restore)
	return mock
}

func TestNewStoreEnsuresTableAndLoadsSnapshot(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectExec(createTableSQL).WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"bucket", "payload"}).
		AddRow("services", []byte(`{"svc#acme#1":{"id":{"name":"svc","vendor":"acme","version":"1"},"state":"ACTIVE"}}`)).
		AddRow("unknown", []byte(`{}`))
	mock.ExpectQuery(selectStateSQL).WillReturnRows(rows)

	store, err := NewStore(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	rec, ok := store.GetService(domain.ServiceID{Name: "svc", Vendor: "acme", Version: "1"})
	if !ok || rec.State != domain.ServiceActive {
		t.Fatalf("expected service loaded, got %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCommitUpsertsTouchedBuckets(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectExec(createTableSQL).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(selectStateSQL).WillReturnRows(sqlmock.NewRows([]string{"bucket", "payload"}))
	mock.ExpectBegin()
	mock.ExpectExec(upsertStateSQL).WithArgs("entities", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store, err := NewStore(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.RunInTransaction(context.Background(), func(_ context.Context, tx domain.Transaction) error {
		_, err := tx.CreateEntity(domain.EntityRecord{ID: "e1"})
		return err
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertFailureRollsBackStore(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectExec(createTableSQL).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(selectStateSQL).WillReturnRows(sqlmock.NewRows([]string{"bucket", "payload"}))
	mock.ExpectBegin()
	mock.ExpectExec(upsertStateSQL).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	store, err := NewStore(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	_, err = store.RunInTransaction(context.Background(), func(_ context.Context, tx domain.Transaction) error {
		_, err := tx.CreateEntity(domain.EntityRecord{ID: "e1"})
		return err
	})
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if _, ok := store.GetEntity("e1"); ok {
		t.Fatalf("entity must not be visible after failed persist")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNewPersisterSurfacesTableError(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectExec(createTableSQL).WillReturnError(errors.New("permission denied"))
	mock.ExpectClose()
	if _, err := NewPersister(context.Background(), ""); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadDecodeError(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectExec(createTableSQL).WillReturnResult(sqlmock.NewResult(0, 0))
	p, err := NewPersister(context.Background(), "")
	if err != nil {
		t.Fatalf("persister: %v", err)
	}
	mock.ExpectQuery(selectStateSQL).WillReturnRows(sqlmock.NewRows([]string{"bucket", "payload"}).AddRow("entities", []byte(`[`)))
	if _, err := p.Load(context.Background()); err == nil {
		t.Fatalf("expected decode error")
	}
}
