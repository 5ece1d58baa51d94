package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/wardenproject/warden/pkg/model"
)

func TestGrantRollsBackOnCounterFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	defer db.Close()

	boom := errors.New("connection reset")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM roles`).
		WithArgs("analyst").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec(`INSERT INTO privileges`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`UPDATE counters SET value = value`).
		WillReturnError(boom)
	mock.ExpectRollback()

	s := NewSQLStore(db)
	_, err = s.GrantPrivileges(context.Background(), "analyst", []model.Privilege{
		{Scope: model.Table, Server: "server1", Database: "sales", Table: "orders", Action: model.ActionSelect},
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected counter failure to surface, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet sqlmock expectations: %v", err)
	}
}

func TestDropRoleRollsBackWhenCascadeFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	defer db.Close()

	boom := errors.New("disk full")

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM roles`).
		WithArgs("analyst").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM group_roles`).
		WithArgs("analyst").
		WillReturnError(boom)
	mock.ExpectRollback()

	s := NewSQLStore(db)
	if err := s.DropRole(context.Background(), "analyst"); !errors.Is(err, boom) {
		t.Errorf("Expected cascade failure to surface, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet sqlmock expectations: %v", err)
	}
}
