package sqltarget

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provgate/provgate/pkg/engine"
	"github.com/provgate/provgate/pkg/telemetry"
)

func newMockConnector(t *testing.T) (*Connector, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	conn := NewWithDB(sqlx.NewDb(db, "postgres"), Config{Name: "sql", Table: "accounts"}, logger)
	return conn, mock
}

func TestProbe(t *testing.T) {
	conn, mock := newMockConnector(t)

	rows := sqlmock.NewRows([]string{"identity_key", "attributes", "enabled"}).
		AddRow("E100", []byte(`{"login":"e100"}`), true)
	mock.ExpectQuery("SELECT identity_key AS identity_key, attributes, enabled FROM accounts").
		WithArgs("E100").
		WillReturnRows(rows)

	exists, attrs, err := conn.Probe(context.Background(), "E100")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "e100", attrs["login"])
	assert.Equal(t, "true", attrs["enabled"])

	mock.ExpectQuery("SELECT identity_key AS identity_key, attributes, enabled FROM accounts").
		WithArgs("E404").
		WillReturnRows(sqlmock.NewRows([]string{"identity_key", "attributes", "enabled"}))

	exists, attrs, err = conn.Probe(context.Background(), "E404")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Nil(t, attrs)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCreate(t *testing.T) {
	conn, mock := newMockConnector(t)

	mock.ExpectExec("INSERT INTO accounts").
		WithArgs("E100", []byte(`{"login":"e100"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	receipt, err := conn.Apply(context.Background(), "E100", engine.OpCreate, engine.Attributes{"login": "e100"})
	require.NoError(t, err)
	assert.Equal(t, "E100", receipt.TargetKey)
	assert.Equal(t, "create", receipt.Data["kind"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCreateDuplicateKeyIsPermanent(t *testing.T) {
	conn, mock := newMockConnector(t)

	mock.ExpectExec("INSERT INTO accounts").
		WillReturnError(&pq.Error{Code: pq.ErrorCode(pqUniqueViolation)})

	_, err := conn.Apply(context.Background(), "E100", engine.OpCreate, engine.Attributes{})
	require.Error(t, err)

	var e *engine.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, engine.ClassPermanent, e.Class)
	assert.Equal(t, engine.CodeDuplicateKey, e.Code)
	assert.False(t, engine.IsRetryable(err))
}

func TestApplyCreateConnectionFailureIsTransient(t *testing.T) {
	conn, mock := newMockConnector(t)

	mock.ExpectExec("INSERT INTO accounts").
		WillReturnError(&pq.Error{Code: pq.ErrorCode("08006")})

	_, err := conn.Apply(context.Background(), "E100", engine.OpCreate, engine.Attributes{})
	require.Error(t, err)
	assert.Equal(t, engine.ClassTransient, engine.Classify(err))
	assert.True(t, engine.IsRetryable(err))
}

func TestApplyUpdateKeepsPriorAttributes(t *testing.T) {
	conn, mock := newMockConnector(t)

	mock.ExpectQuery("SELECT attributes FROM accounts").
		WithArgs("E100").
		WillReturnRows(sqlmock.NewRows([]string{"attributes"}).AddRow([]byte(`{"login":"old"}`)))
	mock.ExpectExec("UPDATE accounts SET attributes").
		WithArgs([]byte(`{"login":"new"}`), "E100").
		WillReturnResult(sqlmock.NewResult(0, 1))

	receipt, err := conn.Apply(context.Background(), "E100", engine.OpUpdate, engine.Attributes{"login": "new"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"login":"old"}`, receipt.Data["prior"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyUpdateMissingRow(t *testing.T) {
	conn, mock := newMockConnector(t)

	mock.ExpectQuery("SELECT attributes FROM accounts").
		WithArgs("E404").
		WillReturnRows(sqlmock.NewRows([]string{"attributes"}))

	_, err := conn.Apply(context.Background(), "E404", engine.OpUpdate, engine.Attributes{})
	require.Error(t, err)

	var e *engine.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, engine.CodeNotFound, e.Code)
}

func TestCompensateCreateIsIdempotent(t *testing.T) {
	conn, mock := newMockConnector(t)
	receipt := &engine.Receipt{TargetKey: "E100", Data: map[string]string{"kind": "create"}}

	// Zero rows affected is still success: the row is already gone.
	mock.ExpectExec("DELETE FROM accounts").
		WithArgs("E100").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, conn.Compensate(context.Background(), "E100", receipt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompensateDeleteReinsertsPriorRow(t *testing.T) {
	conn, mock := newMockConnector(t)
	receipt := &engine.Receipt{
		TargetKey: "E100",
		Data:      map[string]string{"kind": "delete", "prior": `{"login":"e100"}`},
	}

	mock.ExpectExec("INSERT INTO accounts .+ ON CONFLICT").
		WithArgs("E100", []byte(`{"login":"e100"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, conn.Compensate(context.Background(), "E100", receipt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompensateDisableReenables(t *testing.T) {
	conn, mock := newMockConnector(t)
	receipt := &engine.Receipt{TargetKey: "E100", Data: map[string]string{"kind": "disable"}}

	mock.ExpectExec("UPDATE accounts SET enabled").
		WithArgs(true, "E100").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, conn.Compensate(context.Background(), "E100", receipt))
	assert.NoError(t, mock.ExpectationsWereMet())
}
