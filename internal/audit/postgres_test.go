package audit

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type redactedParams struct{ key string }

func (r redactedParams) Match(v driver.Value) bool {
	raw, ok := v.([]byte)
	if !ok {
		return false
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	return m[r.key] == Redacted
}

func newMockAuditStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgresInsertStoresSanitizedJSON(t *testing.T) {
	store, mock := newMockAuditStore(t)
	ts := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_log")).
		WithArgs("id-1", "admin_action", ts, "", "admin-1", "", "", "", "/setkey",
			redactedParams{key: "api_key"}, "u9", "", "", true, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := AdminAction("admin-1", "/setkey", map[string]interface{}{"api_key": "live-123"}, "u9")
	e.ID = "id-1"
	e.Timestamp = ts
	require.NoError(t, store.Insert(context.Background(), e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueryBuildsFilter(t *testing.T) {
	store, mock := newMockAuditStore(t)
	ts := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

	cols := []string{"id", "event_type", "occurred_at", "user_id", "admin_id", "agent_id", "wallet_address",
		"operation", "command", "parameters", "target_user_id", "amount", "token", "success", "error_message"}
	mock.ExpectQuery(regexp.QuoteMeta("WHERE event_type = $1 AND user_id = $2 ORDER BY occurred_at DESC, id DESC LIMIT $3")).
		WithArgs("deposit", "u1", 5).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("e1", "deposit", ts, "u1", "", "a1", "", "", "", []byte(`{"tx_hash":"0xabc"}`), "", "10", "USDT", true, ""))

	got, err := store.Query(context.Background(), Filter{EventType: EventDeposit, UserID: "u1", Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0xabc", got[0].Parameters["tx_hash"])
	assert.Equal(t, "USDT", got[0].Token)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueryWithoutFilter(t *testing.T) {
	store, mock := newMockAuditStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_log ORDER BY occurred_at DESC, id DESC LIMIT $1")).
		WithArgs(DefaultQueryLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	got, err := store.Query(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}
