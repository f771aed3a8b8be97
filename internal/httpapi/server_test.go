package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/agentledger/internal/audit"
	"github.com/R3E-Network/agentledger/internal/conversion"
	"github.com/R3E-Network/agentledger/internal/domain/agent"
	"github.com/R3E-Network/agentledger/internal/eligibility"
	svcerrors "github.com/R3E-Network/agentledger/internal/errors"
	"github.com/R3E-Network/agentledger/internal/hierarchy"
	"github.com/R3E-Network/agentledger/internal/idempotency"
	"github.com/R3E-Network/agentledger/internal/storage/memory"
)

const testSecret = "test-secret-0123456789"

type fixture struct {
	handler http.Handler
	auth    *Authenticator
	trail   *audit.Trail
	audits  *audit.MemoryStore
}

func newFixture(t *testing.T, limiter *RateLimiter) *fixture {
	t.Helper()
	store := memory.New()
	conv, err := conversion.New(conversion.DefaultConfig())
	require.NoError(t, err)

	audits := audit.NewMemoryStore()
	trail := audit.NewTrail(audits, nil, audit.Config{})
	require.NoError(t, trail.Start())
	t.Cleanup(func() { _ = trail.Stop(context.Background()) })

	ledger := hierarchy.NewService(store,
		hierarchy.WithConverter(conv),
		hierarchy.WithGuard(idempotency.NewMemoryGuard(0)),
		hierarchy.WithAuditor(trail),
	)
	auth, err := NewAuthenticator(testSecret, "agentledger", nil, PublicPaths...)
	require.NoError(t, err)

	srv := NewServer(Deps{
		Ledger:      ledger,
		Eligibility: eligibility.NewEvaluator(store, nil),
		Audit:       trail,
		Stream:      trail,
		Auth:        auth,
		Limiter:     limiter,
	})
	return &fixture{handler: srv, auth: auth, trail: trail, audits: audits}
}

func (f *fixture) token(t *testing.T, subject string, role Role) string {
	t.Helper()
	tok, err := f.auth.Issue(subject, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) svcerrors.Code {
	t.Helper()
	var body ErrorResponse
	decodeBody(t, rec, &body)
	return body.Code
}

func TestPublicEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", "", nil).Code)
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/agents/a1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, svcerrors.CodeUnauthorized, errorCode(t, rec))

	rec = f.do(t, http.MethodGet, "/agents/a1", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := f.auth.Issue("u1", RoleUser, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/agents/a1", expired, nil).Code)

	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "mallory",
			Issuer:    "agentledger",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("some-other-secret-value"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/agents/a1", foreign, nil).Code)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "mallory",
			Issuer:    "agentledger",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/agents/a1", unsigned, nil).Code)

	_, err = NewAuthenticator("short", "", nil)
	assert.Error(t, err)
}

func TestRoleEnforcement(t *testing.T) {
	f := newFixture(t, nil)
	user := f.token(t, "u1", RoleUser)

	rec := f.do(t, http.MethodPost, "/deposits", user, map[string]string{"user_id": "u1", "amount": "10", "token": "USDT"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, svcerrors.CodeForbidden, errorCode(t, rec))

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/audit", user, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/users/u2/portfolio", user, nil).Code)
}

func TestLedgerFlow(t *testing.T) {
	f := newFixture(t, nil)
	svc := f.token(t, "trading-engine", RoleService)
	admin := f.token(t, "ops", RoleAdmin)
	owner := f.token(t, "u1", RoleUser)
	stranger := f.token(t, "u2", RoleUser)

	rec := f.do(t, http.MethodPost, "/deposits", svc, map[string]string{
		"user_id": "u3", "amount": "5", "token": "USDT", "tx_hash": "0x1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var dep hierarchy.DepositResult
	decodeBody(t, rec, &dep)
	assert.True(t, dep.Created)
	assert.True(t, dep.Agent.IsolatedBalance.Equal(decimal.NewFromInt(490)))

	rec = f.do(t, http.MethodPost, "/deposits", svc, map[string]string{
		"user_id": "u3", "amount": "5", "token": "USDT", "tx_hash": "0x1",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, svcerrors.CodeDuplicate, errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/agents", svc, map[string]string{"user_id": "u1", "initial_balance": "20"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created agent.Agent
	decodeBody(t, rec, &created)
	rootID := created.ID

	rec = f.do(t, http.MethodPost, "/agents/"+rootID+"/profit", svc, map[string]interface{}{
		"amount":        "60",
		"trade_details": map[string]string{"symbol": "BTCUSDT", "side": "BUY"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/agents/"+rootID+"/eligibility", svc, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var decision eligibility.Decision
	decodeBody(t, rec, &decision)
	assert.True(t, decision.Eligible)

	rec = f.do(t, http.MethodPost, "/agents/"+rootID+"/spawn", admin, map[string]string{"child_balance": "60.01"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, svcerrors.CodeInsufficientEarnings, errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/agents/"+rootID+"/spawn", admin, map[string]string{"child_balance": "25", "reason": "scale out"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var child agent.Agent
	decodeBody(t, rec, &child)
	assert.Equal(t, 2, child.Generation)

	rec = f.do(t, http.MethodGet, "/agents/"+rootID, owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var root agent.Agent
	decodeBody(t, rec, &root)
	assert.True(t, root.TotalEarnings.Equal(decimal.NewFromInt(35)))
	assert.True(t, root.IsolatedBalance.Equal(decimal.NewFromInt(80)))

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/agents/"+rootID, stranger, nil).Code)

	rec = f.do(t, http.MethodGet, "/agents/"+rootID+"/children", owner, nil)
	var children []agent.Agent
	decodeBody(t, rec, &children)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID, children[0].ID)

	rec = f.do(t, http.MethodGet, "/agents/"+rootID+"/transactions", owner, nil)
	var txs []agent.Transaction
	decodeBody(t, rec, &txs)
	require.Len(t, txs, 2)
	assert.Equal(t, "trade buy BTCUSDT", txs[0].Description)
	assert.Equal(t, agent.TxSpawnChild, txs[1].Type)

	rec = f.do(t, http.MethodGet, "/users/u1/portfolio", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var portfolio agent.Portfolio
	decodeBody(t, rec, &portfolio)
	assert.Equal(t, 2, portfolio.AgentCount)
	assert.Equal(t, rootID, portfolio.MainAgentID)
	assert.True(t, portfolio.TotalBalance.Equal(decimal.NewFromInt(105)))

	rec = f.do(t, http.MethodGet, "/agents/"+rootID+"/journal", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report hierarchy.JournalReport
	decodeBody(t, rec, &report)
	assert.True(t, report.Consistent)

	rec = f.do(t, http.MethodPost, "/agents/"+child.ID+"/status", admin, map[string]string{"status": "paused", "reason": "review"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/agents/"+child.ID+"/withdrawals", admin, map[string]string{"amount": "5", "address": "0xabc"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/agents/"+child.ID+"/fees", svc, map[string]string{"amount": "1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var charged agent.Agent
	decodeBody(t, rec, &charged)
	assert.True(t, charged.IsolatedBalance.Equal(decimal.NewFromInt(19)))

	require.Eventually(t, func() bool {
		return f.audits.Len() >= 6
	}, 2*time.Second, 10*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/audit?event_type=spawn", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var spawns []audit.Entry
	decodeBody(t, rec, &spawns)
	require.Len(t, spawns, 2)
	assert.NotEqual(t, spawns[0].Success, spawns[1].Success)
	assert.Equal(t, "ops", spawns[0].AdminID)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, nil)
	svc := f.token(t, "engine", RoleService)
	admin := f.token(t, "ops", RoleAdmin)

	rec := f.do(t, http.MethodGet, "/agents/missing", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, svcerrors.CodeNotFound, errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/agents", svc, map[string]string{"user_id": "u1", "initial_balance": "-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, svcerrors.CodeInvalidAmount, errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/agents", svc, map[string]string{"user_id": "u1", "surprise": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, svcerrors.CodeInvalidArgument, errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/agents", svc, map[string]string{"user_id": "u1", "initial_balance": "10"})
	require.Equal(t, http.StatusOK, rec.Code)
	var root agent.Agent
	decodeBody(t, rec, &root)

	rec = f.do(t, http.MethodPost, "/agents/"+root.ID+"/withdrawals", svc, map[string]string{"amount": "11", "address": "0xabc"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, svcerrors.CodeInsufficientBalance, errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/agents/"+root.ID+"/status", admin, map[string]string{"status": "dead"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, svcerrors.CodeInvalidState, errorCode(t, rec))

	rec = f.do(t, http.MethodGet, "/audit?limit=abc", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/audit?event_type=bogus", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditAppendSanitizes(t *testing.T) {
	f := newFixture(t, nil)
	admin := f.token(t, "ops", RoleAdmin)

	rec := f.do(t, http.MethodPost, "/audit/events", admin, map[string]interface{}{
		"event_type":     "key_decryption",
		"wallet_address": "0xwallet",
		"operation":      "sign_withdrawal",
		"parameters":     map[string]string{"private_key": "deadbeef", "note": "ok"},
		"success":        true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp auditAppendResponse
	decodeBody(t, rec, &resp)
	assert.True(t, resp.Persisted)

	entries, err := f.audits.Query(context.Background(), audit.Filter{EventType: audit.EventKeyDecryption})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ops", entries[0].AdminID)
	assert.Equal(t, audit.Redacted, entries[0].Parameters["private_key"])
	assert.Equal(t, "ok", entries[0].Parameters["note"])

	rec = f.do(t, http.MethodPost, "/audit/events", admin, map[string]string{"event_type": "coffee_break"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditAppendUsesServerTime(t *testing.T) {
	f := newFixture(t, nil)
	admin := f.token(t, "ops", RoleAdmin)

	before := time.Now().UTC().Add(-time.Second)
	rec := f.do(t, http.MethodPost, "/audit/events", admin, map[string]interface{}{
		"event_type": "admin_action",
		"command":    "rebalance",
		"id":         "chosen-by-client",
		"timestamp":  "2001-01-01T00:00:00Z",
		"success":    true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	entries, err := f.audits.Query(context.Background(), audit.Filter{EventType: audit.EventAdminAction})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEqual(t, "chosen-by-client", entries[0].ID)
	assert.True(t, entries[0].Timestamp.After(before), "timestamp %s was not stamped by the server", entries[0].Timestamp)
}

func TestRateLimiting(t *testing.T) {
	limiter := NewRateLimiter(1, 2, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	f := newFixture(t, limiter)
	user := f.token(t, "u1", RoleUser)
	other := f.token(t, "u2", RoleUser)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/users/u1/portfolio", user, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/users/u1/portfolio", user, nil).Code)
	rec := f.do(t, http.MethodGet, "/users/u1/portfolio", user, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, svcerrors.CodeRateLimited, errorCode(t, rec))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/users/u2/portfolio", other, nil).Code, "budgets are per principal")

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/users/u1/portfolio", user, nil).Code)

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 2, limiter.Cleanup(time.Minute))
}
