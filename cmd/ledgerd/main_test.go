package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/agentledger/internal/config"
	"github.com/R3E-Network/agentledger/internal/eligibility"
	"github.com/R3E-Network/agentledger/pkg/logger"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "ledgerd-test-secret-value"
	cfg.Audit.ReconcileSchedule = ""
	return cfg
}

func TestNewAppServesMemoryLedger(t *testing.T) {
	cfg := testConfig()
	a, err := newApp(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	defer a.close(logger.NewNop())
	require.NoError(t, a.trail.Start())
	defer a.trail.Stop(context.Background())

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	token, err := issueToken(cfg, "engine:service", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/agents", strings.NewReader(`{"user_id":"u1","initial_balance":"10"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestNewAppRejectsMissingSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = ""
	a, err := newApp(context.Background(), cfg, logger.NewNop())
	assert.Error(t, err)
	assert.Nil(t, a)
}

func TestNewAppStartupFailuresReturnErrors(t *testing.T) {
	cases := map[string]func(*config.Config){
		"bad fee rate":       func(c *config.Config) { c.Conversion.FeeRate = "two percent" },
		"unreachable redis":  func(c *config.Config) { c.Redis.Addr = "127.0.0.1:1" },
		"missing script":     func(c *config.Config) { c.Eligibility.ScriptPath = "/nonexistent/eligibility.js" },
		"redis then no auth": func(c *config.Config) { c.Redis.Addr = "127.0.0.1:1"; c.Auth.JWTSecret = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			var (
				a   *app
				err error
			)
			require.NotPanics(t, func() {
				a, err = newApp(context.Background(), cfg, logger.NewNop())
			})
			assert.Error(t, err)
			assert.Nil(t, a)
		})
	}
}

func TestAppCloseRunsClosersInReverse(t *testing.T) {
	var order []int
	a := &app{closers: []func() error{
		func() error { order = append(order, 1); return nil },
		func() error { order = append(order, 2); return errors.New("already closed") },
	}}
	a.close(logger.NewNop())
	assert.Equal(t, []int{2, 1}, order)
	assert.Empty(t, a.closers)
}

func TestOpenPolicy(t *testing.T) {
	p, err := openPolicy(testConfig().Eligibility, logger.NewNop())
	require.NoError(t, err)
	assert.IsType(t, eligibility.ThresholdPolicy{}, p)

	path := filepath.Join(t.TempDir(), "eligibility.js")
	require.NoError(t, os.WriteFile(path, []byte(`function evaluate(a) { return { eligible: false, reason: "frozen" }; }`), 0o600))
	cfg := testConfig().Eligibility
	cfg.ScriptPath = path
	p, err = openPolicy(cfg, logger.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &eligibility.ScriptPolicy{}, p)

	cfg.ScriptPath = filepath.Join(t.TempDir(), "missing.js")
	_, err = openPolicy(cfg, logger.NewNop())
	assert.Error(t, err)
}

func TestIssueToken(t *testing.T) {
	cfg := testConfig()
	_, err := issueToken(cfg, "no-role", time.Minute)
	assert.Error(t, err)
	_, err = issueToken(cfg, "bob:superuser", time.Minute)
	assert.Error(t, err)
	tok, err := issueToken(cfg, "bob:admin", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(tok, "."))
}

func TestRunShutsDownOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, logger.NewNop()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
