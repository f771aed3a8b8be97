package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Ledger.MaxRetries)
	assert.Equal(t, []string{"USDT", "USDC"}, cfg.Conversion.Tokens())
	assert.Equal(t, "@every 1m", cfg.Audit.ReconcileSchedule)
}

func TestLoadPrecedence(t *testing.T) {
	yamlPath := writeFile(t, "ledger.yaml", `
server:
  addr: ":9000"
database:
  driver: postgres
  dsn: postgres://yaml@localhost/ledger
ledger:
  max_retries: 5
  retry_backoff: 25ms
audit:
  queue_size: 64
logging:
  level: debug
`)
	envPath := writeFile(t, ".env", "LEDGER_AUDIT_BACKLOG_SIZE=77\nLEDGER_MAX_RETRIES=9\n")
	t.Cleanup(func() { os.Unsetenv("LEDGER_AUDIT_BACKLOG_SIZE") })

	t.Setenv("LEDGER_HTTP_ADDR", ":9100")
	t.Setenv("LEDGER_MAX_RETRIES", "7")

	cfg, err := Load(yamlPath, envPath)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Addr, "environment beats yaml")
	assert.Equal(t, 7, cfg.Ledger.MaxRetries, "environment beats .env")
	assert.Equal(t, 77, cfg.Audit.BacklogSize, ".env beats defaults")
	assert.Equal(t, 25*time.Millisecond, cfg.Ledger.RetryBackoff)
	assert.Equal(t, 64, cfg.Audit.QueueSize)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 2*time.Second, cfg.Audit.WriteTimeout, "untouched defaults survive")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "server: [oops"), "")
	assert.Error(t, err)

	_, err = Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err, "a missing .env file is ignored")

	t.Setenv("LEDGER_DB_DRIVER", "postgres")
	_, err = Load("", "")
	assert.ErrorContains(t, err, "dsn is required")

	t.Setenv("LEDGER_DB_DRIVER", "sqlite")
	_, err = Load("", "")
	assert.ErrorContains(t, err, "must be memory or postgres")
}

func TestTokensFromEnvironment(t *testing.T) {
	t.Setenv("LEDGER_SUPPORTED_TOKENS", "usdt, dai ,")
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"usdt", "dai"}, cfg.Conversion.Tokens())
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Server.Addr = ""
	cfg.Ledger.MaxRetries = -1
	cfg.Database.Migrate = "auto"
	cfg.Eligibility.SuggestRatio = "lots"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.addr")
	assert.Contains(t, err.Error(), "max_retries")
	assert.Contains(t, err.Error(), "database.migrate")
	assert.Contains(t, err.Error(), "eligibility.suggest_ratio")

	cfg = Default()
	cfg.Eligibility.SuggestRatio = "lots"
	cfg.Eligibility.ScriptPath = "/etc/ledger/eligibility.js"
	assert.NoError(t, cfg.Validate(), "ratios are unused when a script is configured")
}
