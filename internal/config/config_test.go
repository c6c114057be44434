package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "mallorcaeat.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, 4.5, cfg.Thresholds.MinRating, 0.001)
	assert.Equal(t, 100, cfg.Thresholds.MinRatingCount)
	assert.Equal(t, 5, cfg.Thresholds.MinNonNullScores)
	assert.Equal(t, "maps", cfg.Search.Type)
	assert.Equal(t, 180, cfg.Search.RerunAfterDays)
	assert.Equal(t, 4, cfg.Search.Concurrency)
	assert.Equal(t, "https://google.serper.dev", cfg.Serper.BaseURL)
	assert.Equal(t, "https://serpapi.com", cfg.SerpAPI.BaseURL)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, int64(1024), cfg.Anthropic.MaxTokens)
	assert.Equal(t, 500, cfg.Enrich.DailyLimit)
	assert.Equal(t, 730, cfg.Verify.MaxAgeDays)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/mallorcaeat
log:
  level: debug
  format: console
thresholds:
  min_rating: 4.2
search:
  terms: [tapas, pizza]
  locations: [Palma, Sóller]
serpapi:
  keys: [k1, k2]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.InDelta(t, 4.2, cfg.Thresholds.MinRating, 0.001)
	assert.Equal(t, []string{"tapas", "pizza"}, cfg.Search.Terms)
	assert.Equal(t, []string{"Palma", "Sóller"}, cfg.Search.Locations)
	assert.Equal(t, []string{"k1", "k2"}, cfg.SerpAPI.Keys)
	// Defaults still apply for unset values
	assert.Equal(t, 100, cfg.Thresholds.MinRatingCount)
	assert.Equal(t, 180, cfg.Search.RerunAfterDays)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("MALLORCAEAT_STORE_DRIVER", "postgres")
	t.Setenv("MALLORCAEAT_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("MALLORCAEAT_SERVER_PORT", "3000")
	t.Setenv("MALLORCAEAT_ENRICH_DAILY_LIMIT", "50")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Enrich.DailyLimit)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "test.db"
	cfg.Thresholds.MinRating = 4.5
	cfg.Thresholds.MinRatingCount = 100
	cfg.Thresholds.MinNonNullScores = 5
	cfg.Search.Concurrency = 4
	cfg.Search.RerunAfterDays = 180
	cfg.Enrich.DailyLimit = 500
	cfg.Verify.MaxAgeDays = 730
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_AllModes(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"migrate", "pipeline", "serve"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_MissingStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidate_Thresholds(t *testing.T) {
	cfg := validDefaults()
	cfg.Thresholds.MinRating = 5.5
	cfg.Thresholds.MinNonNullScores = 12

	err := cfg.Validate("pipeline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thresholds.min_rating must be between 0 and 5")
	assert.Contains(t, err.Error(), "thresholds.min_nonnull_scores")
}

func TestValidate_PipelineBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Search.Concurrency = 0
	err := cfg.Validate("pipeline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search.concurrency must be between 1 and 32")

	cfg.Search.Concurrency = 32
	cfg.Verify.MaxAgeDays = 0
	err = cfg.Validate("pipeline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verify.max_age_days")

	// Serve does not care about stage settings.
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidate_ServePort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidate_UnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
