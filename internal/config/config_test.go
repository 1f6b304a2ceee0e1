package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 0.85, cfg.SimilarityThreshold)
	assert.Equal(t, 10.0, cfg.MismatchTolerancePct)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SIMILARITY_THRESHOLD", "0.9")
	t.Setenv("PLU_OVERRIDE_CHAINS", "d1, ara")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 0.9, cfg.SimilarityThreshold)
	assert.Equal(t, []string{"d1", "ara"}, cfg.PLUOverrideChains)
}

func TestLoad_FileOverridesEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"port": "7070",
		"similarity_threshold": 0.8,
		"conn_max_lifetime": "2m",
		"abbreviations": {"lech": "leche"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("CANONIZER_CONFIG", path)
	t.Setenv("SERVER_PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Port, "file value wins over env")
	assert.Equal(t, 0.8, cfg.SimilarityThreshold)
	assert.Equal(t, 2*time.Minute, cfg.ConnMaxLifetime)
	assert.Equal(t, "leche", cfg.Abbreviations["lech"])
}

func TestLoad_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	t.Setenv("CANONIZER_CONFIG", path)

	_, err := Load()
	require.Error(t, err)
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := &Config{
		Port:                 "0",
		DatabasePath:         "",
		MaxOpenConns:         0,
		MaxIdleConns:         5,
		ConnMaxLifetime:      0,
		SimilarityThreshold:  1.5,
		MismatchTolerancePct: -1,
		FuzzyCandidateLimit:  0,
		RateLimitPerSec:      0,
		LogLevel:             "LOUD",
	}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"port", "database path", "similarity threshold", "log level"} {
		assert.Contains(t, err.Error(), want)
	}
}
