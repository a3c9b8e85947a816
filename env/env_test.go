package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/placedex/querycache/logger"
)

func TestParseEnvFile(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "test.env")

	tests := []struct {
		name     string
		content  string
		expected []EnvLine
	}{
		{
			name:     "empty file",
			content:  "",
			expected: []EnvLine{},
		},
		{
			name: "valid env file",
			content: `
QUERYCACHE_DB=/var/lib/qcache/cache.db
QUERYCACHE_REDIS="localhost:6379"
QUERYCACHE_PREFIX='trips'
# This is a comment
QUERYCACHE_TTL=15 minutes
`,
			expected: []EnvLine{
				{Key: "QUERYCACHE_DB", Val: "/var/lib/qcache/cache.db"},
				{Key: "QUERYCACHE_REDIS", Val: "localhost:6379"},
				{Key: "QUERYCACHE_PREFIX", Val: "trips"},
				{Key: "QUERYCACHE_TTL", Val: "15 minutes"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := os.WriteFile(tmpFile, []byte(tt.content), 0644)
			assert.NoError(t, err)

			got, err := ParseEnvFile(tmpFile)
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	t.Run("non-existent file", func(t *testing.T) {
		got, err := ParseEnvFile(filepath.Join(tmpDir, "nonexistent.env"))
		assert.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestParseEnvBufferInterpolation(t *testing.T) {
	t.Run("references earlier keys", func(t *testing.T) {
		got, err := ParseEnvBuffer([]byte(`
DATA_DIR=/var/lib/qcache
DB_FILE=${DATA_DIR}/cache.db
`))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "/var/lib/qcache/cache.db", got[1].Val)
	})

	t.Run("forward references resolve on second pass", func(t *testing.T) {
		got, err := ParseEnvBuffer([]byte(`
REDIS_ADDR=${REDIS_HOST}:${REDIS_PORT}
REDIS_HOST=cache-1
REDIS_PORT=6379
`))
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "cache-1:6379", got[0].Val)
	})

	t.Run("default applies when key is unset", func(t *testing.T) {
		got, err := ParseEnvBuffer([]byte(`TTL=${CACHE_TTL:-10m}`))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "10m", got[0].Val)
	})

	t.Run("default ignored when key is set", func(t *testing.T) {
		got, err := ParseEnvBuffer([]byte(`
CACHE_TTL=1h
TTL=${CACHE_TTL:-10m}
`))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "1h", got[1].Val)
	})

	t.Run("env prefix reads the process environment", func(t *testing.T) {
		t.Setenv("QC_TEST_REGION", "emea")
		got, err := ParseEnvBuffer([]byte(`REGION=${env:QC_TEST_REGION}`))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "emea", got[0].Val)
	})

	t.Run("unresolvable references stay as written", func(t *testing.T) {
		got, err := ParseEnvBuffer([]byte(`DB_FILE=${NOPE}/cache.db`))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "${NOPE}/cache.db", got[0].Val)
	})

	t.Run("unbalanced braces pass through untouched", func(t *testing.T) {
		got, err := ParseEnvBuffer([]byte(`BAD=${UNCLOSED`))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "${UNCLOSED", got[0].Val)
	})

	t.Run("empty reference stays as written", func(t *testing.T) {
		got, err := ParseEnvBuffer([]byte(`EMPTY=${}`))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "${}", got[0].Val)
	})
}

func TestProcessEnvLine(t *testing.T) {
	tests := []struct {
		name     string
		env      string
		expected EnvLine
	}{
		{
			name:     "simple key value",
			env:      "KEY=value",
			expected: EnvLine{Key: "KEY", Val: "value"},
		},
		{
			name:     "quoted value",
			env:      `KEY="value"`,
			expected: EnvLine{Key: "KEY", Val: "value"},
		},
		{
			name:     "single quoted value",
			env:      "KEY='value'",
			expected: EnvLine{Key: "KEY", Val: "value"},
		},
		{
			name:     "value with spaces",
			env:      "KEY=value with spaces",
			expected: EnvLine{Key: "KEY", Val: "value with spaces"},
		},
		{
			name:     "value with equals sign",
			env:      "QUERY=SELECT * FROM pois WHERE rating >= ?",
			expected: EnvLine{Key: "QUERY", Val: "SELECT * FROM pois WHERE rating >= ?"},
		},
		{
			name:     "key without value",
			env:      "KEYONLY",
			expected: EnvLine{Key: "KEYONLY"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, processEnvLine(tt.env))
		})
	}
}

func TestEncodeOSEnv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		val      string
		expected string
	}{
		{
			name:     "simple value",
			key:      "KEY",
			val:      "value",
			expected: "KEY=value",
		},
		{
			name:     "value with newline",
			key:      "KEY",
			val:      "value\nwith\nnewline",
			expected: `KEY="value\nwith\nnewline"`,
		},
		{
			name:     "value with single quote",
			key:      "KEY",
			val:      "it's",
			expected: `KEY=it\'s`,
		},
		{
			name:     "value with double quote",
			key:      "KEY",
			val:      `say "when"`,
			expected: `KEY='say "when"'`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, EncodeOSEnv(tt.key, tt.val))
		})
	}
}

func TestWriteEnvFile(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "out.env")

	envs := []EnvLine{
		{Key: "QUERYCACHE_DB", Val: "/var/lib/qcache/cache.db"},
		{Key: "QUERYCACHE_PREFIX", Val: "trips"},
		{Key: "QUERYCACHE_NOTE", Val: "value\nwith\nnewline"},
	}

	err := WriteEnvFile(tmpFile, envs)
	assert.NoError(t, err)

	content, err := os.ReadFile(tmpFile)
	assert.NoError(t, err)

	gotEnvs, err := ParseEnvBuffer(content)
	assert.NoError(t, err)

	require.Len(t, gotEnvs, len(envs))
	for i, env := range envs {
		assert.Equal(t, env.Key, gotEnvs[i].Key)
	}
}

func TestFlagOrEnv(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("db", "", "Cache database path")

	cmd.Flags().Set("db", "flag.db")
	assert.Equal(t, "flag.db", FlagOrEnv(cmd, "db", "QUERYCACHE_DB", "default.db"))

	cmd.Flags().Set("db", "")
	t.Setenv("QUERYCACHE_DB", "env.db")
	assert.Equal(t, "env.db", FlagOrEnv(cmd, "db", "QUERYCACHE_DB", "default.db"))

	os.Unsetenv("QUERYCACHE_DB")
	assert.Equal(t, "default.db", FlagOrEnv(cmd, "db", "QUERYCACHE_DB", "default.db"))
}

func TestDuration(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("ttl", "", "Cache TTL")

	d, err := Duration(cmd, "ttl", "QUERYCACHE_TTL", 5*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)

	cmd.Flags().Set("ttl", "90s")
	d, err = Duration(cmd, "ttl", "QUERYCACHE_TTL", 5*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	cmd.Flags().Set("ttl", "")
	t.Setenv("QUERYCACHE_TTL", "2d")
	d, err = Duration(cmd, "ttl", "QUERYCACHE_TTL", 5*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, 48*time.Hour, d)

	cmd.Flags().Set("ttl", "soon")
	_, err = Duration(cmd, "ttl", "QUERYCACHE_TTL", 5*time.Minute)
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		def      time.Duration
		expected time.Duration
		wantErr  bool
	}{
		{name: "empty uses default", input: "", def: time.Minute, expected: time.Minute},
		{name: "plain go duration", input: "90s", expected: 90 * time.Second},
		{name: "days", input: "1d12h", expected: 36 * time.Hour},
		{name: "weeks", input: "1w", expected: 7 * 24 * time.Hour},
		{name: "garbage", input: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDuration(tt.input, tt.def)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestLogLevel(t *testing.T) {
	testCases := []struct {
		name      string
		flagValue string
		envValue  string
		fallback  string
		expected  logger.LogLevel
	}{
		{"debug level via flag", "debug", "", "", logger.LevelDebug},
		{"debug level via env", "", "DEBUG", "", logger.LevelDebug},
		{"warn level via flag", "warn", "", "", logger.LevelWarn},
		{"warn level via env", "", "WARN", "", logger.LevelWarn},
		{"error level via flag", "error", "", "", logger.LevelError},
		{"error level via env", "", "ERROR", "", logger.LevelError},
		{"trace level via flag", "trace", "", "", logger.LevelTrace},
		{"trace level via env", "", "TRACE", "", logger.LevelTrace},
		{"fallback applies when flag and env are unset", "", "", "debug", logger.LevelDebug},
		{"flag beats fallback", "warn", "", "debug", logger.LevelWarn},
		{"env beats fallback", "", "ERROR", "debug", logger.LevelError},
		{"unknown fallback means info", "", "", "loud", logger.LevelInfo},
		{"default level", "", "", "", logger.LevelInfo},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := &cobra.Command{Use: "test"}
			cmd.Flags().String("log-level", "", "Log level")
			os.Unsetenv("QUERYCACHE_LOG_LEVEL")

			if tc.flagValue != "" {
				cmd.Flags().Set("log-level", tc.flagValue)
			}
			if tc.envValue != "" {
				t.Setenv("QUERYCACHE_LOG_LEVEL", tc.envValue)
			}

			assert.Equal(t, tc.expected, LogLevel(cmd, tc.fallback))
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("full config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "qcache.yaml")
		content := `
database: /var/lib/qcache/cache.db
redis: localhost:6379
prefix: trips
default_ttl: 15m
query_timeout: 5s
compression_threshold: 4096
log_level: debug
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "/var/lib/qcache/cache.db", cfg.Database)
		assert.Equal(t, "localhost:6379", cfg.Redis)
		assert.Equal(t, "trips", cfg.Prefix)
		assert.Equal(t, "5s", cfg.QueryTimeout)
		assert.Equal(t, 4096, cfg.CompressionThreshold)
		assert.Equal(t, "debug", cfg.LogLevel)

		ttl, err := ParseDuration(cfg.DefaultTTL, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 15*time.Minute, ttl)
	})

	t.Run("missing file", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, &Config{}, cfg)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("database: [unclosed"), 0644))

		_, err := LoadConfig(path)
		assert.Error(t, err)
	})
}
