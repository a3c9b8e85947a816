// Package env holds the configuration helpers shared by the CLI and by
// programs embedding the cache: env-file parsing with interpolation,
// flag-or-environment lookup, duration parsing and the YAML config file.
package env

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"

	"github.com/placedex/querycache/logger"
)

type EnvLine struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

// ParseEnvFile parses an environment file and returns a list of EnvLine
// structs. A missing file is an empty environment, not an error.
func ParseEnvFile(filename string) ([]EnvLine, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return []EnvLine{}, nil
	}
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseEnvBuffer(buf)
}

// ParseEnvBuffer parses an environment buffer and returns a list of EnvLine
// structs. Values may reference earlier or later keys as ${KEY}, with
// ${KEY:-default} fallbacks and ${env:KEY} for the process environment.
func ParseEnvBuffer(buf []byte) ([]EnvLine, error) {
	if len(buf) == 0 {
		return make([]EnvLine, 0), nil
	}
	var envs []EnvLine
	vars := make(map[string]string)

	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		env := processEnvLine(line)
		if env.Key == "" {
			continue
		}
		env.Val = interpolate(env.Val, vars)
		vars[env.Key] = env.Val
		envs = append(envs, env)
	}

	// Second pass resolves forward references now that every key is known.
	for i := range envs {
		envs[i].Val = interpolate(envs[i].Val, vars)
		vars[envs[i].Key] = envs[i].Val
	}
	return envs, nil
}

func processEnvLine(line string) EnvLine {
	key, val, found := strings.Cut(line, "=")
	if !found {
		return EnvLine{Key: line}
	}
	return EnvLine{Key: key, Val: dequote(val)}
}

func dequote(s string) string {
	if strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") {
		return strings.Trim(s, "'")
	}
	if strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return strings.Trim(s, `"`)
	}
	return s
}

// interpolate expands ${...} references in input. Unresolvable references
// stay as written, and inputs with unbalanced braces pass through
// untouched.
func interpolate(input string, vars map[string]string) string {
	if !strings.Contains(input, "${") {
		return input
	}
	if strings.Count(input, "${") != strings.Count(input, "}") {
		return input
	}

	var b strings.Builder
	for i := 0; i < len(input); {
		idx := strings.Index(input[i:], "${")
		if idx < 0 {
			b.WriteString(input[i:])
			break
		}
		start := i + idx
		b.WriteString(input[i:start])
		end := strings.IndexByte(input[start+2:], '}')
		if end < 0 {
			b.WriteString(input[start:])
			break
		}
		end = start + 2 + end
		b.WriteString(resolveReference(input[start:end+1], vars))
		i = end + 1
	}
	return b.String()
}

func resolveReference(ref string, vars map[string]string) string {
	inner := ref[2 : len(ref)-1]
	name, fallback, hasFallback := strings.Cut(inner, ":-")
	if name == "" {
		return ref
	}
	var val string
	if osName, ok := strings.CutPrefix(name, "env:"); ok {
		val = os.Getenv(osName)
	} else {
		val = vars[name]
	}
	if val != "" {
		return val
	}
	if hasFallback && fallback != "" {
		return fallback
	}
	return ref
}

func mustQuote(val string) bool {
	return strings.Contains(val, `"`) || strings.Contains(val, "\\n")
}

// EncodeOSEnv encodes a key/value pair as a line suitable for an env file
// or a shell export.
func EncodeOSEnv(key, val string) string {
	val = strings.ReplaceAll(val, "\n", "\\n")
	val = strings.ReplaceAll(val, "'", "\\'")
	if mustQuote(val) {
		if strings.Contains(val, `"`) {
			val = `'` + val + `'`
		} else {
			val = `"` + val + `"`
		}
	}
	return fmt.Sprintf(`%s=%s`, key, val)
}

// WriteEnvFile writes an environment file.
func WriteEnvFile(fn string, envs []EnvLine) error {
	of, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer of.Close()
	for _, el := range envs {
		fmt.Fprintln(of, EncodeOSEnv(el.Key, el.Val))
	}
	return of.Close()
}

// FlagOrEnv will try and get a flag from the cobra.Command and if not
// found, look it up in the environment and fall back to defaultValue if
// none found.
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	return defaultValue
}

// Duration reads a duration from the named flag with an environment
// fallback, accepting the extended syntax of str2duration ("90s", "1h30m",
// "2d"). An empty value yields defaultValue.
func Duration(cmd *cobra.Command, flagName string, envName string, defaultValue time.Duration) (time.Duration, error) {
	raw := FlagOrEnv(cmd, flagName, envName, "")
	if raw == "" {
		return defaultValue, nil
	}
	d, err := str2duration.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("env: invalid duration %q for --%s: %w", raw, flagName, err)
	}
	return d, nil
}

// ParseDuration parses an extended duration string ("90s", "1h30m", "2d"),
// returning def when s is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return str2duration.ParseDuration(s)
}

func LogLevel(cmd *cobra.Command, fallback string) logger.LogLevel {
	level := FlagOrEnv(cmd, "log-level", "QUERYCACHE_LOG_LEVEL", fallback)
	switch level {
	case "debug", "DEBUG":
		return logger.LevelDebug
	case "warn", "WARN":
		return logger.LevelWarn
	case "error", "ERROR":
		return logger.LevelError
	case "trace", "TRACE":
		return logger.LevelTrace
	}
	return logger.LevelInfo
}

// NewLogger returns a console logger by first checking the cobra.Command
// log-level flag, then the QUERYCACHE_LOG_LEVEL environment value, then
// fallback (typically the config file's log_level). Empty or unknown
// values mean the info level.
func NewLogger(cmd *cobra.Command, fallback string) logger.Logger {
	log.SetFlags(0)
	return logger.NewConsoleLogger(LogLevel(cmd, fallback))
}

// Config is the qcache configuration file.
type Config struct {
	// Database is the SQLite cache file path. Empty means in-memory.
	Database string `yaml:"database"`
	// Redis is a Redis address ("host:port"). When set it takes
	// precedence over Database.
	Redis string `yaml:"redis"`
	// Prefix namespaces Redis keys.
	Prefix string `yaml:"prefix"`
	// DefaultTTL and QueryTimeout accept the extended duration syntax
	// ("90s", "1h30m", "2d").
	DefaultTTL   string `yaml:"default_ttl"`
	QueryTimeout string `yaml:"query_timeout"`
	// CompressionThreshold is the payload size in bytes above which the
	// SQLite store compresses. Zero disables compression.
	CompressionThreshold int `yaml:"compression_threshold"`
	// LogLevel applies when neither the --log-level flag nor
	// QUERYCACHE_LOG_LEVEL is set.
	LogLevel string `yaml:"log_level"`
}

// LoadConfig reads a YAML config file. A missing file is a zero Config,
// not an error.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("env: failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}
