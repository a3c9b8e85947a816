package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/placedex/querycache/cache"
	"github.com/placedex/querycache/env"
	"github.com/placedex/querycache/logger"
	cstr "github.com/placedex/querycache/string"
)

var rootCmd = &cobra.Command{
	Use:   "qcache",
	Short: "Inspect and invalidate a query-result cache",
	Long: `qcache administers the entries of a query-result cache backed by a
SQLite file or a Redis server. Settings resolve from flags, then
QUERYCACHE_* environment values, then the optional YAML config file.`,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate cache statistics",
	Run: func(cmd *cobra.Command, args []string) {
		c, log := openCache(cmd)
		defer c.Close()

		stats, err := c.Stats(context.Background())
		if err != nil {
			log.Fatal("failed to read stats: %s", err)
		}
		fmt.Printf("Entries:       %d\n", stats.Entries)
		fmt.Printf("Expired:       %d\n", stats.Expired)
		fmt.Printf("Payload bytes: %d\n", stats.PayloadBytes)
		fmt.Printf("Avg hits:      %.1f\n", stats.AvgHits)
		fmt.Printf("Max hits:      %d\n", stats.MaxHits)
		if stats.Entries > 0 {
			fmt.Printf("Oldest entry:  %s\n", stats.OldestAge.Round(time.Second))
			fmt.Printf("Newest entry:  %s\n", stats.NewestAge.Round(time.Second))
		}
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove expired entries",
	Run: func(cmd *cobra.Command, args []string) {
		c, log := openCache(cmd)
		defer c.Close()

		removed, err := c.PurgeExpired(context.Background())
		if err != nil {
			log.Fatal("purge failed: %s", err)
		}
		fmt.Printf("Removed %d expired entries\n", removed)
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every entry",
	Run: func(cmd *cobra.Command, args []string) {
		c, log := openCache(cmd)
		defer c.Close()

		removed, err := c.Clear(context.Background())
		if err != nil {
			log.Fatal("clear failed: %s", err)
		}
		fmt.Printf("Removed %d entries\n", removed)
	},
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <category>",
	Short: "Remove every entry in a category",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, log := openCache(cmd)
		defer c.Close()

		removed, err := c.InvalidateCategory(context.Background(), args[0])
		if err != nil {
			log.Fatal("invalidation failed: %s", err)
		}
		fmt.Printf("Invalidated %d entries in category %s\n", removed, args[0])
	},
}

var invalidateSourceCmd = &cobra.Command{
	Use:   "invalidate-source <source>",
	Short: "Remove every entry whose category belongs to a source",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, log := openCache(cmd)
		defer c.Close()

		removed, err := c.InvalidateSource(context.Background(), args[0])
		if err != nil {
			log.Fatal("invalidation failed: %s", err)
		}
		fmt.Printf("Invalidated %d entries for source %s\n", removed, args[0])
	},
}

// applyEnvFile loads an env file into the process environment before any
// setting is resolved, so the file can supply QUERYCACHE_* values.
func applyEnvFile(cmd *cobra.Command) {
	envFile := env.FlagOrEnv(cmd, "env-file", "QUERYCACHE_ENV_FILE", "")
	if envFile == "" {
		return
	}
	lines, err := env.ParseEnvFile(envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading env file %s: %v\n", envFile, err)
		os.Exit(1)
	}
	for _, line := range lines {
		os.Setenv(line.Key, line.Val)
	}
}

func redisClient(addr string) *redis.Client {
	if strings.Contains(addr, "://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing Redis URL %s: %v\n", addr, err)
			os.Exit(1)
		}
		return redis.NewClient(opts)
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}

// openCache opens the configured store and wraps it in an administrative
// cache with no executor. The caller owns the returned cache. The config
// file is loaded before the logger so its log_level can act as the
// fallback for the --log-level flag and QUERYCACHE_LOG_LEVEL.
func openCache(cmd *cobra.Command) (*cache.Cache, logger.Logger) {
	applyEnvFile(cmd)

	cfg := &env.Config{}
	if cfgPath := env.FlagOrEnv(cmd, "config", "QUERYCACHE_CONFIG", ""); cfgPath != "" {
		var err error
		cfg, err = env.LoadConfig(cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config %s: %v\n", cfgPath, err)
			os.Exit(1)
		}
	}
	log := env.NewLogger(cmd, cfg.LogLevel)

	dbPath := env.FlagOrEnv(cmd, "db", "QUERYCACHE_DB", cfg.Database)
	redisAddr := env.FlagOrEnv(cmd, "redis", "QUERYCACHE_REDIS", cfg.Redis)
	prefix := env.FlagOrEnv(cmd, "prefix", "QUERYCACHE_PREFIX", cfg.Prefix)
	if dbPath == "" && redisAddr == "" {
		log.Fatal("no cache store configured: set --db or --redis")
	}

	defaultTTL, err := env.ParseDuration(cfg.DefaultTTL, cache.DefaultTTL)
	if err != nil {
		log.Fatal("invalid default_ttl in config: %s", err)
	}
	queryTimeout, err := env.ParseDuration(cfg.QueryTimeout, cache.DefaultQueryTimeout)
	if err != nil {
		log.Fatal("invalid query_timeout in config: %s", err)
	}

	// One-shot commands purge explicitly; no background sweeper.
	opts := []cache.Option{
		cache.WithLogger(log),
		cache.WithSweepInterval(-1),
		cache.WithDefaultTTL(defaultTTL),
		cache.WithQueryTimeout(queryTimeout),
		cache.WithCompressionThreshold(cfg.CompressionThreshold),
	}

	var store cache.Store
	if redisAddr != "" {
		log.Debug("opening redis store at %s", cstr.MaskAddr(redisAddr))
		store, err = cache.NewRedisStore(context.Background(), redisClient(redisAddr),
			append(opts, cache.WithPrefix(prefix))...)
		if err != nil {
			log.Fatal("failed to open redis store at %s: %s", cstr.MaskAddr(redisAddr), err)
		}
	} else {
		log.Debug("opening sqlite store %s", dbPath)
		store, err = cache.NewSQLiteStore(dbPath, opts...)
		if err != nil {
			log.Fatal("failed to open sqlite store %s: %s", dbPath, err)
		}
	}

	return cache.New(context.Background(), store, nil, opts...), log
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("env-file", "", "Env file loaded before settings are resolved")
	rootCmd.PersistentFlags().String("db", "", "SQLite cache database path")
	rootCmd.PersistentFlags().String("redis", "", "Redis address or URL (takes precedence over --db)")
	rootCmd.PersistentFlags().String("prefix", "", "Redis key prefix")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(statsCmd, purgeCmd, clearCmd, invalidateCmd, invalidateSourceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
