package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/luxfi/storagedump"
	"github.com/luxfi/storagedump/cache"
	"github.com/luxfi/storagedump/rpcclient"
)

var (
	// Version information (set by ldflags)
	Version   = "1.0.0"
	GitCommit = "unknown"

	configFile string
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "storagedump",
		Short:        "Contract storage introspection over JSON-RPC",
		Long:         `Dump a contract's raw storage at a pinned block, resolve mapping entries from a declared layout, and discover mapping keys from event logs.`,
		Version:      fmt.Sprintf("%s (commit %s)", Version, GitCommit),
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default is ./storagedump.yaml)")
	flags.String("rpc", "", "JSON-RPC endpoint (env STORAGEDUMP_RPC or ETH_RPC_URL)")
	flags.Int("concurrency", storagedump.DefaultConcurrency, "parallel log windows and point reads")
	flags.Uint("retries", 1, "attempts per log window or point read")
	flags.Duration("retry-delay", storagedump.DefaultRetryDelay, "delay between attempts")
	flags.Uint64("head-window", storagedump.DefaultHeadWindow, "blocks below the head searched for one with transactions")
	flags.Bool("verify-pin", true, "re-read the pinned block after the dump and flag a changed hash")
	flags.String("cache", "", "pebble directory caching complete dumps")
	flags.Bool("stats", false, "print an RPC request summary on exit")
	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}

	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(newDumpCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newCacheCmd())

	return rootCmd
}

func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env file: %v\n", err)
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("storagedump")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("STORAGEDUMP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("rpc", "STORAGEDUMP_RPC", "ETH_RPC_URL")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "failed to read config: %v\n", err)
		}
	}
}

// loadConfig reads the merged flag, env and file settings
func loadConfig() storagedump.Config {
	cfg := storagedump.DefaultConfig()
	cfg.RPCURL = viper.GetString("rpc")
	cfg.Concurrency = viper.GetInt("concurrency")
	cfg.RetryAttempts = viper.GetUint("retries")
	cfg.RetryDelay = viper.GetDuration("retry-delay")
	cfg.HeadWindow = viper.GetUint64("head-window")
	cfg.VerifyPin = viper.GetBool("verify-pin")
	cfg.CachePath = viper.GetString("cache")
	if viper.IsSet("block") {
		cfg.BlockTag = viper.GetString("block")
	}
	if viper.IsSet("page-size") {
		cfg.PageSize = viper.GetInt("page-size")
	}
	if viper.IsSet("max-pages") {
		cfg.MaxPages = viper.GetInt("max-pages")
	}
	if viper.IsSet("batch-size") {
		cfg.LogBatchSize = viper.GetUint64("batch-size")
	}
	return cfg
}

// app holds what every subcommand needs
type app struct {
	cfg      storagedump.Config
	log      log.Logger
	registry *prometheus.Registry
	client   *rpcclient.Client
	cache    *cache.Pebble
}

func newApp(cmd *cobra.Command) (*app, error) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		log:      log.NewLogger("storagedump"),
		registry: prometheus.NewRegistry(),
	}

	client, err := rpcclient.Dial(cmd.Context(), cfg.RPCURL, a.log, a.registry)
	if err != nil {
		return nil, err
	}
	a.client = client

	if cfg.CachePath != "" {
		c, err := cache.Open(cfg.CachePath)
		if err != nil {
			client.Close()
			return nil, err
		}
		a.cache = c
	}
	return a, nil
}

func (a *app) cacheOrNil() storagedump.Cache {
	if a.cache == nil {
		return nil
	}
	return a.cache
}

func (a *app) Close() {
	if viper.GetBool("stats") {
		if err := printStats(os.Stderr, a.registry); err != nil {
			a.log.Warn("Failed to print RPC stats", "error", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Warn("Failed to close cache", "error", err)
		}
	}
	a.client.Close()
}
