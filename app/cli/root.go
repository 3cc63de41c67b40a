package cli

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seclens/seclens/app/cfg"
	"github.com/seclens/seclens/app/connector"
	"github.com/seclens/seclens/app/pubtime"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "seclens",
	Short: "SecLens - security bulletin collector",
	Long: `SecLens collects security bulletins from vendor advisories, feeds and
JSON APIs, resolves their publication time and hands new items to an
ingest endpoint.

Configuration hierarchy (highest to lowest priority):
1. CLI flags
2. Environment variables (SECLENS_*)
3. Config file (~/.seclens/config.yaml)
4. Defaults`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if viper.GetBool("verbose") {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "seclens %s\n", cfg.GetVersion())
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: $HOME/.seclens/config.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	flags.String("sources-dir", "./sources", "directory containing source definition files")
	flags.String("policy-file", "./resources/time_policies.yaml", "YAML file with publication time policies")
	flags.String("user-agent", "SecLens/1.0", "HTTP User-Agent")
	flags.Float64("requests-per-second", 2, "per-host request rate, 0 disables limiting")
	flags.Duration("timeout", time.Minute, "HTTP client timeout")

	for _, name := range []string{"verbose", "sources-dir", "policy-file", "user-agent", "requests-per-second", "timeout"} {
		_ = viper.BindPFlag(configKey(name), flags.Lookup(name))
	}

	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			return
		}

		viper.AddConfigPath(filepath.Join(home, ".seclens"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// SECLENS_SOURCES_DIR, SECLENS_INGEST_URL, ...
	viper.SetEnvPrefix("SECLENS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// configKey maps a flag name onto its config file and environment key.
func configKey(flag string) string {
	return strings.ReplaceAll(flag, "-", "_")
}

func loadSources() (*connector.ConfigCache, error) {
	cache := connector.NewConfigCache(viper.GetString("sources_dir"))
	if err := cache.Run(); err != nil {
		return nil, fmt.Errorf("failed to load sources: %w", err)
	}
	return cache, nil
}

func loadResolver() (*pubtime.Resolver, error) {
	store, err := pubtime.LoadStore(viper.GetString("policy_file"))
	if err != nil {
		return nil, err
	}
	return pubtime.NewResolver(store), nil
}

func newFetcher() *connector.Fetcher {
	return connector.NewFetcher(
		&http.Client{Timeout: viper.GetDuration("timeout")},
		viper.GetString("user_agent"),
		connector.NewLimiter(viper.GetFloat64("requests_per_second"), 1))
}
