package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage
	DBPath     string `long:"db-path" env:"DB_PATH" default:"./data/seclens.db" description:"Path of the sqlite database file"`
	SourcesDir string `long:"sources-dir" env:"SOURCES_DIR" default:"./sources" description:"Directory containing source definition files"`
	PolicyFile string `long:"policy-file" env:"TIME_POLICY_FILE" default:"./resources/time_policies.yaml" description:"YAML file with publication time policies"`

	// Application configuration
	Port              string  `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	BaseUrl           string  `long:"base-url" env:"BASE_URL" description:"Public base URL for the service (e.g., https://seclens.example.com)"`
	WorkerCount       int     `long:"worker-count" env:"WORKER_COUNT" default:"5" description:"Number of background workers for source collection"`
	SchedulerInterval int     `long:"scheduler-interval" env:"SCHEDULER_INTERVAL" default:"30" description:"Scheduler interval in seconds"`
	APIAccessKey      string  `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`
	RequestsPerSecond float64 `long:"requests-per-second" env:"REQUESTS_PER_SECOND" default:"2" description:"Outbound requests per second per upstream host (0 disables limiting)"`
	SlackWebhookURL   string  `long:"slack-webhook" env:"SLACK_WEBHOOK_URL" description:"Slack incoming webhook for collection failure alerts (optional)"`

	// Application metadata
	UserAgent       string `long:"user-agent" env:"USER_AGENT" default:"SecLens/1.0" description:"User agent string for HTTP requests"`
	DisplayTimezone string `long:"display-timezone" env:"DISPLAY_TIMEZONE" default:"Asia/Shanghai" description:"Timezone used to render published_display values"`
	Debug           bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

// Load reads configuration from a .env file (when present), the environment
// and command-line flags. It returns nil, nil when help was requested.
func Load() (*Cfg, error) {
	return LoadArgs(os.Args[1:])
}

func LoadArgs(args []string) (*Cfg, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		DBPath:            raw.DBPath,
		SourcesDir:        raw.SourcesDir,
		PolicyFile:        raw.PolicyFile,
		Port:              raw.Port,
		BaseUrl:           raw.BaseUrl,
		WorkerCount:       raw.WorkerCount,
		SchedulerInterval: raw.SchedulerInterval,
		APIAccessKey:      raw.APIAccessKey,
		RequestsPerSecond: raw.RequestsPerSecond,
		SlackWebhookURL:   raw.SlackWebhookURL,
		UserAgent:         raw.UserAgent,
		DisplayTimezone:   raw.DisplayTimezone,
		Debug:             raw.Debug,
		Version:           GetVersion(),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

func (c *Cfg) validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker-count must be at least 1, got %d", c.WorkerCount)
	}
	if c.SchedulerInterval < 1 {
		return fmt.Errorf("scheduler-interval must be at least 1 second, got %d", c.SchedulerInterval)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests-per-second must be non-negative")
	}
	if c.DisplayTimezone != "" {
		if _, err := time.LoadLocation(c.DisplayTimezone); err != nil {
			return fmt.Errorf("invalid display timezone %q: %w", c.DisplayTimezone, err)
		}
	}
	return nil
}

// SchedulerPeriod is the scheduler tick as a duration.
func (c *Cfg) SchedulerPeriod() time.Duration {
	return time.Duration(c.SchedulerInterval) * time.Second
}
