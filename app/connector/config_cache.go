package connector

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/seclens/seclens/app/cursor"
)

type ConfigCache struct {
	sourcesDir string
	cache      map[string]*SourceConfig
	mu         sync.RWMutex
}

func NewConfigCache(sourcesDir string) *ConfigCache {
	return &ConfigCache{
		sourcesDir: sourcesDir,
		cache:      make(map[string]*SourceConfig),
	}
}

func (cc *ConfigCache) Run() error {
	if _, err := os.Stat(cc.sourcesDir); os.IsNotExist(err) {
		return nil
	}

	files, err := filepath.Glob(filepath.Join(cc.sourcesDir, "*.yml"))
	if err != nil {
		return fmt.Errorf("failed to find YML files: %w", err)
	}

	for _, file := range files {
		slug := strings.TrimSuffix(filepath.Base(file), ".yml")

		config, err := cc.LoadConfig(slug)
		if err != nil {
			return fmt.Errorf("error loading %s: %w", file, err)
		}

		slog.Debug("Source configuration loaded", "source", slug, "kind", config.Kind, "enabled", config.Settings.Enabled, "cursor", config.Settings.Cursor)
	}

	return nil
}

func (cc *ConfigCache) LoadConfig(slug string) (*SourceConfig, error) {
	configFile := filepath.Join(cc.sourcesDir, slug+".yml")
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	config, err := ParseConfig(slug, data)
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configFile, err)
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cache[config.Slug] = config

	return config, nil
}

// Add registers a config that did not come from the sources directory.
func (cc *ConfigCache) Add(config *SourceConfig) error {
	if err := validateConfig(config); err != nil {
		return err
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cache[config.Slug] = config
	return nil
}

func (cc *ConfigCache) GetConfig(slug string) (*SourceConfig, error) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	config, ok := cc.cache[slug]
	if !ok {
		return nil, fmt.Errorf("source config with slug '%s' not found", slug)
	}
	return config, nil
}

func (cc *ConfigCache) GetConfigs() map[string]*SourceConfig {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return maps.Clone(cc.cache)
}

func (cc *ConfigCache) GetEnabledConfigs() map[string]*SourceConfig {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	enabled := make(map[string]*SourceConfig)
	for k, v := range cc.cache {
		if v.Settings.Enabled {
			enabled[k] = v
		}
	}
	return enabled
}

func (cc *ConfigCache) Slugs() []string {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	slugs := make([]string, 0, len(cc.cache))
	for k := range cc.cache {
		slugs = append(slugs, k)
	}
	sort.Strings(slugs)
	return slugs
}

func (cc *ConfigCache) GetConfigCount() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.cache)
}

// ParseConfig decodes one source definition and fills in defaults.
func ParseConfig(slug string, data []byte) (*SourceConfig, error) {
	var config SourceConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	config.Slug = slug
	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func applyDefaults(config *SourceConfig) {
	if config.Name == "" {
		config.Name = config.Slug
	}
	if config.Kind == "" {
		config.Kind = KindRSS
	}
	if config.IDFrom == "" {
		config.IDFrom = IDFromGUID
	}
	if len(config.Timestamps) == 0 {
		config.Timestamps = defaultTimestamps(config.Kind)
	}
	if config.Settings.RefreshInterval == 0 {
		config.Settings.RefreshInterval = 3600
	}
	if config.Settings.MaxItems == 0 {
		config.Settings.MaxItems = 100
	}
	if config.Settings.Timeout == 0 {
		config.Settings.Timeout = 30
	}
	if config.Settings.Cursor == "" {
		config.Settings.Cursor = cursor.ModeHighWater
	}
}

func defaultTimestamps(kind Kind) []string {
	switch kind {
	case KindRSS:
		return []string{"published", "updated"}
	case KindJSON:
		return []string{"published_at"}
	case KindHTMLTable:
		return []string{"date"}
	}
	return nil
}

func validateConfig(config *SourceConfig) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}

	requiredFields := map[string]string{
		"source slug": config.Slug,
		"source URL":  config.URL,
	}

	for fieldName, fieldValue := range requiredFields {
		if fieldValue == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
	}

	switch config.Kind {
	case KindRSS:
	case KindJSON:
		if config.JSON.Fields["title"] == "" {
			return fmt.Errorf("json.fields.title is required for json sources")
		}
	case KindHTMLTable:
		if config.HTML.Rows == "" || config.HTML.Title == "" {
			return fmt.Errorf("html.rows and html.title are required for html_table sources")
		}
	default:
		return fmt.Errorf("unknown source kind: %s", config.Kind)
	}

	if !config.Settings.Cursor.Valid() {
		return fmt.Errorf("invalid cursor mode: %s", config.Settings.Cursor)
	}

	nonNegativeFields := map[string]int{
		"refresh interval": config.Settings.RefreshInterval,
		"max items":        config.Settings.MaxItems,
		"timeout":          config.Settings.Timeout,
	}

	for fieldName, fieldValue := range nonNegativeFields {
		if fieldValue < 0 {
			return fmt.Errorf("%s must be non-negative", fieldName)
		}
	}

	for i, filter := range config.Filters {
		if !filterFields[filter.Field] {
			return fmt.Errorf("invalid filter field at index %d: %s", i, filter.Field)
		}
		if len(filter.Includes) == 0 && len(filter.Excludes) == 0 {
			return fmt.Errorf("filter at index %d must have at least one include or exclude rule", i)
		}
	}

	return nil
}
