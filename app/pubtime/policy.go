package pubtime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

type NaiveStrategy string

const (
	NaiveAssumeDefault NaiveStrategy = "assume_default"
	NaiveUTC           NaiveStrategy = "utc"
	NaiveReject        NaiveStrategy = "reject"
)

func (s NaiveStrategy) valid() bool {
	switch s {
	case NaiveAssumeDefault, NaiveUTC, NaiveReject:
		return true
	}
	return false
}

// Policy is the effective time policy for one source.
type Policy struct {
	DefaultTimezone        string
	NaiveStrategy          NaiveStrategy
	MaxFutureDrift         *time.Duration
	MaxPastDrift           *time.Duration
	ForbidMidnightIfNoTime bool
}

// PolicyOverride holds the keys a policy document may set. Nil fields are
// inherited from the defaults block.
type PolicyOverride struct {
	DefaultTimezone        *string        `yaml:"default_timezone"`
	NaiveStrategy          *NaiveStrategy `yaml:"naive_strategy"`
	MaxFutureDriftMinutes  *int           `yaml:"max_future_drift_minutes"`
	MaxPastDriftDays       *int           `yaml:"max_past_drift_days"`
	ForbidMidnightIfNoTime *bool          `yaml:"forbid_midnight_if_no_time"`
}

type policyDocument struct {
	Defaults PolicyOverride            `yaml:"defaults"`
	Sources  map[string]PolicyOverride `yaml:"sources"`
}

// DefaultPolicy is used when no policy document is available.
func DefaultPolicy() Policy {
	return Policy{NaiveStrategy: NaiveAssumeDefault}
}

func (p Policy) merge(o PolicyOverride) Policy {
	merged := p
	if o.DefaultTimezone != nil {
		merged.DefaultTimezone = *o.DefaultTimezone
	}
	if o.NaiveStrategy != nil {
		merged.NaiveStrategy = *o.NaiveStrategy
	}
	if o.MaxFutureDriftMinutes != nil {
		d := time.Duration(*o.MaxFutureDriftMinutes) * time.Minute
		merged.MaxFutureDrift = &d
	}
	if o.MaxPastDriftDays != nil {
		d := time.Duration(*o.MaxPastDriftDays) * 24 * time.Hour
		merged.MaxPastDrift = &d
	}
	if o.ForbidMidnightIfNoTime != nil {
		merged.ForbidMidnightIfNoTime = *o.ForbidMidnightIfNoTime
	}
	return merged
}

func (o PolicyOverride) validate() error {
	if o.NaiveStrategy != nil && !o.NaiveStrategy.valid() {
		return fmt.Errorf("unknown naive_strategy %q", *o.NaiveStrategy)
	}
	if o.MaxFutureDriftMinutes != nil && *o.MaxFutureDriftMinutes < 0 {
		return errors.New("max_future_drift_minutes must be non-negative")
	}
	if o.MaxPastDriftDays != nil && *o.MaxPastDriftDays < 0 {
		return errors.New("max_past_drift_days must be non-negative")
	}
	if o.DefaultTimezone != nil && *o.DefaultTimezone != "" {
		if _, err := time.LoadLocation(*o.DefaultTimezone); err != nil {
			return fmt.Errorf("unknown default_timezone %q: %w", *o.DefaultTimezone, err)
		}
	}
	return nil
}

// Store holds the merged policy of every configured source. It is immutable
// after construction and safe for concurrent use.
type Store struct {
	defaults Policy
	sources  map[string]Policy
}

func NewStore(defaults PolicyOverride, sources map[string]PolicyOverride) (*Store, error) {
	if err := defaults.validate(); err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}

	base := DefaultPolicy().merge(defaults)
	merged := make(map[string]Policy, len(sources))
	for slug, override := range sources {
		if err := override.validate(); err != nil {
			return nil, fmt.Errorf("source %s: %w", slug, err)
		}
		merged[slug] = base.merge(override)
	}

	return &Store{defaults: base, sources: merged}, nil
}

// LoadStore reads a policy document from path. A missing or unreadable file
// and YAML that does not parse yield the built-in defaults with a warning;
// unknown keys and invalid values are returned as errors.
func LoadStore(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Time policy file unavailable, using defaults", "path", path, "error", err)
		return &Store{defaults: DefaultPolicy(), sources: map[string]Policy{}}, nil
	}
	return ParseStore(data)
}

func ParseStore(data []byte) (*Store, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		slog.Warn("Time policy document is corrupt, using defaults", "error", err)
		return &Store{defaults: DefaultPolicy(), sources: map[string]Policy{}}, nil
	}
	if len(node.Content) == 0 {
		return &Store{defaults: DefaultPolicy(), sources: map[string]Policy{}}, nil
	}
	if node.Content[0].Kind != yaml.MappingNode {
		slog.Warn("Time policy document is not a mapping, using defaults")
		return &Store{defaults: DefaultPolicy(), sources: map[string]Policy{}}, nil
	}

	var doc policyDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid time policy document: %w", err)
	}

	return NewStore(doc.Defaults, doc.Sources)
}

// Policy returns the source override merged over the defaults, or the
// defaults alone for unknown slugs.
func (s *Store) Policy(sourceSlug string) Policy {
	if s == nil {
		return DefaultPolicy()
	}
	if p, ok := s.sources[sourceSlug]; ok {
		return p
	}
	return s.defaults
}

func (s *Store) Defaults() Policy {
	if s == nil {
		return DefaultPolicy()
	}
	return s.defaults
}

// Sources lists the slugs that carry an override, sorted.
func (s *Store) Sources() []string {
	if s == nil {
		return nil
	}
	slugs := make([]string, 0, len(s.sources))
	for slug := range s.sources {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}
