package pubtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

type Flag string

const (
	FlagNaiveRejected    Flag = "naive_rejected"
	FlagFutureDrift      Flag = "future_drift"
	FlagPastDrift        Flag = "past_drift"
	FlagDateOnlyMidnight Flag = "date_only_midnight"
)

// AppliedFetchedAt marks a result that fell back to the fetch time.
const AppliedFetchedAt = "fetched_at"

// Raw is an unparsed timestamp together with the label of the field it came
// from, e.g. "item.pubDate".
type Raw struct {
	Value any
	Label string
}

func R(value any, label string) Raw {
	return Raw{Value: value, Label: label}
}

type Metadata struct {
	Source          string
	Raw             any
	Fallback        bool
	AppliedTimezone string
	Flag            Flag
	DateOnly        bool
}

// Map renders the metadata the way it is stored under extra.time_meta.
func (m Metadata) Map() map[string]any {
	out := map[string]any{
		"source":   nil,
		"fallback": m.Fallback,
	}
	if m.Source != "" {
		out["source"] = m.Source
	}
	if m.Raw != nil {
		out["raw"] = rawValue(m.Raw)
	}
	if m.AppliedTimezone != "" {
		out["applied_timezone"] = m.AppliedTimezone
	}
	if m.Flag != "" {
		out["flag"] = string(m.Flag)
	}
	if m.DateOnly {
		out["date_only"] = true
	}
	return out
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Map())
}

func rawValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.Format(time.RFC3339Nano)
	case NaiveTime:
		return t.String()
	case json.Number:
		return t.String()
	case []byte:
		return string(t)
	}
	return v
}

type Result struct {
	ResolvedAt *time.Time
	Metadata   Metadata
}

// Resolver picks the publication time of a bulletin from an ordered list of
// candidates under the policy of its source. It holds no mutable state.
type Resolver struct {
	policies *Store
	now      func() time.Time
	logger   *slog.Logger
}

type ResolverOption func(*Resolver)

// WithClock replaces the clock used when no fetch time is supplied.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		r.now = now
	}
}

func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

func NewResolver(policies *Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		policies: policies,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Policy(sourceSlug string) Policy {
	return r.policies.Policy(sourceSlug)
}

// Resolve returns the first acceptable candidate converted to UTC. Candidates
// are tried strictly in the given order. When none is usable the fetch time is
// returned with Fallback set, or nil when fetchedAt is nil.
func (r *Resolver) Resolve(sourceSlug string, candidates []Raw, fetchedAt *time.Time) Result {
	policy := r.policies.Policy(sourceSlug)

	var base time.Time
	if fetchedAt != nil {
		base = fetchedAt.UTC()
	} else {
		base = r.now().UTC()
	}

	rejected := false
	for _, raw := range candidates {
		candidate, ok := ParseCandidate(raw.Value, raw.Label)
		if !ok {
			continue
		}

		meta := Metadata{
			Source:   candidate.Label,
			Raw:      candidate.Raw,
			DateOnly: candidate.IsDateOnly,
		}

		var resolved time.Time
		if candidate.HadExplicitTimezone {
			resolved = candidate.Value.UTC()
			meta.AppliedTimezone = zoneLabel(candidate.Value)
		} else {
			var accepted bool
			resolved, accepted = r.applyNaivePolicy(candidate, policy, &meta)
			if !accepted {
				rejected = true
				continue
			}
		}

		if candidate.IsDateOnly && policy.ForbidMidnightIfNoTime && isMidnight(candidate.Value) {
			meta.Flag = FlagDateOnlyMidnight
		}

		if policy.MaxFutureDrift != nil && resolved.After(base.Add(*policy.MaxFutureDrift)) {
			meta.Flag = FlagFutureDrift
			meta.Fallback = true
			meta.AppliedTimezone = AppliedFetchedAt
			return Result{ResolvedAt: &base, Metadata: meta}
		}

		if policy.MaxPastDrift != nil && resolved.Before(base.Add(-*policy.MaxPastDrift)) && meta.Flag == "" {
			meta.Flag = FlagPastDrift
		}

		return Result{ResolvedAt: &resolved, Metadata: meta}
	}

	meta := Metadata{Fallback: true}
	if rejected {
		meta.Flag = FlagNaiveRejected
	}
	if fetchedAt == nil {
		return Result{Metadata: meta}
	}
	meta.AppliedTimezone = AppliedFetchedAt
	at := fetchedAt.UTC()
	return Result{ResolvedAt: &at, Metadata: meta}
}

func (r *Resolver) applyNaivePolicy(c Candidate, policy Policy, meta *Metadata) (time.Time, bool) {
	switch policy.NaiveStrategy {
	case NaiveReject:
		meta.Flag = FlagNaiveRejected
		return time.Time{}, false
	case NaiveUTC:
		meta.AppliedTimezone = "UTC"
		return c.Value, true
	}

	loc := r.location(policy.DefaultTimezone)
	local := time.Date(c.Value.Year(), c.Value.Month(), c.Value.Day(),
		c.Value.Hour(), c.Value.Minute(), c.Value.Second(), c.Value.Nanosecond(), loc)
	meta.AppliedTimezone = zoneLabel(local)
	return local.UTC(), true
}

func (r *Resolver) location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		r.logger.Warn("Unknown timezone, falling back to UTC", "timezone", name, "error", err)
		return time.UTC
	}
	return loc
}

// zoneLabel names the zone of t: the IANA key when there is one, otherwise
// "UTC" or a "UTC+08:00" style offset.
func zoneLabel(t time.Time) string {
	if name := t.Location().String(); name != "" {
		return name
	}
	_, offset := t.Zone()
	if offset == 0 {
		return "UTC"
	}
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	minutes := offset / 60
	return fmt.Sprintf("UTC%c%02d:%02d", sign, minutes/60, minutes%60)
}

func isMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}
