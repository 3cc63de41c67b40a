package cursor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

type Mode string

const (
	ModeHighWater Mode = "high_water"
	ModeSeenIDs   Mode = "seen_ids"
	ModeNone      Mode = "none"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeHighWater, ModeSeenIDs, ModeNone:
		return true
	}
	return false
}

// naive cursors written by older tooling are read as UTC
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// HighWaterMark remembers the newest publication time a source has emitted.
type HighWaterMark struct {
	storage Storage
	logger  *slog.Logger
}

func NewHighWaterMark(storage Storage, logger *slog.Logger) *HighWaterMark {
	if logger == nil {
		logger = slog.Default()
	}
	return &HighWaterMark{storage: storage, logger: logger}
}

// Load returns the stored mark. Missing or unreadable state is reported as
// absent.
func (h *HighWaterMark) Load() (time.Time, bool) {
	data, err := h.storage.Load()
	if err != nil {
		h.logger.Warn("Failed to load cursor", "error", err)
		return time.Time{}, false
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return time.Time{}, false
	}

	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), true
	}
	for _, layout := range naiveLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}

	h.logger.Warn("Invalid cursor value", "value", raw)
	return time.Time{}, false
}

func (h *HighWaterMark) Save(t time.Time) error {
	if err := h.storage.Save([]byte(t.UTC().Format(time.RFC3339Nano))); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// SeenSet remembers every external id a source has emitted.
type SeenSet struct {
	storage Storage
	logger  *slog.Logger
}

func NewSeenSet(storage Storage, logger *slog.Logger) *SeenSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &SeenSet{storage: storage, logger: logger}
}

func (s *SeenSet) Load() map[string]struct{} {
	seen := make(map[string]struct{})

	data, err := s.storage.Load()
	if err != nil {
		s.logger.Warn("Failed to load seen ids", "error", err)
		return seen
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return seen
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		s.logger.Warn("Invalid seen ids state", "error", err)
		return seen
	}
	for _, id := range ids {
		if id != "" {
			seen[id] = struct{}{}
		}
	}
	return seen
}

func (s *SeenSet) Save(seen map[string]struct{}) error {
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to encode seen ids: %w", err)
	}
	if err := s.storage.Save(data); err != nil {
		return fmt.Errorf("failed to save seen ids: %w", err)
	}
	return nil
}
