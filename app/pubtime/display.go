package pubtime

import (
	"fmt"
	"time"
)

// LoadDisplayLocation resolves the zone bulletins are rendered in for humans.
// Unknown names fall back to UTC.
func LoadDisplayLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// FormatDisplay renders t as "2006-01-02 15:04 (UTC+08:00)" in loc.
func FormatDisplay(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	_, offset := local.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%s (UTC%c%02d:%02d)", local.Format("2006-01-02 15:04"), sign, offset/3600, offset%3600/60)
}
