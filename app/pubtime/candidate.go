package pubtime

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// NaiveTime carries a wall clock without a timezone. The location of the
// wrapped time is ignored.
type NaiveTime struct {
	time.Time
}

func Naive(t time.Time) NaiveTime {
	return NaiveTime{Time: t}
}

func (n NaiveTime) String() string {
	return n.Time.Format("2006-01-02T15:04:05.999999999")
}

// Candidate is one parsed timestamp offered for a bulletin. Value holds the
// wall clock in UTC when HadExplicitTimezone is false.
type Candidate struct {
	Value               time.Time
	HadExplicitTimezone bool
	IsDateOnly          bool
	Raw                 any
	Label               string
}

const millisecondThreshold = 1e12

// Epochs outside years 1..9999 are treated as garbage.
var (
	minEpochSeconds = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	maxEpochSeconds = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC).Unix()
)

// ParseCandidate interprets a raw timestamp value. It never fails loudly:
// anything it cannot understand yields false.
func ParseCandidate(raw any, label string) (Candidate, bool) {
	switch v := raw.(type) {
	case nil:
		return Candidate{}, false
	case time.Time:
		if v.IsZero() {
			return Candidate{}, false
		}
		return Candidate{Value: v, HadExplicitTimezone: true, Raw: raw, Label: label}, true
	case *time.Time:
		if v == nil {
			return Candidate{}, false
		}
		return ParseCandidate(*v, label)
	case NaiveTime:
		if v.IsZero() {
			return Candidate{}, false
		}
		return Candidate{Value: wallClockUTC(v.Time), Raw: raw, Label: label}, true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return intCandidate(n, raw, label)
		}
		f, err := v.Float64()
		if err != nil {
			return Candidate{}, false
		}
		return floatCandidate(f, raw, label)
	case int:
		return intCandidate(int64(v), raw, label)
	case int32:
		return intCandidate(int64(v), raw, label)
	case int64:
		return intCandidate(v, raw, label)
	case uint:
		return floatCandidate(float64(v), raw, label)
	case uint32:
		return intCandidate(int64(v), raw, label)
	case uint64:
		return floatCandidate(float64(v), raw, label)
	case float32:
		return floatCandidate(float64(v), raw, label)
	case float64:
		return floatCandidate(v, raw, label)
	case string:
		return parseStringCandidate(v, label)
	case []byte:
		return parseStringCandidate(string(v), label)
	}
	return Candidate{}, false
}

func intCandidate(n int64, raw any, label string) (Candidate, bool) {
	t, ok := fromEpochInt(n)
	if !ok {
		return Candidate{}, false
	}
	return Candidate{Value: t, HadExplicitTimezone: true, Raw: raw, Label: label}, true
}

func floatCandidate(f float64, raw any, label string) (Candidate, bool) {
	t, ok := fromEpochFloat(f)
	if !ok {
		return Candidate{}, false
	}
	return Candidate{Value: t, HadExplicitTimezone: true, Raw: raw, Label: label}, true
}

func fromEpochInt(n int64) (time.Time, bool) {
	if n > millisecondThreshold || n < -millisecondThreshold {
		return checkEpoch(time.UnixMilli(n).UTC())
	}
	return checkEpoch(time.Unix(n, 0).UTC())
}

func fromEpochFloat(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if math.Abs(f) > millisecondThreshold {
		f /= 1000
	}
	if f < float64(minEpochSeconds) || f > float64(maxEpochSeconds) {
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(), true
}

func checkEpoch(t time.Time) (time.Time, bool) {
	if t.Unix() < minEpochSeconds || t.Unix() > maxEpochSeconds {
		return time.Time{}, false
	}
	return t, true
}

func parseStringCandidate(s, label string) (Candidate, bool) {
	text := strings.TrimSpace(s)
	if text == "" {
		return Candidate{}, false
	}

	if v, explicit, ok := parseRFC822(text); ok {
		return Candidate{Value: v, HadExplicitTimezone: explicit, Raw: text, Label: label}, true
	}

	if v, explicit, dateOnly, ok := parseISO(normalizeISO(text)); ok {
		return Candidate{Value: v, HadExplicitTimezone: explicit, IsDateOnly: dateOnly, Raw: text, Label: label}, true
	}

	if isDigits(text) {
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Candidate{}, false
		}
		return intCandidate(n, text, label)
	}

	return Candidate{}, false
}

// RFC 822 / RFC 5322 / HTTP-date

var rfc822Zones = map[string]int{
	"UT": 0, "UTC": 0, "GMT": 0, "Z": 0,
	"EST": -5 * 3600, "EDT": -4 * 3600,
	"CST": -6 * 3600, "CDT": -5 * 3600,
	"MST": -7 * 3600, "MDT": -6 * 3600,
	"PST": -8 * 3600, "PDT": -7 * 3600,
}

var monthAbbrevs = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// parseRFC822 accepts "[Mon, ]02 Jan 2006 15:04[:05] [zone]". A missing zone,
// an unknown zone name, or "-0000" mean the sender did not know the offset and
// the result is naive.
func parseRFC822(text string) (time.Time, bool, bool) {
	if i := strings.IndexByte(text, '('); i > 0 {
		text = strings.TrimSpace(text[:i])
	}
	if i := strings.IndexByte(text, ','); i >= 0 {
		text = strings.TrimSpace(text[i+1:])
	}
	fields := strings.Fields(text)
	if len(fields) < 4 || len(fields) > 5 {
		return time.Time{}, false, false
	}

	day, err := strconv.Atoi(fields[0])
	if err != nil {
		return time.Time{}, false, false
	}
	month, ok := monthAbbrevs[strings.ToLower(prefix(fields[1], 3))]
	if !ok {
		return time.Time{}, false, false
	}
	year, err := strconv.Atoi(fields[2])
	if err != nil || len(fields[2]) > 4 {
		return time.Time{}, false, false
	}
	if len(fields[2]) <= 2 {
		if year > 68 {
			year += 1900
		} else {
			year += 2000
		}
	}

	hour, minute, second, ok := parseClock(fields[3])
	if !ok {
		return time.Time{}, false, false
	}

	loc := time.UTC
	explicit := false
	if len(fields) == 5 {
		if offset, known := parseRFC822Zone(fields[4]); known {
			loc = fixedZone(offset)
			explicit = true
		}
	}

	t := time.Date(year, month, day, hour, minute, second, 0, loc)
	if t.Day() != day || t.Month() != month {
		return time.Time{}, false, false
	}
	return t, explicit, true
}

func parseRFC822Zone(zone string) (int, bool) {
	if zone == "-0000" {
		return 0, false
	}
	if len(zone) == 5 && (zone[0] == '+' || zone[0] == '-') && isDigits(zone[1:]) {
		hh, _ := strconv.Atoi(zone[1:3])
		mm, _ := strconv.Atoi(zone[3:5])
		offset := hh*3600 + mm*60
		if zone[0] == '-' {
			offset = -offset
		}
		return offset, true
	}
	offset, ok := rfc822Zones[strings.ToUpper(zone)]
	return offset, ok
}

func parseClock(s string) (int, int, int, bool) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, 0, false
	}
	vals := make([]int, 3)
	for i, p := range parts {
		if !isDigits(p) || len(p) > 2 {
			return 0, 0, 0, false
		}
		vals[i], _ = strconv.Atoi(p)
	}
	if vals[0] > 23 || vals[1] > 59 || vals[2] > 60 {
		return 0, 0, 0, false
	}
	if vals[2] == 60 {
		vals[2] = 59
	}
	return vals[0], vals[1], vals[2], true
}

// ISO 8601

var compactOffset = regexp.MustCompile(`([+-])(\d{2})(\d{2})$`)

func normalizeISO(text string) string {
	if strings.HasSuffix(text, "Z") || strings.HasSuffix(text, "z") {
		text = text[:len(text)-1] + "+00:00"
	}
	if strings.Contains(text, ":") {
		text = compactOffset.ReplaceAllString(text, "$1$2:$3")
	}
	return text
}

var isoDateLayouts = []string{
	"2006-01-02",
	"20060102",
}

var isoClockLayouts = []string{
	"15:04:05",
	"15:04",
	"15",
}

var isoOffsetLayouts = []string{
	"-07:00",
	"-07",
}

func parseISO(text string) (time.Time, bool, bool, bool) {
	for _, layout := range isoDateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t, false, true, true
		}
	}

	for _, sep := range []string{"T", " "} {
		for _, clock := range isoClockLayouts {
			layout := "2006-01-02" + sep + clock
			for _, zone := range isoOffsetLayouts {
				if t, err := time.Parse(layout+zone, text); err == nil {
					_, offset := t.Zone()
					return t.In(fixedZone(offset)), true, false, true
				}
			}
			if t, err := time.Parse(layout, text); err == nil {
				return t, false, false, true
			}
		}
	}

	return time.Time{}, false, false, false
}

func wallClockUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// fixedZone returns an unnamed zone so labels are derived from the offset.
func fixedZone(offset int) *time.Location {
	if offset == 0 {
		return time.UTC
	}
	return time.FixedZone("", offset)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func prefix(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}
