package bulletin

import (
	"net/url"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// CleanText applies NFKC normalization and collapses runs of whitespace.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

// Slugify turns free text into a lowercase dash-separated token. It returns
// fallback when nothing usable remains.
func Slugify(s, fallback string) string {
	var b strings.Builder
	for _, r := range norm.NFKD.String(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case r == ' ' || r == '-' || r == '_' || r == '/':
			b.WriteByte('-')
		}
	}

	slug := b.String()
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return fallback
	}
	return slug
}

var pageExtensions = map[string]struct{}{
	".html": {}, ".htm": {}, ".shtml": {}, ".php": {}, ".aspx": {}, ".jsp": {},
}

// ExternalIDFromURL returns the last non-empty path segment of link, which is
// the advisory identifier for most vendor bulletin pages. Links without a path
// yield the empty string.
func ExternalIDFromURL(link string) string {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return ""
	}
	p := strings.TrimRight(u.Path, "/")
	if p == "" {
		return ""
	}
	segment := path.Base(p)
	if segment == "." || segment == "/" {
		return ""
	}
	if _, ok := pageExtensions[strings.ToLower(path.Ext(segment))]; ok {
		segment = strings.TrimSuffix(segment, path.Ext(segment))
	}
	return segment
}

// NormalizeLabels cleans, lowercases and deduplicates labels keeping order.
func NormalizeLabels(labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.ToLower(CleanText(l))
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
