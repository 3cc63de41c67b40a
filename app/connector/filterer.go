package connector

import (
	"fmt"
	"strings"

	"github.com/seclens/seclens/app/bulletin"
)

var filterFields = map[string]bool{
	"title":   true,
	"summary": true,
	"body":    true,
	"link":    true,
	"labels":  true,
}

type Filterer struct{}

func NewFilterer() *Filterer {
	return &Filterer{}
}

// Run splits items into kept and excluded according to the source filters.
// The reason for each exclusion is keyed by the item position in the input.
func (f *Filterer) Run(items []bulletin.Bulletin, filters []ConfigFilter) ([]bulletin.Bulletin, map[int]string) {
	if len(filters) == 0 {
		return items, nil
	}

	kept := make([]bulletin.Bulletin, 0, len(items))
	excluded := make(map[int]string)
	for i, item := range items {
		if isFiltered, reason := f.applyFilters(item, filters); isFiltered {
			excluded[i] = reason
			continue
		}
		kept = append(kept, item)
	}

	return kept, excluded
}

func (f *Filterer) applyFilters(item bulletin.Bulletin, filters []ConfigFilter) (bool, string) {
	for _, filter := range filters {
		value := f.getFieldValue(item, filter.Field)

		for _, exclude := range filter.Excludes {
			if f.matchesFilter(value, exclude) {
				return true, fmt.Sprintf("Excluded by %s filter: contains '%s'", filter.Field, exclude)
			}
		}

		if len(filter.Includes) > 0 {
			matched := false
			for _, include := range filter.Includes {
				if f.matchesFilter(value, include) {
					matched = true
					break
				}
			}
			if !matched {
				return true, fmt.Sprintf("Excluded by %s filter: does not contain any of %v", filter.Field, filter.Includes)
			}
		}
	}

	return false, ""
}

func (f *Filterer) matchesFilter(value, pattern string) bool {
	return strings.Contains(strings.ToLower(value), strings.ToLower(pattern))
}

func (f *Filterer) getFieldValue(item bulletin.Bulletin, field string) string {
	switch field {
	case "title":
		return item.Content.Title
	case "summary":
		return item.Content.Summary
	case "body":
		return item.Content.BodyText
	case "link":
		return item.Source.OriginURL
	case "labels":
		return strings.Join(item.Labels, " ")
	default:
		return ""
	}
}
