package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JSONConnector reads vendor advisory APIs. Numbers are decoded as
// json.Number so epoch timestamps reach the resolver unchanged.
type JSONConnector struct {
	config  *SourceConfig
	fetcher *Fetcher
}

func NewJSONConnector(config *SourceConfig, fetcher *Fetcher) *JSONConnector {
	return &JSONConnector{config: config, fetcher: fetcher}
}

func (c *JSONConnector) Fetch(ctx context.Context) ([]Entry, error) {
	data, err := c.fetcher.Fetch(ctx, c.config.URL, time.Duration(c.config.Settings.Timeout)*time.Second)
	if err != nil {
		return nil, err
	}
	return c.Parse(data)
}

func (c *JSONConnector) Parse(data []byte) ([]Entry, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var doc any
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	node := doc
	if c.config.JSON.ItemsPath != "" {
		var ok bool
		node, ok = lookupPath(doc, c.config.JSON.ItemsPath)
		if !ok {
			return nil, fmt.Errorf("items path %q not found", c.config.JSON.ItemsPath)
		}
	}

	list, ok := node.([]any)
	if !ok {
		return nil, fmt.Errorf("items path %q is not an array", c.config.JSON.ItemsPath)
	}

	fields := c.config.JSON.Fields
	entries := make([]Entry, 0, len(list))
	for _, raw := range list {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		entry := Entry{
			Title:    stringAt(obj, fields["title"]),
			Link:     stringAt(obj, fields["link"]),
			GUID:     stringAt(obj, fields["id"]),
			Summary:  htmlToText(stringAt(obj, fields["summary"])),
			Body:     htmlToText(stringAt(obj, fields["body"])),
			Language: c.config.Language,
			Fields:   obj,
		}
		if entry.Body == "" {
			entry.Body = entry.Summary
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// lookupPath walks a dotted path through decoded JSON objects. An exact key
// match wins over splitting so keys containing dots or colons stay reachable.
func lookupPath(node any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	obj, ok := node.(map[string]any)
	if !ok {
		return nil, false
	}
	if v, ok := obj[path]; ok {
		return v, true
	}

	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	next, ok := obj[head]
	if !ok {
		return nil, false
	}
	if _, isObj := next.(map[string]any); !isObj {
		return nil, false
	}
	return lookupPath(next, rest)
}

func stringAt(obj map[string]any, path string) string {
	v, ok := lookupPath(obj, path)
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	default:
		return strings.TrimSpace(fmt.Sprint(s))
	}
}
