package connector

import (
	"context"
	"fmt"
)

// Connector fetches the current upstream items of one source.
type Connector interface {
	Fetch(ctx context.Context) ([]Entry, error)
}

func New(config *SourceConfig, fetcher *Fetcher) (Connector, error) {
	switch config.Kind {
	case KindRSS:
		return NewRSSConnector(config, fetcher), nil
	case KindJSON:
		return NewJSONConnector(config, fetcher), nil
	case KindHTMLTable:
		return NewHTMLTableConnector(config, fetcher), nil
	}
	return nil, fmt.Errorf("unknown source kind: %s", config.Kind)
}
