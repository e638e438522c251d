package config

import (
	"fmt"
	"strings"
)

// ParsedDSN is the result of splitting a delivery-log DSN into backend + target.
type ParsedDSN struct {
	Backend string // "sqlite" or "postgres"
	Path    string // file path for sqlite
	URL     string // full URL for postgres
}

// ParseDSN splits a DSN of the form sqlite://path or postgres://... into its
// backend and target. An empty DSN returns (nil, nil).
func ParseDSN(dsn string) (*ParsedDSN, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("sqlite DSN requires a file path")
		}
		return &ParsedDSN{Backend: "sqlite", Path: path}, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return &ParsedDSN{Backend: "postgres", URL: dsn}, nil
	default:
		return nil, fmt.Errorf("unsupported DSN scheme: %q (use sqlite:// or postgres://)", dsn)
	}
}
