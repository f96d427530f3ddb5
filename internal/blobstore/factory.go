package blobstore

import (
	"context"
	"fmt"
	"strings"
)

// NewStore picks a backend from a store URL:
//
//	""                      in-memory
//	file:///path/state.json JSON file
//	sqlite:///path/state.db SQLite
//	postgres://...          PostgreSQL
func NewStore(ctx context.Context, storeURL string) (Store, error) {
	storeURL = strings.TrimSpace(storeURL)
	switch {
	case storeURL == "" || storeURL == "memory://":
		return NewMemoryStore(), nil
	case strings.HasPrefix(storeURL, "file://"):
		return NewFileStore(strings.TrimPrefix(storeURL, "file://"))
	case strings.HasPrefix(storeURL, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(storeURL, "sqlite://"))
	case strings.HasPrefix(storeURL, "postgres://"), strings.HasPrefix(storeURL, "postgresql://"):
		return NewPostgresStore(ctx, storeURL)
	default:
		return nil, fmt.Errorf("unsupported store url %q", storeURL)
	}
}

// Mode names the backend for a store URL, for health output and logs.
func Mode(storeURL string) string {
	storeURL = strings.TrimSpace(storeURL)
	switch {
	case storeURL == "" || storeURL == "memory://":
		return "in-memory"
	case strings.HasPrefix(storeURL, "file://"):
		return "file"
	case strings.HasPrefix(storeURL, "sqlite://"):
		return "sqlite"
	case strings.HasPrefix(storeURL, "postgres://"), strings.HasPrefix(storeURL, "postgresql://"):
		return "postgres"
	default:
		return "unknown"
	}
}
