// Package blobstore is the key-value persistence layer behind the task and
// chat stores. Values are JSON documents; keys are namespaced strings.
package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultNamespace prefixes every key written by the application.
const DefaultNamespace = "@task_assistant/"

var ErrNotFound = errors.New("blob not found")

// Store persists JSON values by key. SetMany writes a batch atomically so a
// later GetMany observes either all of it or none of it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
	SetMany(ctx context.Context, entries map[string][]byte) error
	Close() error
}

// GetJSON decodes the value at key into out. It reports false when the key is
// absent or the read fails; callers treat both as "no value".
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

func validJSON(key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("value for %q is not valid JSON", key)
	}
	return nil
}
