package blobstore

import (
	"context"
	"strings"
)

// PrefixStore scopes every key of an underlying store under a fixed prefix.
type PrefixStore struct {
	inner  Store
	prefix string
}

// WithPrefix returns a view of s where every key is prefixed. Nested prefixes
// are flattened.
func WithPrefix(s Store, prefix string) *PrefixStore {
	if p, ok := s.(*PrefixStore); ok {
		return &PrefixStore{inner: p.inner, prefix: p.prefix + prefix}
	}
	return &PrefixStore{inner: s, prefix: prefix}
}

func (s *PrefixStore) Prefix() string { return s.prefix }

func (s *PrefixStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.inner.Get(ctx, s.prefix+key)
}

func (s *PrefixStore) Set(ctx context.Context, key string, value []byte) error {
	return s.inner.Set(ctx, s.prefix+key, value)
}

func (s *PrefixStore) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, s.prefix+key)
}

func (s *PrefixStore) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.prefix + k
	}
	got, err := s.inner.GetMany(ctx, full)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(got))
	for k, v := range got {
		out[strings.TrimPrefix(k, s.prefix)] = v
	}
	return out, nil
}

func (s *PrefixStore) SetMany(ctx context.Context, entries map[string][]byte) error {
	full := make(map[string][]byte, len(entries))
	for k, v := range entries {
		full[s.prefix+k] = v
	}
	return s.inner.SetMany(ctx, full)
}

// Close is a no-op; the underlying store is owned by whoever created it.
func (s *PrefixStore) Close() error { return nil }
