package blobstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fileStore, err := NewFileStore(filepath.Join(dir, "state", "blobs.json"))
	require.NoError(t, err)

	sqliteStore, err := NewSQLiteStore(context.Background(), filepath.Join(dir, "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
		"sqlite": sqliteStore,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "a", []byte(`{"n":1}`)))
			got, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.JSONEq(t, `{"n":1}`, string(got))

			require.NoError(t, s.Set(ctx, "a", []byte(`{"n":2}`)))
			got, err = s.Get(ctx, "a")
			require.NoError(t, err)
			assert.JSONEq(t, `{"n":2}`, string(got))

			require.NoError(t, s.Remove(ctx, "a"))
			_, err = s.Get(ctx, "a")
			require.ErrorIs(t, err, ErrNotFound)

			// Removing an absent key is not an error.
			require.NoError(t, s.Remove(ctx, "a"))
		})
	}
}

func TestStoreBatchWrite(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.SetMany(ctx, map[string][]byte{
				"tasks":           []byte(`[{"id":"t1"}]`),
				"current_task_id": []byte(`"t1"`),
				"current_step_id": []byte(`null`),
			})
			require.NoError(t, err)

			got, err := s.GetMany(ctx, []string{"tasks", "current_task_id", "current_step_id", "nope"})
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.JSONEq(t, `"t1"`, string(got["current_task_id"]))
			assert.JSONEq(t, `null`, string(got["current_step_id"]))
			_, ok := got["nope"]
			assert.False(t, ok)
		})
	}
}

func TestStoreRejectsInvalidJSON(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.Error(t, s.Set(ctx, "bad", []byte(`{not json`)))
			err := s.SetMany(ctx, map[string][]byte{
				"ok":  []byte(`1`),
				"bad": []byte(`{`),
			})
			require.Error(t, err)
			_, err = s.Get(ctx, "ok")
			require.ErrorIs(t, err, ErrNotFound, "a rejected batch must not be partially written")
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "blobs.json")

	first, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "k", []byte(`"v"`)))

	second, err := NewFileStore(path)
	require.NoError(t, err)
	got, err := second.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `"v"`, string(got))
}

func TestPrefixStoreIsolatesKeys(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryStore()
	alice := WithPrefix(WithPrefix(base, DefaultNamespace), "users/alice/")
	bob := WithPrefix(WithPrefix(base, DefaultNamespace), "users/bob/")

	assert.Equal(t, DefaultNamespace+"users/alice/", alice.Prefix())

	require.NoError(t, alice.SetMany(ctx, map[string][]byte{"tasks": []byte(`["a"]`)}))
	require.NoError(t, bob.Set(ctx, "tasks", []byte(`["b"]`)))

	got, err := alice.GetMany(ctx, []string{"tasks"})
	require.NoError(t, err)
	assert.JSONEq(t, `["a"]`, string(got["tasks"]))

	raw, err := base.Get(ctx, DefaultNamespace+"users/bob/tasks")
	require.NoError(t, err)
	assert.JSONEq(t, `["b"]`, string(raw))
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var out []string
	ok, err := GetJSON(ctx, s, "list", &out)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SetJSON(ctx, s, "list", []string{"x", "y"}))
	ok, err = GetJSON(ctx, s, "list", &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"x", "y"}, out)
}

func TestNewStoreSelectsBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewStore(ctx, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = NewStore(ctx, "file://"+filepath.Join(dir, "a.json"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = NewStore(ctx, "sqlite://"+filepath.Join(dir, "a.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = NewStore(ctx, "redis://localhost")
	require.Error(t, err)

	assert.Equal(t, "postgres", Mode("postgres://u@h/db"))
	assert.Equal(t, "in-memory", Mode(""))
}
