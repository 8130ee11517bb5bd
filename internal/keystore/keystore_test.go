package keystore_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/keyprov/internal/keystore"
	"github.com/jmerrifield20/keyprov/pkg/secretkey"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSecret(t *testing.T) secretkey.Secret {
	t.Helper()
	s, _, err := secretkey.Generate()
	require.NoError(t, err)
	return s
}

func newFileStore(t *testing.T) *keystore.FileStore {
	t.Helper()
	s, err := keystore.NewFileStore(filepath.Join(t.TempDir(), "keys.json"), []byte("correct horse"), zap.NewNop())
	require.NoError(t, err)
	return s
}

// runStoreTests exercises the Store contract against any implementation.
func runStoreTests(t *testing.T, newStore func(t *testing.T) keystore.Store) {
	ctx := context.Background()

	t.Run("lookup missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Lookup(ctx, "Primary", "Alice")
		require.ErrorIs(t, err, keystore.ErrNotFound)
	})

	t.Run("save then lookup", func(t *testing.T) {
		s := newStore(t)
		key := newSecret(t)
		saved, err := s.Save(ctx, keystore.Entry{Server: "Primary", Character: "Alice", Key: key, UID: "UID1"})
		require.NoError(t, err)
		require.NotEqual(t, uuid.Nil, saved.ID)
		require.False(t, saved.CreatedAt.IsZero())
		require.Regexp(t, regexp.MustCompile(`^Secret Key added on Setup \(\d{4}-\d{2}-\d{2}\)$`), saved.FriendlyName)

		got, err := s.Lookup(ctx, "primary", "Alice")
		require.NoError(t, err)
		require.Equal(t, key, got.Key)
		require.Equal(t, "UID1", got.UID)
		require.Equal(t, saved.ID, got.ID)

		_, err = s.Lookup(ctx, "Primary", "Bob")
		require.ErrorIs(t, err, keystore.ErrNotFound)
	})

	t.Run("save replaces single key", func(t *testing.T) {
		s := newStore(t)
		first, err := s.Save(ctx, keystore.Entry{Server: "Primary", Character: "Alice", Key: newSecret(t)})
		require.NoError(t, err)
		replacement := newSecret(t)
		second, err := s.Save(ctx, keystore.Entry{Server: "Primary", Character: "Alice", Key: replacement})
		require.NoError(t, err)
		require.Equal(t, first.ID, second.ID)

		all, err := s.List(ctx, "Primary")
		require.NoError(t, err)
		require.Len(t, all, 1)
		require.Equal(t, replacement, all[0].Key)
	})

	t.Run("multiple keys", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Add(ctx, keystore.Entry{Server: "Primary", Character: "Alice", Key: newSecret(t)})
		require.NoError(t, err)
		_, err = s.Add(ctx, keystore.Entry{Server: "Primary", Character: "Alice", Key: newSecret(t)})
		require.NoError(t, err)

		_, err = s.Lookup(ctx, "Primary", "Alice")
		require.ErrorIs(t, err, keystore.ErrMultipleKeys)

		_, err = s.Save(ctx, keystore.Entry{Server: "Primary", Character: "Alice", Key: newSecret(t)})
		require.ErrorIs(t, err, keystore.ErrMultipleKeys)

		all, err := s.List(ctx, "Primary")
		require.NoError(t, err)
		require.Len(t, all, 2)
	})

	t.Run("list filters by server", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Add(ctx, keystore.Entry{Server: "Primary", Key: newSecret(t)})
		require.NoError(t, err)
		_, err = s.Add(ctx, keystore.Entry{Server: "Secondary", Key: newSecret(t)})
		require.NoError(t, err)

		primary, err := s.List(ctx, "Primary")
		require.NoError(t, err)
		require.Len(t, primary, 1)

		all, err := s.List(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 2)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		e, err := s.Add(ctx, keystore.Entry{Server: "Primary", Character: "Alice", Key: newSecret(t)})
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, e.ID))
		_, err = s.Lookup(ctx, "Primary", "Alice")
		require.ErrorIs(t, err, keystore.ErrNotFound)
		require.ErrorIs(t, s.Delete(ctx, e.ID), keystore.ErrNotFound)
	})

	t.Run("rejects invalid key", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Save(ctx, keystore.Entry{Server: "Primary", Key: "short"})
		require.ErrorIs(t, err, secretkey.ErrInvalidLength)

		_, err = s.Save(ctx, keystore.Entry{Server: "Primary", Key: secretkey.Secret(strings.Repeat("g", secretkey.Length))})
		require.ErrorIs(t, err, secretkey.ErrInvalidCharacters)

		_, err = s.Save(ctx, keystore.Entry{Key: newSecret(t)})
		require.Error(t, err)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func(*testing.T) keystore.Store { return keystore.NewMemoryStore() })
}

func TestFileStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) keystore.Store { return newFileStore(t) })
}

func TestFileStore_persistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "keys.json")
	key := newSecret(t)

	s1, err := keystore.NewFileStore(path, []byte("pw"), nil)
	require.NoError(t, err)
	_, err = s1.Save(ctx, keystore.Entry{Server: "Primary", Character: "Alice", Key: key})
	require.NoError(t, err)

	s2, err := keystore.NewFileStore(path, []byte("pw"), nil)
	require.NoError(t, err)
	got, err := s2.Lookup(ctx, "Primary", "Alice")
	require.NoError(t, err)
	require.Equal(t, key, got.Key)
	require.WithinDuration(t, time.Now(), got.CreatedAt, time.Minute)
}

func TestFileStore_encryptedAtRest(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	key := newSecret(t)
	_, err := s.Save(ctx, keystore.Entry{Server: "Primary", Character: "Alice", Key: key})
	require.NoError(t, err)

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	require.NotContains(t, string(raw), string(key))
	require.NotContains(t, string(raw), "Alice")

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.EqualValues(t, 1, doc["version"])

	if runtime.GOOS != "windows" {
		info, err := os.Stat(s.Path())
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestFileStore_wrongPassphrase(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	_, err := s.Save(ctx, keystore.Entry{Server: "Primary", Key: newSecret(t)})
	require.NoError(t, err)

	other, err := keystore.NewFileStore(s.Path(), []byte("wrong"), nil)
	require.NoError(t, err)
	_, err = other.List(ctx, "")
	require.ErrorIs(t, err, keystore.ErrWrongPassphrase)
}

func TestNewFileStore_validation(t *testing.T) {
	_, err := keystore.NewFileStore("", []byte("pw"), nil)
	require.Error(t, err)
	_, err = keystore.NewFileStore("keys.json", nil, nil)
	require.Error(t, err)
}

func TestFriendlyName(t *testing.T) {
	ts := time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC)
	require.Equal(t, "Secret Key added on Setup (2024-03-09)", keystore.FriendlyName(ts))
}
