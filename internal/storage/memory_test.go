package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bdeggleston/slogdb/internal/model"
)

// Round-trip Get/Put test vectors extracted from the teacher's
// redis/val_string_test.go (string-value serialize/deserialize and
// missing-key cases), adapted from the old RESP value codec onto the
// byte-oriented Store contract.
func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	key := model.NewKey("blake")
	require.NoError(t, s.Put(ctx, key, []byte("data")))

	v, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("data"), v)
}

func TestMemoryStoreMissingKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, ok, err := s.Get(ctx, model.NewKey("absent"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := model.NewKey("k1")

	require.NoError(t, s.Put(ctx, key, []byte("v1")))
	require.NoError(t, s.Delete(ctx, key))

	_, ok, _ := s.Get(ctx, key)
	require.False(t, ok)
}

func TestMemoryStoreKeysEnumeratesEverythingWritten(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, model.NewKey("a"), []byte("1")))
	require.NoError(t, s.Put(ctx, model.NewKey("b"), []byte("2")))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

// Put makes its own copy of the input buffer, so later mutation of the
// caller's slice must not corrupt stored data (a correctness property
// the teacher's singleValue wrapper also guaranteed via a distinct
// data field rather than holding the caller's slice directly).
func TestMemoryStorePutCopiesValue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	buf := []byte("original")
	require.NoError(t, s.Put(ctx, model.NewKey("k"), buf))

	buf[0] = 'X'

	v, _, err := s.Get(ctx, model.NewKey("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("original"), v)
}
