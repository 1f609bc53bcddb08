package blobstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	id, size, err := s.Put(ctx, bytes.NewReader([]byte("hello blob")))
	require.NoError(t, err)
	require.EqualValues(t, len("hello blob"), size)

	has, err := s.Has(ctx, id)
	require.NoError(t, err)
	require.True(t, has)

	r, err := s.Get(ctx, id)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello blob", string(got))
}

func TestMemoryStorePutIsIdempotentByContent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	id1, _, err := s.Put(ctx, bytes.NewReader([]byte("same bytes")))
	require.NoError(t, err)
	id2, _, err := s.Put(ctx, bytes.NewReader([]byte("same bytes")))
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestMemoryStoreGetMissingReturnsNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), [32]byte{1})
	require.ErrorIs(t, err, ErrNotFound)
}
