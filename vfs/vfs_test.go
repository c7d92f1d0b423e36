package vfs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/infercore/infercore/vfs"
)

func TestGetPutRoundTrip(t *testing.T) {
	store := vfs.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Open(ctx, "infercore", "assets", time.Second))

	entry := vfs.Entry{Path: "tokenizer.json", ContentType: "application/json", Body: []byte(`{"vocab":{}}`)}
	require.NoError(t, store.Put(ctx, entry))

	got, ok, err := store.Get(ctx, "tokenizer.json")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry.Body, got.Body)
	require.EqualValues(t, len(entry.Body), got.Size)
}

func TestGetMissingPathReturnsFalse(t *testing.T) {
	store := vfs.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Open(ctx, "infercore", "assets", time.Second))

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOperationsBeforeOpenFail(t *testing.T) {
	store := vfs.NewMemStore()
	ctx := context.Background()
	_, _, err := store.Get(ctx, "x")
	require.Error(t, err)
	require.Error(t, store.Put(ctx, vfs.Entry{Path: "x"}))
}
