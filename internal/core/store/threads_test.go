package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keywatch/keywatch/internal/core"
)

func TestThreadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	thread := core.Thread{ID: "family", Name: "Family", Recipients: []core.RecipientID{"carol", "alice", "bob"}}
	require.NoError(t, store.SaveThread(ctx, thread))

	got, err := store.GetThread(ctx, "family")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "Family", got.Name)
	require.Equal(t, thread.Recipients, got.Recipients)
	require.False(t, got.CreatedAt.IsZero())

	thread.Name = "Family chat"
	thread.Recipients = []core.RecipientID{"alice"}
	require.NoError(t, store.SaveThread(ctx, thread))

	got, err = store.GetThread(ctx, "family")
	require.NoError(t, err)
	require.Equal(t, "Family chat", got.Name)
	require.Equal(t, []core.RecipientID{"alice"}, got.Recipients)

	require.NoError(t, store.SaveThread(ctx, core.Thread{ID: "work", Recipients: []core.RecipientID{"dave"}}))
	threads, err := store.ListThreads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	require.Equal(t, "family", threads[0].ID)
	require.Equal(t, []core.RecipientID{"dave"}, threads[1].Recipients)

	missing, err := store.GetThread(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestSaveThreadValidation(t *testing.T) {
	store := openTestStore(t)
	require.Error(t, store.SaveThread(context.Background(), core.Thread{}))
	require.Error(t, store.SaveThread(context.Background(), core.Thread{ID: "t", Recipients: []core.RecipientID{" "}}))
}
