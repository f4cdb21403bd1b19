package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestArchiveAllSessions(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	clock, advance := fixedClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	store.Clock = clock

	for _, device := range []int{1, 2} {
		_, err := store.CreateSession(ctx, "alice", device)
		require.NoError(t, err)
	}
	_, err := store.CreateSession(ctx, "bob", 1)
	require.NoError(t, err)

	advance(time.Minute)
	archived, err := store.ArchiveSessions(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 2, archived)

	active, err := store.ListSessions(ctx, "alice", false)
	require.NoError(t, err)
	require.Empty(t, active)

	all, err := store.ListSessions(ctx, "alice", true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, session := range all {
		require.False(t, session.Active())
		require.Equal(t, clock(), *session.ArchivedAt)
	}

	bob, err := store.ListSessions(ctx, "bob", false)
	require.NoError(t, err)
	require.Len(t, bob, 1)
	require.True(t, bob[0].Active())

	// Archiving again leaves already archived sessions untouched.
	advance(time.Minute)
	require.NoError(t, store.ArchiveAllSessions(ctx, "alice"))
	all, err = store.ListSessions(ctx, "alice", true)
	require.NoError(t, err)
	require.Equal(t, clock().Add(-time.Minute), *all[0].ArchivedAt)
}

func TestCreateSessionValidation(t *testing.T) {
	store := openTestStore(t)
	_, err := store.CreateSession(context.Background(), "alice", -1)
	require.Error(t, err)
	_, err = store.CreateSession(context.Background(), "", 1)
	require.Error(t, err)
}
