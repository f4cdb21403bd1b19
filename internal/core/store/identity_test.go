package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keywatch/keywatch/internal/core"
)

func identityKey(seed byte) core.IdentityKey {
	var key core.IdentityKey
	for i := range key {
		key[i] = seed ^ byte(i)
	}
	return key
}

func TestSaveIdentityIfChanged(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	clock, advance := fixedClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	store.Clock = clock

	current, err := store.CurrentIdentityKey(ctx, "alice")
	require.NoError(t, err)
	require.Nil(t, current)

	changed, err := store.SaveIdentityIfChanged(ctx, "alice", identityKey(1))
	require.NoError(t, err)
	require.False(t, changed, "first save is not a change")

	changed, err = store.SaveIdentityIfChanged(ctx, "alice", identityKey(1))
	require.NoError(t, err)
	require.False(t, changed)

	history, err := store.IdentityHistory(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, history)

	advance(time.Hour)
	changed, err = store.SaveIdentityIfChanged(ctx, "alice", identityKey(2))
	require.NoError(t, err)
	require.True(t, changed)

	current, err = store.CurrentIdentityKey(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, current)
	require.Equal(t, identityKey(2), *current)

	history, err = store.IdentityHistory(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, identityKey(1).Fingerprint(), history[0].OldFingerprint)
	require.Equal(t, identityKey(2).Fingerprint(), history[0].NewFingerprint)
	require.Equal(t, clock(), history[0].ChangedAt)

	record, err := store.GetIdentity(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, SourceProfile, record.Source)
	require.Equal(t, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), record.CreatedAt)
	require.Equal(t, clock(), record.UpdatedAt)
}

func TestSetIdentityKeyManual(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	changed, err := store.SetIdentityKey(ctx, "bob", identityKey(5))
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = store.SetIdentityKey(ctx, "bob", identityKey(6))
	require.NoError(t, err)
	require.True(t, changed)

	record, err := store.GetIdentity(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, SourceManual, record.Source)
	require.Equal(t, identityKey(6).String(), record.Key)
	require.Equal(t, identityKey(6).Fingerprint(), record.Fingerprint)
}

func TestListIdentities(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.SaveIdentityIfChanged(ctx, "carol", identityKey(3))
	require.NoError(t, err)
	_, err = store.SaveIdentityIfChanged(ctx, "alice", identityKey(1))
	require.NoError(t, err)

	records, err := store.ListIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, core.RecipientID("alice"), records[0].RecipientID)
	require.Equal(t, core.RecipientID("carol"), records[1].RecipientID)

	missing, err := store.GetIdentity(ctx, "dave")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestIdentityRequiresRecipient(t *testing.T) {
	store := openTestStore(t)
	_, err := store.SaveIdentityIfChanged(context.Background(), " ", identityKey(1))
	require.Error(t, err)
}
