package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keywatch/keywatch/internal/core"
)

func TestFetchAttempts(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordFetchAttempt(ctx, "+1555", at))
	require.NoError(t, store.RecordFetchAttempt(ctx, "+1555", at.Add(time.Minute)))
	require.NoError(t, store.RecordFetchAttempt(ctx, "+4420", at))
	require.NoError(t, store.RecordFetchAttempt(ctx, "a_b", at))

	attempts, err := store.GetFetchAttempts(ctx)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	require.Equal(t, core.FetchAttempt{RecipientID: "+1555", AttemptedAt: at.Add(time.Minute)}, attempts[0])

	count, err := store.CountFetchAttempts(ctx, AttemptQuery{Prefix: "+1"})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// Underscore is literal, not a wildcard.
	count, err = store.CountFetchAttempts(ctx, AttemptQuery{Prefix: "a_"})
	require.NoError(t, err)
	require.Equal(t, 1, count)
	count, err = store.CountFetchAttempts(ctx, AttemptQuery{Prefix: "_"})
	require.NoError(t, err)
	require.Zero(t, count)

	removed, err := store.ResetFetchAttempts(ctx, AttemptQuery{Recipient: "+4420"})
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	removed, err = store.ResetFetchAttempts(ctx, AttemptQuery{All: true})
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)
}

func TestAttemptQueryValidate(t *testing.T) {
	require.Error(t, AttemptQuery{}.Validate())
	require.Error(t, AttemptQuery{Prefix: "  "}.Validate())
	require.NoError(t, AttemptQuery{All: true}.Validate())
	require.NoError(t, AttemptQuery{Recipient: "alice"}.Validate())

	store := openTestStore(t)
	_, err := store.ResetFetchAttempts(context.Background(), AttemptQuery{})
	require.Error(t, err)
}
