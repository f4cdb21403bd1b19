package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/keywatch/keywatch/internal/core"
)

func TestReconcileFirstUse(t *testing.T) {
	store := &memoryIdentityStore{}
	reconciler := &Reconciler{Store: store}

	outcome, err := reconciler.Reconcile(context.Background(), core.Profile{RecipientID: "alice", IdentityKey: testKey(1)})
	require.NoError(t, err)
	require.Equal(t, OutcomeFirstUse, outcome)
	require.Zero(t, store.saves)
	require.Empty(t, store.archives)
}

func TestReconcileUnchanged(t *testing.T) {
	store := &memoryIdentityStore{keys: map[core.RecipientID]core.IdentityKey{"alice": testKey(1)}}
	reconciler := &Reconciler{Store: store}

	outcome, err := reconciler.Reconcile(context.Background(), core.Profile{RecipientID: "alice", IdentityKey: testKey(1)})
	require.NoError(t, err)
	require.Equal(t, OutcomeUnchanged, outcome)
	require.Equal(t, 1, store.saves)
	require.Empty(t, store.archives)
}

func TestReconcileChangedArchivesOnce(t *testing.T) {
	observed, logs := observer.New(zapcore.InfoLevel)
	store := &memoryIdentityStore{keys: map[core.RecipientID]core.IdentityKey{"alice": testKey(1)}}
	queue := NewSerialQueue()
	defer queue.Close()
	reconciler := &Reconciler{Store: store, Queue: queue, Logger: zap.New(observed)}

	outcome, err := reconciler.Reconcile(context.Background(), core.Profile{RecipientID: "alice", IdentityKey: testKey(2)})
	require.NoError(t, err)
	require.Equal(t, OutcomeChanged, outcome)
	require.Equal(t, 1, store.archives["alice"])
	require.Equal(t, []string{"save:alice", "archive:alice"}, store.events)

	entries := logs.FilterMessage("Updated identity key from fetched profile").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, testKey(1).Fingerprint(), fields["old_fingerprint"])
	require.Equal(t, testKey(2).Fingerprint(), fields["new_fingerprint"])
}

func TestReconcileStoreErrors(t *testing.T) {
	readFail := &memoryIdentityStore{readErr: errors.New("locked")}
	outcome, err := (&Reconciler{Store: readFail}).Reconcile(context.Background(), core.Profile{RecipientID: "alice"})
	require.Equal(t, OutcomeStoreFailed, outcome)
	require.ErrorContains(t, err, "read identity key")

	saveFail := &memoryIdentityStore{
		keys:    map[core.RecipientID]core.IdentityKey{"alice": testKey(1)},
		saveErr: errors.New("readonly"),
	}
	outcome, err = (&Reconciler{Store: saveFail}).Reconcile(context.Background(), core.Profile{RecipientID: "alice", IdentityKey: testKey(2)})
	require.Equal(t, OutcomeStoreFailed, outcome)
	require.ErrorContains(t, err, "save identity key")
	require.Empty(t, saveFail.archives)
}

func TestReconcileUnconfigured(t *testing.T) {
	var reconciler *Reconciler
	outcome, err := reconciler.Reconcile(context.Background(), core.Profile{})
	require.Error(t, err)
	require.Equal(t, OutcomeStoreFailed, outcome)
}

func TestReconcileClosedQueue(t *testing.T) {
	queue := NewSerialQueue()
	queue.Close()
	reconciler := &Reconciler{Store: &memoryIdentityStore{}, Queue: queue}

	_, err := reconciler.Reconcile(context.Background(), core.Profile{RecipientID: "alice"})
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestReconcileSerializesConcurrentEvents(t *testing.T) {
	queue := NewSerialQueue()
	defer queue.Close()

	ids := make([]core.RecipientID, 0, 16)
	keys := make(map[core.RecipientID]core.IdentityKey)
	for i := 0; i < 16; i++ {
		id := core.RecipientID(fmt.Sprintf("r%d", i))
		ids = append(ids, id)
		keys[id] = testKey(1)
	}
	store := &memoryIdentityStore{keys: keys}
	reconciler := &Reconciler{Store: store, Queue: queue}

	// The store owns keys from here on; iterate the slice instead.
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id core.RecipientID) {
			defer wg.Done()
			outcome, err := reconciler.Reconcile(context.Background(), core.Profile{RecipientID: id, IdentityKey: testKey(2)})
			assert.NoError(t, err)
			assert.Equal(t, OutcomeChanged, outcome)
		}(id)
	}
	wg.Wait()

	// Each save is immediately followed by its archive; no interleaving.
	require.Len(t, store.events, 32)
	for i := 0; i < len(store.events); i += 2 {
		saved := store.events[i][len("save:"):]
		require.Equal(t, "archive:"+saved, store.events[i+1])
	}
}
