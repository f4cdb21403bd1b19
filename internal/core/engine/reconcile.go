package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/keywatch/keywatch/internal/core"
)

// IdentityStore holds the trusted identity key and sessions of each
// recipient.
type IdentityStore interface {
	// CurrentIdentityKey returns nil when no key is on record.
	CurrentIdentityKey(ctx context.Context, recipientID core.RecipientID) (*core.IdentityKey, error)

	// SaveIdentityIfChanged stores key and reports whether it replaced a
	// different key.
	SaveIdentityIfChanged(ctx context.Context, recipientID core.RecipientID, key core.IdentityKey) (bool, error)

	// ArchiveAllSessions invalidates every active session with the recipient.
	ArchiveAllSessions(ctx context.Context, recipientID core.RecipientID) error
}

// Reconciler applies freshly fetched identity keys to the identity store.
// Every reconciliation runs on Queue, so store mutations are totally ordered.
type Reconciler struct {
	Store  IdentityStore
	Queue  *SerialQueue
	Logger Logger
}

// Reconcile schedules reconciliation of profile on the serial queue and waits
// for it to finish.
func (r *Reconciler) Reconcile(ctx context.Context, profile core.Profile) (Outcome, error) {
	if r == nil || r.Store == nil {
		return OutcomeStoreFailed, errors.New("reconciler is not configured")
	}
	if r.Queue == nil {
		return r.reconcile(ctx, profile)
	}

	var (
		outcome Outcome
		err     error
	)
	done, dispatchErr := r.Queue.Dispatch(func() {
		outcome, err = r.reconcile(ctx, profile)
	})
	if dispatchErr != nil {
		return OutcomeStoreFailed, dispatchErr
	}
	<-done
	return outcome, err
}

func (r *Reconciler) reconcile(ctx context.Context, profile core.Profile) (Outcome, error) {
	logger := loggerOrNop(r.Logger)
	recipient := profile.RecipientID

	current, err := r.Store.CurrentIdentityKey(ctx, recipient)
	if err != nil {
		return OutcomeStoreFailed, fmt.Errorf("read identity key: %w", err)
	}
	if current == nil {
		// Trust on first use: nothing to compare against.
		return OutcomeFirstUse, nil
	}

	changed, err := r.Store.SaveIdentityIfChanged(ctx, recipient, profile.IdentityKey)
	if err != nil {
		return OutcomeStoreFailed, fmt.Errorf("save identity key: %w", err)
	}
	if !changed {
		return OutcomeUnchanged, nil
	}

	logger.Info("Updated identity key from fetched profile",
		zap.String("recipient_id", recipient.String()),
		zap.String("old_fingerprint", current.Fingerprint()),
		zap.String("new_fingerprint", profile.IdentityKey.Fingerprint()))

	if err := r.Store.ArchiveAllSessions(ctx, recipient); err != nil {
		return OutcomeStoreFailed, fmt.Errorf("archive sessions: %w", err)
	}

	return OutcomeChanged, nil
}
