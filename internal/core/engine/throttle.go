package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/keywatch/keywatch/internal/core"
)

// DefaultThrottleWindow is the minimum spacing between fetch attempts for a
// recipient.
const DefaultThrottleWindow = 5 * time.Minute

// AttemptStore persists fetch attempt timestamps.
type AttemptStore interface {
	GetFetchAttempts(ctx context.Context) ([]core.FetchAttempt, error)
	RecordFetchAttempt(ctx context.Context, recipientID core.RecipientID, at time.Time) error
}

// FetchThrottle owns the last-attempt timestamp of every recipient. All reads
// and writes go through its mutex.
type FetchThrottle struct {
	Store  AttemptStore
	Clock  func() time.Time
	Logger Logger

	mu       sync.Mutex
	window   time.Duration
	attempts map[core.RecipientID]time.Time
}

// NewFetchThrottle creates a throttle with the given window. A zero window
// never skips.
func NewFetchThrottle(window time.Duration) *FetchThrottle {
	if window < 0 {
		window = 0
	}
	return &FetchThrottle{
		window:   window,
		attempts: make(map[core.RecipientID]time.Time),
	}
}

// Begin decides whether a fetch for recipientID may start. When allowed, the
// current time is recorded as the last attempt before Begin returns. When
// skipped, no state changes and wait reports the remaining window.
func (t *FetchThrottle) Begin(ctx context.Context, recipientID core.RecipientID) (bool, time.Duration) {
	if t == nil {
		return true, 0
	}

	t.mu.Lock()
	now := t.now()
	if last, ok := t.attempts[recipientID]; ok {
		elapsed := now.Sub(last)
		if elapsed < 0 {
			elapsed = -elapsed
		}
		if elapsed < t.window {
			t.mu.Unlock()
			return false, t.window - elapsed
		}
	}
	if t.attempts == nil {
		t.attempts = make(map[core.RecipientID]time.Time)
	}
	t.attempts[recipientID] = now
	t.mu.Unlock()

	if t.Store != nil {
		if err := t.Store.RecordFetchAttempt(ctx, recipientID, now); err != nil {
			loggerOrNop(t.Logger).Warn("Failed to persist fetch attempt",
				zap.String("recipient_id", recipientID.String()),
				zap.Error(err))
		}
	}

	return true, 0
}

// LastAttempt returns the recorded attempt time for a recipient.
func (t *FetchThrottle) LastAttempt(recipientID core.RecipientID) (time.Time, bool) {
	if t == nil {
		return time.Time{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.attempts[recipientID]
	return at, ok
}

// Forget drops the in-memory attempt for the given recipients.
func (t *FetchThrottle) Forget(recipientIDs ...core.RecipientID) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range recipientIDs {
		delete(t.attempts, id)
	}
}

// Window returns the current throttle window.
func (t *FetchThrottle) Window() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.window
}

// SetWindow replaces the throttle window.
func (t *FetchThrottle) SetWindow(window time.Duration) {
	if t == nil {
		return
	}
	if window < 0 {
		window = 0
	}
	t.mu.Lock()
	t.window = window
	t.mu.Unlock()
}

// Load seeds the in-memory map from the attempt store. Newer in-memory
// attempts win over stored ones.
func (t *FetchThrottle) Load(ctx context.Context) error {
	if t == nil || t.Store == nil {
		return nil
	}

	attempts, err := t.Store.GetFetchAttempts(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.attempts == nil {
		t.attempts = make(map[core.RecipientID]time.Time, len(attempts))
	}
	for _, attempt := range attempts {
		if existing, ok := t.attempts[attempt.RecipientID]; ok && existing.After(attempt.AttemptedAt) {
			continue
		}
		t.attempts[attempt.RecipientID] = attempt.AttemptedAt
	}
	return nil
}

func (t *FetchThrottle) now() time.Time {
	if t != nil && t.Clock != nil {
		return t.Clock()
	}
	return time.Now().UTC()
}
