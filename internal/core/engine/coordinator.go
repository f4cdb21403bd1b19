package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/keywatch/keywatch/internal/core"
	"github.com/keywatch/keywatch/internal/core/profile"
)

const (
	// DefaultMaxAttempts bounds the attempts made per FetchProfile call,
	// counting the first one.
	DefaultMaxAttempts = 3

	// DefaultMaxRetryAfter is the longest server-requested pause a retry
	// waits out.
	DefaultMaxRetryAfter = time.Minute
)

var tracer = otel.Tracer("github.com/keywatch/keywatch/internal/core/engine")

// ProfileSource fetches the raw public profile of a recipient.
type ProfileSource interface {
	GetProfile(ctx context.Context, recipientID core.RecipientID) (any, error)
}

// Coordinator refreshes remote identity keys in the background. Callers never
// receive errors; outcomes surface through logs, the identity store and
// OnComplete.
type Coordinator struct {
	Source     ProfileSource
	Throttle   *FetchThrottle
	Reconciler *Reconciler
	Logger     Logger

	// MaxAttempts defaults to DefaultMaxAttempts.
	MaxAttempts int

	// NewBackOff returns the delay policy between attempts of one fetch.
	// Defaults to no delay. A Retry-After carried by the failure
	// (backoff.RetryAfterError) lengthens the delay.
	NewBackOff func() backoff.BackOff

	// MaxRetryAfter defaults to DefaultMaxRetryAfter. A fetch asked to pause
	// longer gives up instead of retrying.
	MaxRetryAfter time.Duration

	// OnComplete, if set, is called once per FetchProfile call. It may be
	// called concurrently.
	OnComplete func(Result)

	tasks conc.WaitGroup
}

// RunForThread fetches the profile of every recipient in thread. It returns
// immediately; the iteration runs on a background task.
func (c *Coordinator) RunForThread(ctx context.Context, thread core.Thread) {
	if c == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	recipients := append([]core.RecipientID(nil), thread.Recipients...)

	c.logger().Debug("Refreshing thread profiles",
		zap.String("thread_id", thread.ID),
		zap.Int("recipients", len(recipients)))

	c.tasks.Go(func() {
		for _, recipientID := range recipients {
			c.FetchProfile(ctx, recipientID)
		}
	})
}

// FetchProfile refreshes the identity key of one recipient unless a fetch
// was attempted within the throttle window.
func (c *Coordinator) FetchProfile(ctx context.Context, recipientID core.RecipientID) {
	if c == nil {
		return
	}
	c.fetch(context.WithoutCancel(ctx), recipientID, c.maxAttempts(), c.newBackOff(), 1, nil)
}

// Wait blocks until every scheduled fetch, retry and reconciliation is done.
func (c *Coordinator) Wait() {
	if c == nil {
		return
	}
	if recovered := c.tasks.WaitAndRecover(); recovered != nil {
		c.logger().Error("Profile fetch task panicked",
			zap.Any("panic", recovered.Value),
			zap.ByteString("stack", recovered.Stack))
	}
}

func (c *Coordinator) fetch(ctx context.Context, recipientID core.RecipientID, remaining int, policy backoff.BackOff, attempt int, lastErr error) {
	logger := c.logger()

	allowed, wait := c.Throttle.Begin(ctx, recipientID)
	if !allowed {
		logger.Info("Skipping profile fetch",
			zap.String("recipient_id", recipientID.String()),
			zap.Duration("throttle_remaining", wait))
		result := Result{RecipientID: recipientID, Outcome: OutcomeThrottled, Attempts: attempt - 1}
		if lastErr != nil {
			result.Outcome = OutcomeTransportFailed
			result.Err = lastErr
		}
		c.complete(result)
		return
	}

	logger.Debug("Fetching profile",
		zap.String("recipient_id", recipientID.String()),
		zap.Int("attempt", attempt))

	c.tasks.Go(func() {
		c.attempt(ctx, recipientID, remaining, policy, attempt)
	})
}

func (c *Coordinator) attempt(ctx context.Context, recipientID core.RecipientID, remaining int, policy backoff.BackOff, attempt int) {
	logger := c.logger()

	ctx, span := tracer.Start(ctx, "profile.fetch", trace.WithAttributes(
		attribute.String("recipient_id", recipientID.String()),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	raw, err := c.Source.GetProfile(ctx, recipientID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "profile request failed")
		logger.Error("Failed to fetch profile",
			zap.String("recipient_id", recipientID.String()),
			zap.Int("attempt", attempt),
			zap.Int("remaining_retries", remaining-1),
			zap.Error(err))
		c.retry(ctx, recipientID, remaining, policy, attempt, err)
		return
	}

	fetched, err := profile.Decode(recipientID, raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed profile")
		// A malformed body is a server defect; retrying cannot fix it.
		logger.Error("Profile response had unexpected content",
			zap.String("recipient_id", recipientID.String()),
			zap.Error(err))
		c.complete(Result{RecipientID: recipientID, Outcome: OutcomeDecodeFailed, Attempts: attempt, Err: err})
		return
	}

	outcome, err := c.Reconciler.Reconcile(ctx, *fetched)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
		logger.Error("Failed to reconcile identity key",
			zap.String("recipient_id", recipientID.String()),
			zap.Error(err))
	}
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	c.complete(Result{RecipientID: recipientID, Outcome: outcome, Attempts: attempt, Err: err})
}

func (c *Coordinator) retry(ctx context.Context, recipientID core.RecipientID, remaining int, policy backoff.BackOff, attempt int, cause error) {
	giveUp := func() {
		c.logger().Error("Giving up on profile fetch",
			zap.String("recipient_id", recipientID.String()),
			zap.Int("attempts", attempt),
			zap.Error(cause))
		c.complete(Result{RecipientID: recipientID, Outcome: OutcomeTransportFailed, Attempts: attempt, Err: cause})
	}

	if remaining <= 1 {
		giveUp()
		return
	}

	delay := policy.NextBackOff()
	if delay == backoff.Stop {
		giveUp()
		return
	}

	var hint *backoff.RetryAfterError
	if errors.As(cause, &hint) && hint.Duration > 0 {
		if hint.Duration > c.maxRetryAfter() {
			c.logger().Warn("Profile service pause exceeds retry limit",
				zap.String("recipient_id", recipientID.String()),
				zap.Duration("retry_after", hint.Duration),
				zap.Duration("max_retry_after", c.maxRetryAfter()))
			giveUp()
			return
		}
		delay = max(delay, hint.Duration)
	}

	c.tasks.Go(func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			<-timer.C
		}
		c.fetch(ctx, recipientID, remaining-1, policy, attempt+1, cause)
	})
}

func (c *Coordinator) complete(result Result) {
	if c.OnComplete != nil {
		c.OnComplete(result)
	}
}

func (c *Coordinator) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return c.MaxAttempts
}

func (c *Coordinator) maxRetryAfter() time.Duration {
	if c.MaxRetryAfter <= 0 {
		return DefaultMaxRetryAfter
	}
	return c.MaxRetryAfter
}

func (c *Coordinator) newBackOff() backoff.BackOff {
	if c.NewBackOff != nil {
		if policy := c.NewBackOff(); policy != nil {
			return policy
		}
	}
	return &backoff.ZeroBackOff{}
}

func (c *Coordinator) logger() Logger {
	return loggerOrNop(c.Logger)
}
