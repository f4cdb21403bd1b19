package cmd

import (
	"context"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v5"

	"github.com/keywatch/keywatch/internal/config"
	"github.com/keywatch/keywatch/internal/core/engine"
	"github.com/keywatch/keywatch/internal/core/fetcher"
	"github.com/keywatch/keywatch/internal/core/store"
	apperrors "github.com/keywatch/keywatch/internal/errors"
	"github.com/keywatch/keywatch/internal/metrics"
)

// pipeline is the fetch coordinator together with the state it owns.
type pipeline struct {
	Coordinator *engine.Coordinator
	Throttle    *engine.FetchThrottle
	Limiter     *engine.HostLimiter
	queue       *engine.SerialQueue

	mu      sync.Mutex
	results []engine.Result
}

type pipelineOptions struct {
	// ForceRefresh disables the throttle for this run.
	ForceRefresh bool
	Logger       engine.Logger
}

func newPipeline(ctx context.Context, cfg *config.Config, db *store.Store, opts pipelineOptions) (*pipeline, error) {
	if strings.TrimSpace(cfg.Service.BaseURL) == "" {
		return nil, apperrors.NewConfigInvalidError("service.base_url is required (set KEYWATCH_SERVICE_URL or service.base_url)")
	}

	client, err := fetcher.NewHTTPClient(fetcher.TransportConfig{
		Timeout:  cfg.Service.Timeout,
		CAFile:   cfg.Service.CAFile,
		CertFile: cfg.Service.CertFile,
		KeyFile:  cfg.Service.KeyFile,
	})
	if err != nil {
		return nil, apperrors.WrapConfigInvalid(ctx, err, "invalid profile service transport settings")
	}

	limiter := &engine.HostLimiter{Store: db}
	limiter.Configure(cfg.RateLimits, cfg.RateLimitMargin)

	window := cfg.ThrottleWindow()
	if opts.ForceRefresh {
		window = 0
	}
	throttle := engine.NewFetchThrottle(window)
	throttle.Store = db
	throttle.Logger = opts.Logger
	if err := throttle.Load(ctx); err != nil {
		return nil, apperrors.WrapDatabaseError(ctx, err, "failed to load fetch attempts")
	}

	queue := engine.NewSerialQueue()
	p := &pipeline{
		Throttle: throttle,
		Limiter:  limiter,
		queue:    queue,
	}

	p.Coordinator = &engine.Coordinator{
		Source: &fetcher.ProfileClient{
			BaseURL:   cfg.Service.BaseURL,
			Username:  cfg.Service.Username,
			Password:  cfg.Service.Password,
			UserAgent: cfg.Service.UserAgent,
			Client:    client,
			Limiter:   limiter,
		},
		Throttle: throttle,
		Reconciler: &engine.Reconciler{
			Store:  db,
			Queue:  queue,
			Logger: opts.Logger,
		},
		Logger:        opts.Logger,
		MaxAttempts:   cfg.Profile.MaxAttempts,
		NewBackOff:    backOffFactory(cfg.Profile.Backoff),
		MaxRetryAfter: cfg.Profile.Backoff.MaxRetryAfter,
		OnComplete:    p.record,
	}

	return p, nil
}

func (p *pipeline) record(result engine.Result) {
	metrics.RecordProfileFetch(result)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, result)
}

// Results returns the completed fetches in completion order.
func (p *pipeline) Results() []engine.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]engine.Result(nil), p.results...)
}

// Close waits for outstanding fetches and stops the reconciliation queue.
func (p *pipeline) Close() {
	if p == nil {
		return
	}
	p.Coordinator.Wait()
	p.queue.Close()
}

// backOffFactory builds the per-fetch retry delay policy.
func backOffFactory(cfg config.BackoffConfig) func() backoff.BackOff {
	switch strings.ToLower(strings.TrimSpace(cfg.Policy)) {
	case config.BackoffConstant:
		return func() backoff.BackOff {
			return backoff.NewConstantBackOff(cfg.Interval)
		}
	case config.BackoffExponential:
		return func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = cfg.Interval
			if cfg.MaxInterval > 0 {
				policy.MaxInterval = cfg.MaxInterval
			}
			policy.Reset()
			return policy
		}
	default:
		return func() backoff.BackOff {
			return &backoff.ZeroBackOff{}
		}
	}
}
