package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/keywatch/keywatch/internal/core"
)

const (
	// BudgetWindow is the accounting window of a host budget.
	BudgetWindow = time.Minute

	// DefaultHostLimit is the per-window budget of hosts without an entry
	// in HostLimiter.Limits.
	DefaultHostLimit = 60

	// LoopbackHostLimit is the per-window budget of local profile services.
	LoopbackHostLimit = 600
)

// ErrHostLimited matches every refusal from HostLimiter.Reserve.
var ErrHostLimited = errors.New("profile service budget exhausted")

// HostBudgetStore persists host budgets across restarts.
type HostBudgetStore interface {
	HostBudget(ctx context.Context, host core.ServiceHost) (*core.HostBudget, error)
	SaveHostBudget(ctx context.Context, budget *core.HostBudget) error
}

// LimitedError reports a request refused before it reached the profile
// service.
type LimitedError struct {
	Host core.ServiceHost
	Wait time.Duration
	// Cooldown is true when the service itself asked for the pause.
	Cooldown bool
}

func (e *LimitedError) Error() string {
	reason := "budget exhausted"
	if e.Cooldown {
		reason = "cooling down"
	}
	return fmt.Sprintf("profile service %s %s: retry in %s", e.Host, reason, e.Wait.Round(time.Second))
}

// Unwrap matches ErrHostLimited and carries Wait to retry policies as a
// backoff.RetryAfterError.
func (e *LimitedError) Unwrap() []error {
	return []error{ErrHostLimited, &backoff.RetryAfterError{Duration: e.Wait}}
}

// HostLimiter spends a per-host request budget before every profile request
// and honours the cooldowns a profile service asks for with 429 answers.
type HostLimiter struct {
	Store HostBudgetStore

	// Limits overrides DefaultHostLimit by host or host:port.
	Limits map[core.ServiceHost]int

	// Margin scales every limit; values outside (0, 1] leave limits unchanged.
	Margin float64

	Clock func() time.Time

	mu sync.Mutex
}

// Configure installs per-host overrides (requests per BudgetWindow) and the
// safety margin from configuration. Blank hosts and non-positive limits are
// skipped.
func (l *HostLimiter) Configure(overrides map[string]int, margin float64) {
	if l == nil {
		return
	}
	for host, limit := range overrides {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" || limit <= 0 {
			continue
		}
		if l.Limits == nil {
			l.Limits = make(map[core.ServiceHost]int, len(overrides))
		}
		l.Limits[core.ServiceHost(host)] = limit
	}
	if margin > 0 && margin <= 1 {
		l.Margin = margin
	}
}

// Limit returns the effective budget of host per BudgetWindow.
func (l *HostLimiter) Limit(host core.ServiceHost) int {
	limit := DefaultHostLimit
	if isLoopback(host) {
		limit = LoopbackHostLimit
	}
	if l == nil {
		return limit
	}

	if value, ok := l.Limits[host]; ok {
		limit = value
	} else if value, ok := l.Limits[core.ServiceHost(host.Hostname())]; ok {
		limit = value
	}

	if l.Margin <= 0 || l.Margin > 1 {
		return limit
	}
	return max(int(math.Floor(float64(limit)*l.Margin)), 1)
}

// Reserve spends one request of host's budget. It returns a *LimitedError
// when the host is cooling down or the window's budget is used up.
func (l *HostLimiter) Reserve(ctx context.Context, host core.ServiceHost) error {
	if l == nil || l.Store == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	budget, err := l.load(ctx, host, now)
	if err != nil {
		return err
	}

	if budget.CoolingDown(now) {
		return &LimitedError{Host: host, Wait: budget.CooldownUntil.Sub(now), Cooldown: true}
	}
	budget.CooldownUntil = nil

	if now.Before(budget.WindowStart) || now.Sub(budget.WindowStart) >= BudgetWindow {
		budget.Spent = 0
		budget.WindowStart = now
	}
	if budget.Spent >= l.Limit(host) {
		return &LimitedError{Host: host, Wait: budget.WindowStart.Add(BudgetWindow).Sub(now)}
	}

	budget.Spent++
	return l.Store.SaveHostBudget(ctx, budget)
}

// Cooldown records a 429 answer from host. A positive retryAfter blocks
// Reserve until it has elapsed; an earlier cooldown is never shortened.
func (l *HostLimiter) Cooldown(ctx context.Context, host core.ServiceHost, retryAfter time.Duration) error {
	if l == nil || l.Store == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	budget, err := l.load(ctx, host, now)
	if err != nil {
		return err
	}

	budget.Rejections++
	budget.LastRejected = &now
	if retryAfter > 0 {
		until := now.Add(retryAfter)
		if budget.CooldownUntil == nil || until.After(*budget.CooldownUntil) {
			budget.CooldownUntil = &until
		}
	}
	return l.Store.SaveHostBudget(ctx, budget)
}

func (l *HostLimiter) load(ctx context.Context, host core.ServiceHost, now time.Time) (*core.HostBudget, error) {
	budget, err := l.Store.HostBudget(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("load host budget: %w", err)
	}
	if budget == nil {
		budget = &core.HostBudget{Host: host, WindowStart: now}
	}
	return budget, nil
}

func (l *HostLimiter) now() time.Time {
	if l.Clock != nil {
		return l.Clock().UTC()
	}
	return time.Now().UTC()
}

func isLoopback(host core.ServiceHost) bool {
	name := host.Hostname()
	if strings.EqualFold(name, "localhost") {
		return true
	}
	ip := net.ParseIP(name)
	return ip != nil && ip.IsLoopback()
}
