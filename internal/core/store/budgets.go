package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keywatch/keywatch/internal/core"
)

const budgetColumns = `host, spent, window_start, cooldown_until, last_rejected_at, rejections`

// HostBudget returns the request budget recorded for a profile service host,
// or nil when the host has not been contacted yet.
func (s *Store) HostBudget(ctx context.Context, host core.ServiceHost) (*core.HostBudget, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key, err := normalizeHost(host)
	if err != nil {
		return nil, err
	}

	row := s.DB.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM host_budgets WHERE host = ?`, key)
	budget, err := scanBudget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch host budget: %w", err)
	}
	return budget, nil
}

// ListHostBudgets returns every recorded host budget ordered by host.
func (s *Store) ListHostBudgets(ctx context.Context) ([]core.HostBudget, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT `+budgetColumns+` FROM host_budgets ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("list host budgets: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	var budgets []core.HostBudget
	for rows.Next() {
		budget, err := scanBudget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan host budget: %w", err)
		}
		budgets = append(budgets, *budget)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list host budgets: %w", err)
	}
	return budgets, nil
}

// SaveHostBudget replaces the stored budget of budget.Host.
func (s *Store) SaveHostBudget(ctx context.Context, budget *core.HostBudget) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if budget == nil {
		return errors.New("host budget is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key, err := normalizeHost(budget.Host)
	if err != nil {
		return err
	}
	windowStart := budget.WindowStart
	if windowStart.IsZero() {
		windowStart = s.now()
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO host_budgets (`+budgetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(host) DO UPDATE SET
			spent = excluded.spent,
			window_start = excluded.window_start,
			cooldown_until = excluded.cooldown_until,
			last_rejected_at = excluded.last_rejected_at,
			rejections = excluded.rejections
	`, key, budget.Spent, windowStart.UTC().Unix(),
		nullableUnix(budget.CooldownUntil), nullableUnix(budget.LastRejected), budget.Rejections)
	if err != nil {
		return fmt.Errorf("store host budget: %w", err)
	}
	return nil
}

func scanBudget(row rowScanner) (*core.HostBudget, error) {
	var (
		host         string
		budget       core.HostBudget
		windowStart  int64
		cooldown     sql.NullInt64
		lastRejected sql.NullInt64
	)
	if err := row.Scan(&host, &budget.Spent, &windowStart, &cooldown, &lastRejected, &budget.Rejections); err != nil {
		return nil, err
	}
	budget.Host = core.ServiceHost(host)
	budget.WindowStart = time.Unix(windowStart, 0).UTC()
	budget.CooldownUntil = unixOrNil(cooldown)
	budget.LastRejected = unixOrNil(lastRejected)
	return &budget, nil
}

func normalizeHost(host core.ServiceHost) (string, error) {
	key := strings.ToLower(strings.TrimSpace(host.String()))
	if key == "" {
		return "", errors.New("service host is required")
	}
	return key, nil
}

func nullableUnix(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().Unix(), Valid: true}
}

func unixOrNil(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := time.Unix(value.Int64, 0).UTC()
	return &t
}
