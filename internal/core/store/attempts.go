package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keywatch/keywatch/internal/core"
)

// AttemptQuery selects persisted fetch attempts for admin commands.
type AttemptQuery struct {
	All       bool
	Recipient string
	Prefix    string
}

func (q AttemptQuery) Validate() error {
	if q.All {
		return nil
	}
	if strings.TrimSpace(q.Recipient) != "" {
		return nil
	}
	if strings.TrimSpace(q.Prefix) != "" {
		return nil
	}
	return errors.New("must specify --all, --recipient, or --prefix")
}

func (q AttemptQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if q.All {
		return "", nil, nil
	}
	if recipient := strings.TrimSpace(q.Recipient); recipient != "" {
		return "WHERE recipient_id = ?", []any{recipient}, nil
	}
	return "WHERE recipient_id LIKE ? ESCAPE '\\'", []any{escapeLike(strings.TrimSpace(q.Prefix)) + "%"}, nil
}

// GetFetchAttempts returns every persisted fetch attempt.
func (s *Store) GetFetchAttempts(ctx context.Context) ([]core.FetchAttempt, error) {
	return s.ListFetchAttempts(ctx, AttemptQuery{All: true})
}

// RecordFetchAttempt stores the latest fetch attempt for a recipient.
func (s *Store) RecordFetchAttempt(ctx context.Context, recipientID core.RecipientID, at time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	id, err := normalizeRecipient(recipientID)
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = s.now()
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO fetch_attempts (recipient_id, attempted_at)
		VALUES (?, ?)
		ON CONFLICT(recipient_id) DO UPDATE SET
			attempted_at = excluded.attempted_at
	`, id, at.UTC().Unix())
	if err != nil {
		return fmt.Errorf("store fetch attempt: %w", err)
	}
	return nil
}

// ListFetchAttempts returns the attempts matching q ordered by recipient.
func (s *Store) ListFetchAttempts(ctx context.Context, q AttemptQuery) ([]core.FetchAttempt, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT recipient_id, attempted_at
		FROM fetch_attempts
		%s
		ORDER BY recipient_id
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list fetch attempts: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	attempts := []core.FetchAttempt{}
	for rows.Next() {
		var (
			recipient   string
			attemptedAt int64
		)
		if err := rows.Scan(&recipient, &attemptedAt); err != nil {
			return nil, fmt.Errorf("scan fetch attempts: %w", err)
		}
		attempts = append(attempts, core.FetchAttempt{
			RecipientID: core.RecipientID(recipient),
			AttemptedAt: time.Unix(attemptedAt, 0).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list fetch attempts: %w", err)
	}

	return attempts, nil
}

// CountFetchAttempts returns how many attempts match q.
func (s *Store) CountFetchAttempts(ctx context.Context, q AttemptQuery) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*)
		FROM fetch_attempts
		%s
	`, where), args...)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count fetch attempts: %w", err)
	}
	return count, nil
}

// ResetFetchAttempts deletes the attempts matching q so the next fetch for
// those recipients is not throttled.
func (s *Store) ResetFetchAttempts(ctx context.Context, q AttemptQuery) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	result, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM fetch_attempts
		%s
	`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("reset fetch attempts: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset fetch attempts: %w", err)
	}
	return affected, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
