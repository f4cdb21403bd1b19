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

// SaveThread creates or replaces a thread and its ordered recipients.
func (s *Store) SaveThread(ctx context.Context, thread core.Thread) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	threadID := strings.TrimSpace(thread.ID)
	if threadID == "" {
		return errors.New("thread id is required")
	}

	recipients := make([]string, 0, len(thread.Recipients))
	for _, recipient := range thread.Recipients {
		id, err := normalizeRecipient(recipient)
		if err != nil {
			return fmt.Errorf("thread %s: %w", threadID, err)
		}
		recipients = append(recipients, id)
	}

	createdAt := thread.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin thread update: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO threads (id, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name
	`, threadID, strings.TrimSpace(thread.Name), createdAt.UTC().Unix()); err != nil {
		return fmt.Errorf("store thread: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM thread_recipients WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("clear thread recipients: %w", err)
	}
	for position, recipient := range recipients {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO thread_recipients (thread_id, position, recipient_id)
			VALUES (?, ?, ?)
		`, threadID, position, recipient); err != nil {
			return fmt.Errorf("store thread recipient: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit thread: %w", err)
	}
	return nil
}

// GetThread returns a thread by id, or nil when it does not exist.
func (s *Store) GetThread(ctx context.Context, threadID string) (*core.Thread, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}

	var (
		thread    core.Thread
		createdAt int64
	)
	row := s.DB.QueryRowContext(ctx, `SELECT id, name, created_at FROM threads WHERE id = ?`, threadID)
	if err := row.Scan(&thread.ID, &thread.Name, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch thread: %w", err)
	}
	thread.CreatedAt = time.Unix(createdAt, 0).UTC()

	recipients, err := s.threadRecipients(ctx, threadID)
	if err != nil {
		return nil, err
	}
	thread.Recipients = recipients
	return &thread, nil
}

// ListThreads returns every thread ordered by id.
func (s *Store) ListThreads(ctx context.Context) ([]core.Thread, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT id, name, created_at FROM threads ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	threads := []core.Thread{}
	for rows.Next() {
		var (
			thread    core.Thread
			createdAt int64
		)
		if err := rows.Scan(&thread.ID, &thread.Name, &createdAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		thread.CreatedAt = time.Unix(createdAt, 0).UTC()
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("list threads: %w", err)
	}
	// Release the connection before the per-thread queries below.
	_ = rows.Close()

	for i := range threads {
		recipients, err := s.threadRecipients(ctx, threads[i].ID)
		if err != nil {
			return nil, err
		}
		threads[i].Recipients = recipients
	}
	return threads, nil
}

func (s *Store) threadRecipients(ctx context.Context, threadID string) ([]core.RecipientID, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT recipient_id
		FROM thread_recipients
		WHERE thread_id = ?
		ORDER BY position
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list thread recipients: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	recipients := []core.RecipientID{}
	for rows.Next() {
		var recipient string
		if err := rows.Scan(&recipient); err != nil {
			return nil, fmt.Errorf("scan thread recipient: %w", err)
		}
		recipients = append(recipients, core.RecipientID(recipient))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list thread recipients: %w", err)
	}
	return recipients, nil
}
