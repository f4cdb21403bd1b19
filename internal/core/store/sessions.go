package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keywatch/keywatch/internal/core"
)

// CreateSession opens a new active session with a recipient's device.
func (s *Store) CreateSession(ctx context.Context, recipientID core.RecipientID, deviceID int) (*core.Session, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	id, err := normalizeRecipient(recipientID)
	if err != nil {
		return nil, err
	}
	if deviceID < 0 {
		return nil, errors.New("device id must not be negative")
	}

	now := s.now()
	result, err := s.DB.ExecContext(ctx, `
		INSERT INTO sessions (recipient_id, device_id, created_at)
		VALUES (?, ?, ?)
	`, id, deviceID, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	sessionID, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &core.Session{
		ID:          sessionID,
		RecipientID: core.RecipientID(id),
		DeviceID:    deviceID,
		CreatedAt:   time.Unix(now.Unix(), 0).UTC(),
	}, nil
}

// ListSessions returns the sessions held with a recipient. Archived sessions
// are included only when requested.
func (s *Store) ListSessions(ctx context.Context, recipientID core.RecipientID, includeArchived bool) ([]core.Session, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	id, err := normalizeRecipient(recipientID)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, recipient_id, device_id, created_at, archived_at
		FROM sessions
		WHERE recipient_id = ?`
	if !includeArchived {
		query += ` AND archived_at IS NULL`
	}
	query += ` ORDER BY id`

	rows, err := s.DB.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	sessions := []core.Session{}
	for rows.Next() {
		var (
			session    core.Session
			recipient  string
			createdAt  int64
			archivedAt sql.NullInt64
		)
		if err := rows.Scan(&session.ID, &recipient, &session.DeviceID, &createdAt, &archivedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		session.RecipientID = core.RecipientID(recipient)
		session.CreatedAt = time.Unix(createdAt, 0).UTC()
		if archivedAt.Valid {
			value := time.Unix(archivedAt.Int64, 0).UTC()
			session.ArchivedAt = &value
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// ArchiveAllSessions archives every active session with a recipient.
func (s *Store) ArchiveAllSessions(ctx context.Context, recipientID core.RecipientID) error {
	_, err := s.archiveSessions(ctx, recipientID)
	return err
}

// ArchiveSessions archives every active session with a recipient and returns
// how many were archived.
func (s *Store) ArchiveSessions(ctx context.Context, recipientID core.RecipientID) (int64, error) {
	return s.archiveSessions(ctx, recipientID)
}

func (s *Store) archiveSessions(ctx context.Context, recipientID core.RecipientID) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	id, err := normalizeRecipient(recipientID)
	if err != nil {
		return 0, err
	}

	result, err := s.DB.ExecContext(ctx, `
		UPDATE sessions
		SET archived_at = ?
		WHERE recipient_id = ? AND archived_at IS NULL
	`, s.now().Unix(), id)
	if err != nil {
		return 0, fmt.Errorf("archive sessions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive sessions: %w", err)
	}
	return affected, nil
}
