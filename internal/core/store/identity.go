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

const (
	// SourceProfile marks keys learned from a fetched profile.
	SourceProfile = "profile"
	// SourceManual marks keys set by an operator.
	SourceManual = "manual"
)

// CurrentIdentityKey returns the trusted key for a recipient, or nil when none
// is on record.
func (s *Store) CurrentIdentityKey(ctx context.Context, recipientID core.RecipientID) (*core.IdentityKey, error) {
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

	var raw []byte
	row := s.DB.QueryRowContext(ctx, `SELECT identity_key FROM identity_keys WHERE recipient_id = ?`, id)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch identity key: %w", err)
	}

	key, err := core.IdentityKeyFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("stored identity key for %s: %w", id, err)
	}
	return &key, nil
}

// SaveIdentityIfChanged stores key for the recipient and reports whether it
// replaced a different key. The first key saved for a recipient is not a
// change. Each change is appended to the identity history.
func (s *Store) SaveIdentityIfChanged(ctx context.Context, recipientID core.RecipientID, key core.IdentityKey) (bool, error) {
	return s.saveIdentity(ctx, recipientID, key, SourceProfile)
}

// SetIdentityKey trusts key for the recipient on an operator's behalf. It
// reports whether an existing different key was replaced.
func (s *Store) SetIdentityKey(ctx context.Context, recipientID core.RecipientID, key core.IdentityKey) (bool, error) {
	return s.saveIdentity(ctx, recipientID, key, SourceManual)
}

func (s *Store) saveIdentity(ctx context.Context, recipientID core.RecipientID, key core.IdentityKey, source string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	id, err := normalizeRecipient(recipientID)
	if err != nil {
		return false, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin identity update: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	now := s.now().Unix()

	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT identity_key FROM identity_keys WHERE recipient_id = ?`, id).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO identity_keys (recipient_id, identity_key, source, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, id, key.Bytes(), source, now, now); err != nil {
			return false, fmt.Errorf("insert identity key: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit identity key: %w", err)
		}
		return false, nil
	case err != nil:
		return false, fmt.Errorf("fetch identity key: %w", err)
	}

	current, err := core.IdentityKeyFromBytes(raw)
	if err == nil && current.Equal(key) {
		return false, nil
	}
	oldFingerprint := ""
	if err == nil {
		oldFingerprint = current.Fingerprint()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE identity_keys
		SET identity_key = ?, source = ?, updated_at = ?
		WHERE recipient_id = ?
	`, key.Bytes(), source, now, id); err != nil {
		return false, fmt.Errorf("update identity key: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO identity_changes (recipient_id, old_fingerprint, new_fingerprint, changed_at)
		VALUES (?, ?, ?, ?)
	`, id, oldFingerprint, key.Fingerprint(), now); err != nil {
		return false, fmt.Errorf("record identity change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit identity key: %w", err)
	}
	return true, nil
}

// GetIdentity returns the full identity record for a recipient, or nil.
func (s *Store) GetIdentity(ctx context.Context, recipientID core.RecipientID) (*core.IdentityRecord, error) {
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

	row := s.DB.QueryRowContext(ctx, `
		SELECT recipient_id, identity_key, source, created_at, updated_at
		FROM identity_keys
		WHERE recipient_id = ?
	`, id)

	record, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch identity: %w", err)
	}
	return record, nil
}

// ListIdentities returns every trusted identity ordered by recipient.
func (s *Store) ListIdentities(ctx context.Context) ([]core.IdentityRecord, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT recipient_id, identity_key, source, created_at, updated_at
		FROM identity_keys
		ORDER BY recipient_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	records := []core.IdentityRecord{}
	for rows.Next() {
		record, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return records, nil
}

// IdentityHistory returns recorded key changes for a recipient, oldest first.
func (s *Store) IdentityHistory(ctx context.Context, recipientID core.RecipientID) ([]core.IdentityChange, error) {
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

	rows, err := s.DB.QueryContext(ctx, `
		SELECT recipient_id, old_fingerprint, new_fingerprint, changed_at
		FROM identity_changes
		WHERE recipient_id = ?
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list identity history: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	changes := []core.IdentityChange{}
	for rows.Next() {
		var (
			change    core.IdentityChange
			recipient string
			changedAt int64
		)
		if err := rows.Scan(&recipient, &change.OldFingerprint, &change.NewFingerprint, &changedAt); err != nil {
			return nil, fmt.Errorf("scan identity history: %w", err)
		}
		change.RecipientID = core.RecipientID(recipient)
		change.ChangedAt = time.Unix(changedAt, 0).UTC()
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list identity history: %w", err)
	}
	return changes, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*core.IdentityRecord, error) {
	var (
		recipient string
		raw       []byte
		source    string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&recipient, &raw, &source, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	key, err := core.IdentityKeyFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("stored identity key for %s: %w", recipient, err)
	}

	return &core.IdentityRecord{
		RecipientID: core.RecipientID(recipient),
		IdentityKey: key,
		Key:         key.String(),
		Fingerprint: key.Fingerprint(),
		Source:      source,
		CreatedAt:   time.Unix(createdAt, 0).UTC(),
		UpdatedAt:   time.Unix(updatedAt, 0).UTC(),
	}, nil
}

func normalizeRecipient(recipientID core.RecipientID) (string, error) {
	id := strings.TrimSpace(recipientID.String())
	if id == "" {
		return "", errors.New("recipient id is required")
	}
	return id, nil
}
