package core

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"
)

// IdentityKeySize is the length of a remote identity key without its type byte.
const IdentityKeySize = 32

// RecipientID identifies a remote party.
type RecipientID string

// ParseRecipientID trims and validates a recipient identifier.
func ParseRecipientID(value string) (RecipientID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", errors.New("recipient id is required")
	}
	return RecipientID(trimmed), nil
}

func (r RecipientID) String() string {
	return string(r)
}

// IdentityKey is the public key material a remote party publishes.
type IdentityKey [IdentityKeySize]byte

// IdentityKeyFromBytes copies raw key bytes into an IdentityKey.
func IdentityKeyFromBytes(raw []byte) (IdentityKey, error) {
	var key IdentityKey
	if len(raw) != IdentityKeySize {
		return key, errors.New("identity key must be 32 bytes")
	}
	copy(key[:], raw)
	return key, nil
}

// Bytes returns a copy of the key material.
func (k IdentityKey) Bytes() []byte {
	out := make([]byte, IdentityKeySize)
	copy(out, k[:])
	return out
}

// Equal reports whether both keys hold the same bytes.
func (k IdentityKey) Equal(other IdentityKey) bool {
	return k == other
}

// String returns the standard base64 encoding of the key (without type byte).
func (k IdentityKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// Fingerprint returns a short, grouped hex digest suitable for display.
func (k IdentityKey) Fingerprint() string {
	sum := sha256.Sum256(k[:])
	encoded := hex.EncodeToString(sum[:10])
	groups := make([]string, 0, len(encoded)/4)
	for i := 0; i < len(encoded); i += 4 {
		groups = append(groups, encoded[i:i+4])
	}
	return strings.Join(groups, " ")
}

// Profile is the decoded public profile of a remote recipient.
type Profile struct {
	RecipientID RecipientID
	IdentityKey IdentityKey
}

// Thread is a conversation and the recipients that belong to it.
type Thread struct {
	ID         string        `json:"id" yaml:"id"`
	Name       string        `json:"name,omitempty" yaml:"name,omitempty"`
	Recipients []RecipientID `json:"recipients" yaml:"recipients"`
	CreatedAt  time.Time     `json:"created_at" yaml:"created_at"`
}

// IdentityRecord is a trusted identity key held for a recipient.
type IdentityRecord struct {
	RecipientID RecipientID `json:"recipient_id" yaml:"recipient_id"`
	IdentityKey IdentityKey `json:"-" yaml:"-"`
	Key         string      `json:"identity_key" yaml:"identity_key"`
	Fingerprint string      `json:"fingerprint" yaml:"fingerprint"`
	Source      string      `json:"source" yaml:"source"`
	CreatedAt   time.Time   `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" yaml:"updated_at"`
}

// IdentityChange records a replaced identity key.
type IdentityChange struct {
	RecipientID    RecipientID `json:"recipient_id" yaml:"recipient_id"`
	OldFingerprint string      `json:"old_fingerprint" yaml:"old_fingerprint"`
	NewFingerprint string      `json:"new_fingerprint" yaml:"new_fingerprint"`
	ChangedAt      time.Time   `json:"changed_at" yaml:"changed_at"`
}

// Session is a secure session held with one device of a recipient.
type Session struct {
	ID          int64       `json:"id" yaml:"id"`
	RecipientID RecipientID `json:"recipient_id" yaml:"recipient_id"`
	DeviceID    int         `json:"device_id" yaml:"device_id"`
	CreatedAt   time.Time   `json:"created_at" yaml:"created_at"`
	ArchivedAt  *time.Time  `json:"archived_at,omitempty" yaml:"archived_at,omitempty"`
}

// Active reports whether the session has not been archived.
func (s Session) Active() bool {
	return s.ArchivedAt == nil
}

// FetchAttempt is the last time a profile fetch was attempted for a recipient.
type FetchAttempt struct {
	RecipientID RecipientID `json:"recipient_id" yaml:"recipient_id"`
	AttemptedAt time.Time   `json:"attempted_at" yaml:"attempted_at"`
}

// ServiceHost names a profile service endpoint as host or host:port, in
// lower case.
type ServiceHost string

// ServiceHostOf returns the host the profile service URL points at.
func ServiceHostOf(u *url.URL) ServiceHost {
	if u == nil {
		return ""
	}
	return ServiceHost(strings.ToLower(u.Host))
}

func (h ServiceHost) String() string {
	return string(h)
}

// Hostname strips the port, if any.
func (h ServiceHost) Hostname() string {
	if host, _, err := net.SplitHostPort(string(h)); err == nil {
		return host
	}
	return string(h)
}

// HostBudget is the request budget spent against one profile service host
// in the current window, plus any cooldown the service asked for.
type HostBudget struct {
	Host        ServiceHost `json:"host" yaml:"host"`
	Spent       int         `json:"spent" yaml:"spent"`
	WindowStart time.Time   `json:"window_start" yaml:"window_start"`

	// CooldownUntil is set from the Retry-After of a 429 answer.
	CooldownUntil *time.Time `json:"cooldown_until,omitempty" yaml:"cooldown_until,omitempty"`
	LastRejected  *time.Time `json:"last_rejected,omitempty" yaml:"last_rejected,omitempty"`
	Rejections    int        `json:"rejections" yaml:"rejections"`
}

// CoolingDown reports whether the service asked for a pause that has not
// yet elapsed at now.
func (b *HostBudget) CoolingDown(now time.Time) bool {
	return b != nil && b.CooldownUntil != nil && now.Before(*b.CooldownUntil)
}
