package handlers

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keywatch/keywatch/internal/core"
	apperrors "github.com/keywatch/keywatch/internal/errors"
	"github.com/keywatch/keywatch/internal/server/middleware"
)

// Refresher starts background profile fetches.
type Refresher interface {
	FetchProfile(ctx context.Context, recipientID core.RecipientID)
	RunForThread(ctx context.Context, thread core.Thread)
}

// ProfileStore looks up threads and trusted identities.
type ProfileStore interface {
	GetThread(ctx context.Context, threadID string) (*core.Thread, error)
	GetIdentity(ctx context.Context, recipientID core.RecipientID) (*core.IdentityRecord, error)
}

// RefreshResponse acknowledges a refresh that will complete in the background.
type RefreshResponse struct {
	Status       string             `json:"status"`
	ThreadID     string             `json:"thread_id,omitempty"`
	RecipientIDs []core.RecipientID `json:"recipient_ids"`
	RequestID    string             `json:"request_id,omitempty"`
}

// IdentityResponse is the trusted identity key held for a recipient.
type IdentityResponse struct {
	RecipientID core.RecipientID `json:"recipient_id"`
	IdentityKey string           `json:"identity_key"`
	Fingerprint string           `json:"fingerprint"`
	Source      string           `json:"source"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ProfileHandlers serves the refresh and identity endpoints.
type ProfileHandlers struct {
	Refresher Refresher
	Store     ProfileStore
}

// RefreshThread schedules a fetch for every recipient of a thread.
func (h *ProfileHandlers) RefreshThread(w http.ResponseWriter, r *http.Request) {
	threadID, err := pathParam(r, "threadID")
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid thread id"))
		return
	}

	thread, err := h.Store.GetThread(r.Context(), threadID)
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "failed to load thread"))
		return
	}
	if thread == nil {
		apperrors.RespondWithError(w, r, apperrors.WrapNotFound(r.Context(), nil, "thread not found"))
		return
	}

	h.Refresher.RunForThread(r.Context(), *thread)

	writeJSON(w, http.StatusAccepted, RefreshResponse{
		Status:       "accepted",
		ThreadID:     thread.ID,
		RecipientIDs: thread.Recipients,
		RequestID:    middleware.GetRequestID(r.Context()),
	})
}

// RefreshRecipient schedules a fetch for one recipient.
func (h *ProfileHandlers) RefreshRecipient(w http.ResponseWriter, r *http.Request) {
	recipientID, err := recipientParam(r)
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid recipient id"))
		return
	}

	h.Refresher.FetchProfile(r.Context(), recipientID)

	writeJSON(w, http.StatusAccepted, RefreshResponse{
		Status:       "accepted",
		RecipientIDs: []core.RecipientID{recipientID},
		RequestID:    middleware.GetRequestID(r.Context()),
	})
}

// Identity returns the trusted identity key for a recipient.
func (h *ProfileHandlers) Identity(w http.ResponseWriter, r *http.Request) {
	recipientID, err := recipientParam(r)
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid recipient id"))
		return
	}

	record, err := h.Store.GetIdentity(r.Context(), recipientID)
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "failed to load identity"))
		return
	}
	if record == nil {
		apperrors.RespondWithError(w, r, apperrors.WrapNotFound(r.Context(), nil, "no identity key stored for recipient"))
		return
	}

	writeJSON(w, http.StatusOK, IdentityResponse{
		RecipientID: record.RecipientID,
		IdentityKey: record.Key,
		Fingerprint: record.Fingerprint,
		Source:      record.Source,
		UpdatedAt:   record.UpdatedAt,
	})
}

func recipientParam(r *http.Request) (core.RecipientID, error) {
	value, err := pathParam(r, "recipientID")
	if err != nil {
		return "", err
	}
	return core.ParseRecipientID(value)
}

// pathParam returns a decoded chi URL parameter.
func pathParam(r *http.Request, name string) (string, error) {
	return url.PathUnescape(chi.URLParam(r, name))
}
