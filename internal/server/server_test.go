package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywatch/keywatch/internal/core"
	apperrors "github.com/keywatch/keywatch/internal/errors"
	"github.com/keywatch/keywatch/internal/server/handlers"
)

type recordingRefresher struct {
	mu         sync.Mutex
	recipients []core.RecipientID
	threads    []string
}

func (r *recordingRefresher) FetchProfile(_ context.Context, recipientID core.RecipientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recipients = append(r.recipients, recipientID)
}

func (r *recordingRefresher) RunForThread(_ context.Context, thread core.Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads = append(r.threads, thread.ID)
	r.recipients = append(r.recipients, thread.Recipients...)
}

type fakeStore struct {
	threads    map[string]core.Thread
	identities map[core.RecipientID]core.IdentityRecord
	err        error
}

func (s *fakeStore) GetThread(_ context.Context, threadID string) (*core.Thread, error) {
	if s.err != nil {
		return nil, s.err
	}
	thread, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	return &thread, nil
}

func (s *fakeStore) GetIdentity(_ context.Context, recipientID core.RecipientID) (*core.IdentityRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	record, ok := s.identities[recipientID]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func newTestServer(t *testing.T, store *fakeStore) (*Server, *recordingRefresher) {
	t.Helper()

	refresher := &recordingRefresher{}
	srv := New(Options{
		Host:      "127.0.0.1",
		Refresher: refresher,
		Store:     store,
	})
	return srv, refresher
}

func serve(srv *Server, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv, _ := newTestServer(t, &fakeStore{})

	rec := serve(srv, http.MethodGet, "/does-not-exist")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Error.Code)

	rec = serve(srv, http.MethodGet, "/v1/threads/t1/refresh")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeError(t, rec).Error.Code)
}

func TestRefreshThreadAcceptsAndFetchesEveryRecipient(t *testing.T) {
	srv, refresher := newTestServer(t, &fakeStore{
		threads: map[string]core.Thread{
			"family": {ID: "family", Recipients: []core.RecipientID{"+15550001", "+15550002"}},
		},
	})

	rec := serve(srv, http.MethodPost, "/v1/threads/family/refresh")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body handlers.RefreshResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "accepted", body.Status)
	assert.Equal(t, "family", body.ThreadID)
	assert.Equal(t, []core.RecipientID{"+15550001", "+15550002"}, body.RecipientIDs)
	assert.NotEmpty(t, body.RequestID)

	assert.Equal(t, []string{"family"}, refresher.threads)
	assert.Equal(t, []core.RecipientID{"+15550001", "+15550002"}, refresher.recipients)
}

func TestRefreshUnknownThreadReturnsNotFound(t *testing.T) {
	srv, refresher := newTestServer(t, &fakeStore{})

	rec := serve(srv, http.MethodPost, "/v1/threads/missing/refresh")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Error.Code)
	assert.Empty(t, refresher.threads)
}

func TestRefreshThreadStoreFailure(t *testing.T) {
	srv, _ := newTestServer(t, &fakeStore{err: errors.New("database is locked")})

	rec := serve(srv, http.MethodPost, "/v1/threads/family/refresh")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "DATABASE_ERROR", decodeError(t, rec).Error.Code)
}

func TestRefreshRecipientDecodesPathParameter(t *testing.T) {
	srv, refresher := newTestServer(t, &fakeStore{})

	rec := serve(srv, http.MethodPost, "/v1/recipients/%2B15550001/refresh")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []core.RecipientID{"+15550001"}, refresher.recipients)
}

func TestIdentityEndpoint(t *testing.T) {
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv, _ := newTestServer(t, &fakeStore{
		identities: map[core.RecipientID]core.IdentityRecord{
			"+15550001": {
				RecipientID: "+15550001",
				Key:         "BQ==",
				Fingerprint: "abcd ef01",
				Source:      "profile",
				UpdatedAt:   updated,
			},
		},
	})

	rec := serve(srv, http.MethodGet, "/v1/recipients/+15550001/identity")
	require.Equal(t, http.StatusOK, rec.Code)

	var body handlers.IdentityResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, core.RecipientID("+15550001"), body.RecipientID)
	assert.Equal(t, "abcd ef01", body.Fingerprint)
	assert.Equal(t, "profile", body.Source)
	assert.True(t, updated.Equal(body.UpdatedAt))

	rec = serve(srv, http.MethodGet, "/v1/recipients/+15550009/identity")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProfileRoutesRequireDependencies(t *testing.T) {
	srv := New(Options{Host: "127.0.0.1"})

	rec := serve(srv, http.MethodPost, "/v1/recipients/+15550001/refresh")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewAppliesDefaultTimeouts(t *testing.T) {
	srv := New(Options{Host: "127.0.0.1", Port: 8080})

	assert.Equal(t, DefaultReadTimeout, srv.opts.ReadTimeout)
	assert.Equal(t, DefaultWriteTimeout, srv.opts.WriteTimeout)
	assert.Equal(t, DefaultIdleTimeout, srv.opts.IdleTimeout)
	assert.Equal(t, "127.0.0.1:8080", srv.Addr())
	assert.NoError(t, srv.Shutdown(context.Background()))
}
