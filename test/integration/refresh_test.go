package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywatch/keywatch/internal/config"
	"github.com/keywatch/keywatch/internal/core"
	"github.com/keywatch/keywatch/internal/core/engine"
	"github.com/keywatch/keywatch/internal/core/fetcher"
	"github.com/keywatch/keywatch/internal/core/profile"
	"github.com/keywatch/keywatch/internal/core/store"
	"github.com/keywatch/keywatch/internal/metrics"
	"github.com/keywatch/keywatch/internal/server"
	"github.com/keywatch/keywatch/internal/server/handlers"
)

// profileService serves identity keys and lets tests rotate them.
type profileService struct {
	mu       sync.Mutex
	keys     map[string]core.IdentityKey
	requests map[string]int
}

func newProfileService() *profileService {
	return &profileService{
		keys:     make(map[string]core.IdentityKey),
		requests: make(map[string]int),
	}
}

func (p *profileService) set(id string, key core.IdentityKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[id] = key
}

func (p *profileService) count(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[id]
}

func (p *profileService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(strings.TrimPrefix(r.URL.EscapedPath(), "/v1/profile/"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.requests[id]++
	key, ok := p.keys[id]
	p.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"identityKey":"` + profile.EncodeIdentityKey(key) + `"}`))
}

func key(seed byte) core.IdentityKey {
	var k core.IdentityKey
	for i := range k {
		k[i] = seed + byte(i)
	}
	return k
}

type stack struct {
	db          *store.Store
	coordinator *engine.Coordinator
	queue       *engine.SerialQueue
	api         *httptest.Server
	client      *http.Client
}

func newStack(t *testing.T, profiles *profileService, window time.Duration) *stack {
	t.Helper()
	ctx := context.Background()

	upstream := httptest.NewServer(profiles)
	t.Cleanup(upstream.Close)

	db, err := store.Open(ctx, config.StoreConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))
	t.Cleanup(func() { _ = db.Close() })

	throttle := engine.NewFetchThrottle(window)
	throttle.Store = db
	require.NoError(t, throttle.Load(ctx))

	queue := engine.NewSerialQueue()
	coordinator := &engine.Coordinator{
		Source: &fetcher.ProfileClient{
			BaseURL: upstream.URL,
			Client:  upstream.Client(),
			Limiter: &engine.HostLimiter{Store: db},
		},
		Throttle:    throttle,
		Reconciler:  &engine.Reconciler{Store: db, Queue: queue},
		MaxAttempts: engine.DefaultMaxAttempts,
		OnComplete:  metrics.RecordProfileFetch,
	}
	t.Cleanup(func() {
		coordinator.Wait()
		queue.Close()
	})

	handlers.InitHealthManager("test")
	api, client := newTestServer(t, server.Options{Refresher: coordinator, Store: db})

	return &stack{db: db, coordinator: coordinator, queue: queue, api: api, client: client}
}

func (s *stack) post(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := s.client.Post(s.api.URL+path, "application/json", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *stack) identity(t *testing.T, recipient string) (int, handlers.IdentityResponse) {
	t.Helper()
	resp, err := s.client.Get(s.api.URL + "/v1/recipients/" + url.PathEscape(recipient) + "/identity")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	var body handlers.IdentityResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp.StatusCode, body
}

func TestRefreshRecipient_FirstUseStoresNothing(t *testing.T) {
	initServerLogger()
	ctx := context.Background()
	profiles := newProfileService()
	profiles.set("+15550001", key(1))
	s := newStack(t, profiles, 5*time.Minute)

	resp := s.post(t, "/v1/recipients/%2B15550001/refresh")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	s.coordinator.Wait()

	assert.Equal(t, 1, profiles.count("+15550001"))
	code, _ := s.identity(t, "+15550001")
	assert.Equal(t, http.StatusNotFound, code)

	stored, err := s.db.CurrentIdentityKey(ctx, "+15550001")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestRefreshRecipient_ReplacesIdentityKey(t *testing.T) {
	initServerLogger()
	ctx := context.Background()
	profiles := newProfileService()
	profiles.set("+15550001", key(1))
	s := newStack(t, profiles, 5*time.Minute)

	_, err := s.db.SetIdentityKey(ctx, "+15550001", key(200))
	require.NoError(t, err)

	resp := s.post(t, "/v1/recipients/%2B15550001/refresh")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	s.coordinator.Wait()

	code, body := s.identity(t, "+15550001")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, core.RecipientID("+15550001"), body.RecipientID)
	assert.Equal(t, key(1).Fingerprint(), body.Fingerprint)

	// Inside the throttle window the second refresh never reaches upstream.
	profiles.set("+15550001", key(2))
	s.post(t, "/v1/recipients/%2B15550001/refresh")
	s.coordinator.Wait()
	assert.Equal(t, 1, profiles.count("+15550001"))

	stored, err := s.db.CurrentIdentityKey(ctx, "+15550001")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, key(1), *stored)
}

func TestRefreshThread_ArchivesSessionsOnKeyChange(t *testing.T) {
	initServerLogger()
	ctx := context.Background()
	profiles := newProfileService()
	profiles.set("+15550001", key(1))
	profiles.set("+15550002", key(50))
	s := newStack(t, profiles, 0)

	require.NoError(t, s.db.SaveThread(ctx, core.Thread{
		ID:         "group-1",
		Recipients: []core.RecipientID{"+15550001", "+15550002"},
	}))
	_, err := s.db.SetIdentityKey(ctx, "+15550001", key(1))
	require.NoError(t, err)
	_, err = s.db.SetIdentityKey(ctx, "+15550002", key(50))
	require.NoError(t, err)

	_, err = s.db.CreateSession(ctx, "+15550001", 1)
	require.NoError(t, err)
	_, err = s.db.CreateSession(ctx, "+15550002", 1)
	require.NoError(t, err)

	// Unchanged keys leave sessions alone.
	resp := s.post(t, "/v1/threads/group-1/refresh")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	s.coordinator.Wait()

	active, err := s.db.ListSessions(ctx, "+15550001", false)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	profiles.set("+15550001", key(9))
	s.post(t, "/v1/threads/group-1/refresh")
	s.coordinator.Wait()

	assert.Equal(t, 2, profiles.count("+15550001"))
	assert.Equal(t, 2, profiles.count("+15550002"))

	active, err = s.db.ListSessions(ctx, "+15550001", false)
	require.NoError(t, err)
	assert.Empty(t, active, "sessions under the replaced key are archived")

	active, err = s.db.ListSessions(ctx, "+15550002", false)
	require.NoError(t, err)
	assert.Len(t, active, 1, "unchanged key keeps its sessions")

	stored, err := s.db.CurrentIdentityKey(ctx, "+15550001")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, key(9), *stored)

	history, err := s.db.IdentityHistory(ctx, "+15550001")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, key(1).Fingerprint(), history[0].OldFingerprint)
	assert.Equal(t, key(9).Fingerprint(), history[0].NewFingerprint)

	resp = s.post(t, "/v1/threads/missing/refresh")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
