package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ItsYash1421/CloseUs-sub000/internal/models"
)

type fakeAPI struct {
	mu            sync.Mutex
	refreshCalls  int32
	validAccess   string
	validRefresh  string
	alwaysReject  bool
	refreshBroken bool
	refreshGate   chan struct{}
	revokedTokens []string
}

func (f *fakeAPI) currentAccess() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validAccess
}

func (f *fakeAPI) revoked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revokedTokens...)
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.refreshCalls, 1)
		if f.refreshGate != nil {
			<-f.refreshGate
		}
		var req models.RefreshTokenRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		if f.refreshBroken || req.RefreshToken != f.validRefresh {
			f.mu.Unlock()
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{"code": "UNAUTHORIZED", "message": "refresh token is expired or revoked"},
			})
			return
		}
		f.validAccess = "fresh-access"
		f.validRefresh = "rotated-refresh"
		res := models.RefreshTokenResponse{AccessToken: f.validAccess, RefreshToken: f.validRefresh}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": res})
	})
	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+f.currentAccess() {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{"code": "UNAUTHORIZED", "message": "unauthorized"},
			})
			return
		}
		var req models.RefreshTokenRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.revokedTokens = append(f.revokedTokens, req.RefreshToken)
		if req.RefreshToken == f.validRefresh {
			f.validRefresh = ""
		}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]bool{"ok": true}})
	})
	mux.HandleFunc("/protected", func(w http.ResponseWriter, r *http.Request) {
		if f.alwaysReject || r.Header.Get("Authorization") != "Bearer "+f.currentAccess() {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{"code": "UNAUTHORIZED", "message": "unauthorized"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]bool{"ok": true}})
	})
	return mux
}

func newTestClient(t *testing.T, api *fakeAPI) (*Client, *MemoryTokenStore, func()) {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	tokens := NewMemoryTokenStore()
	c := New(Config{BaseURL: srv.URL}, tokens, nil)
	return c, tokens, srv.Close
}

func TestClientRefreshAndReplay(t *testing.T) {
	api := &fakeAPI{validAccess: "current-access", validRefresh: "current-refresh"}
	c, tokens, cleanup := newTestClient(t, api)
	defer cleanup()

	// Locally held access token is stale; the refresh token is still good.
	require.NoError(t, tokens.SetTokens("stale-access", "current-refresh"))

	status, _, err := c.Do(context.Background(), http.MethodGet, "/protected", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&api.refreshCalls))
	assert.Equal(t, "fresh-access", tokens.AccessToken())
	assert.Equal(t, "rotated-refresh", tokens.RefreshToken())
}

func TestClientConcurrentRequestsSingleRefresh(t *testing.T) {
	release := make(chan struct{})
	api := &fakeAPI{validAccess: "current-access", validRefresh: "current-refresh", refreshGate: release}
	c, tokens, cleanup := newTestClient(t, api)
	defer cleanup()

	require.NoError(t, tokens.SetTokens("stale-access", "current-refresh"))

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	run := func() {
		defer wg.Done()
		status, _, err := c.Do(context.Background(), http.MethodGet, "/protected", nil)
		if err == nil && status != http.StatusOK {
			err = assert.AnError
		}
		errs <- err
	}

	// First request gets the 401 and starts the refresh, which the server
	// holds open until released.
	wg.Add(1)
	go run()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&api.refreshCalls) == 1
	}, time.Second, time.Millisecond)

	// The rest hit the same stale token and queue behind the in-flight refresh.
	for i := 1; i < n; i++ {
		wg.Add(1)
		go run()
	}
	require.Eventually(t, func() bool {
		c.coordinator.mu.Lock()
		defer c.coordinator.mu.Unlock()
		return len(c.coordinator.waiters) == n-1
	}, time.Second, time.Millisecond)
	close(release)

	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&api.refreshCalls))
	assert.Equal(t, "fresh-access", tokens.AccessToken())
}

func TestClientNoSecondReplay(t *testing.T) {
	api := &fakeAPI{validAccess: "current-access", validRefresh: "current-refresh", alwaysReject: true}
	c, tokens, cleanup := newTestClient(t, api)
	defer cleanup()

	require.NoError(t, tokens.SetTokens("stale-access", "current-refresh"))

	_, _, err := c.Do(context.Background(), http.MethodGet, "/protected", nil)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(1), atomic.LoadInt32(&api.refreshCalls))
}

func TestClientSessionExpiredOnRefreshFailure(t *testing.T) {
	api := &fakeAPI{validAccess: "current-access", validRefresh: "current-refresh", refreshBroken: true}
	c, tokens, cleanup := newTestClient(t, api)
	defer cleanup()

	require.NoError(t, tokens.SetTokens("stale-access", "current-refresh"))

	_, _, err := c.Do(context.Background(), http.MethodGet, "/protected", nil)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Empty(t, tokens.AccessToken())
	assert.Empty(t, tokens.RefreshToken())
}

func TestClientLogoutRevokesAndClears(t *testing.T) {
	api := &fakeAPI{validAccess: "current-access", validRefresh: "current-refresh"}
	c, tokens, cleanup := newTestClient(t, api)
	defer cleanup()

	require.NoError(t, tokens.SetTokens("current-access", "current-refresh"))

	require.NoError(t, c.Logout(context.Background()))
	assert.Equal(t, []string{"current-refresh"}, api.revoked())
	assert.Empty(t, tokens.AccessToken())
	assert.Empty(t, tokens.RefreshToken())
}

func TestClientLogoutRevokesRotatedTokenAfterRefresh(t *testing.T) {
	api := &fakeAPI{validAccess: "current-access", validRefresh: "current-refresh"}
	c, tokens, cleanup := newTestClient(t, api)
	defer cleanup()

	// Stale access token: logout gets a 401, refreshes, and replays. The
	// refresh rotated the pair, so the replay must revoke the rotated refresh
	// token, not the one the server already retired.
	require.NoError(t, tokens.SetTokens("stale-access", "current-refresh"))

	require.NoError(t, c.Logout(context.Background()))
	assert.Equal(t, []string{"rotated-refresh"}, api.revoked())

	api.mu.Lock()
	remaining := api.validRefresh
	api.mu.Unlock()
	assert.Empty(t, remaining, "rotated refresh token still usable server-side")
	assert.Empty(t, tokens.AccessToken())
	assert.Empty(t, tokens.RefreshToken())
}

func TestClientLoginStoresTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/login", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": models.LoginResponse{
				AccessToken:  "access-1",
				RefreshToken: "refresh-1",
				User:         models.UserInfo{ID: "u1", Email: "a@example.com"},
			},
		})
	}))
	defer srv.Close()

	tokens := NewMemoryTokenStore()
	c := New(Config{BaseURL: srv.URL}, tokens, nil)

	res, err := c.Login(context.Background(), "a@example.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "u1", res.User.ID)
	assert.Equal(t, "access-1", tokens.AccessToken())
	assert.Equal(t, "refresh-1", tokens.RefreshToken())
}

func TestClientSurfacesDomainErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"code": "ALREADY_PAIRED", "message": "account already belongs to a couple"},
		})
	}))
	defer srv.Close()

	tokens := NewMemoryTokenStore()
	require.NoError(t, tokens.SetTokens("access", "refresh"))
	c := New(Config{BaseURL: srv.URL}, tokens, nil)

	_, err := c.CreatePairingKey(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "ALREADY_PAIRED", apiErr.Code)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
}
