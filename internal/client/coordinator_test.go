package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinatorSingleFlight(t *testing.T) {
	tokens := NewMemoryTokenStore()
	require.NoError(t, tokens.SetTokens("stale", "refresh-1"))

	var calls int32
	release := make(chan struct{})
	refresh := func(ctx context.Context, refreshToken string) (string, string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "fresh", "refresh-2", nil
	}
	coordinator := NewRefreshCoordinator(tokens, refresh, nil)

	const n = 20
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- coordinator.AwaitFreshToken(context.Background())
		}()
	}

	// Wait until everyone but the leader is registered before settling.
	require.Eventually(t, func() bool {
		coordinator.mu.Lock()
		defer coordinator.mu.Unlock()
		return len(coordinator.waiters) == n-1
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for err := range results {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, "fresh", tokens.AccessToken())
	assert.Equal(t, "refresh-2", tokens.RefreshToken())
}

func TestCoordinatorFailClosed(t *testing.T) {
	tokens := NewMemoryTokenStore()
	require.NoError(t, tokens.SetTokens("stale", "refresh-1"))

	refresh := func(ctx context.Context, refreshToken string) (string, string, error) {
		return "", "", errors.New("boom")
	}
	coordinator := NewRefreshCoordinator(tokens, refresh, nil)

	const n = 5
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- coordinator.AwaitFreshToken(context.Background())
		}()
	}
	wg.Wait()
	close(results)

	// Everyone fails the same way; nobody proceeds with a stale token.
	for err := range results {
		assert.ErrorIs(t, err, ErrSessionExpired)
	}
	assert.Empty(t, tokens.AccessToken())
	assert.Empty(t, tokens.RefreshToken())
}

func TestCoordinatorMissingRefreshToken(t *testing.T) {
	tokens := NewMemoryTokenStore()
	coordinator := NewRefreshCoordinator(tokens, func(ctx context.Context, refreshToken string) (string, string, error) {
		t.Fatal("refresh must not be called without a refresh token")
		return "", "", nil
	}, nil)

	err := coordinator.AwaitFreshToken(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestCoordinatorAbandonedWaiter(t *testing.T) {
	tokens := NewMemoryTokenStore()
	require.NoError(t, tokens.SetTokens("stale", "refresh-1"))

	leaderStarted := make(chan struct{})
	release := make(chan struct{})
	refresh := func(ctx context.Context, refreshToken string) (string, string, error) {
		close(leaderStarted)
		<-release
		return "fresh", "refresh-2", nil
	}
	coordinator := NewRefreshCoordinator(tokens, refresh, nil)

	leaderDone := make(chan error, 1)
	go func() {
		leaderDone <- coordinator.AwaitFreshToken(context.Background())
	}()
	<-leaderStarted

	// A waiter whose ctx dies mid-refresh is discarded, not resumed.
	ctx, cancel := context.WithCancel(context.Background())
	waiterDone := make(chan error, 1)
	go func() {
		waiterDone <- coordinator.AwaitFreshToken(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-waiterDone
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	assert.NoError(t, <-leaderDone)
	assert.Equal(t, "fresh", tokens.AccessToken())
}

func TestCoordinatorSequentialCycles(t *testing.T) {
	tokens := NewMemoryTokenStore()
	require.NoError(t, tokens.SetTokens("stale", "refresh-1"))

	var calls int32
	refresh := func(ctx context.Context, refreshToken string) (string, string, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			assert.Equal(t, "refresh-1", refreshToken)
			return "fresh-1", "refresh-2", nil
		}
		assert.Equal(t, "refresh-2", refreshToken)
		return "fresh-2", "refresh-3", nil
	}
	coordinator := NewRefreshCoordinator(tokens, refresh, nil)

	require.NoError(t, coordinator.AwaitFreshToken(context.Background()))
	assert.Equal(t, "fresh-1", tokens.AccessToken())

	// The coordinator returns to idle; a later expiry starts a new cycle.
	require.NoError(t, coordinator.AwaitFreshToken(context.Background()))
	assert.Equal(t, "fresh-2", tokens.AccessToken())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
