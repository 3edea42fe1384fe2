package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrSessionExpired signals that the session could not be renewed. Both tokens
// have already been cleared when this error is returned; the caller must
// re-authenticate.
var ErrSessionExpired = errors.New("session expired")

// RefreshFunc exchanges a refresh token for a new token pair.
type RefreshFunc func(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, err error)

// RefreshCoordinator serializes token renewal: however many requests observe
// an expired access token at once, exactly one refresh call goes out. All
// other requests suspend as waiters and are resumed, in registration order,
// once that single refresh settles.
type RefreshCoordinator struct {
	mu         sync.Mutex
	refreshing bool
	waiters    []chan error

	tokens  TokenStore
	refresh RefreshFunc
	logger  *zap.Logger
}

// NewRefreshCoordinator builds a coordinator around the given token store and
// refresh call.
func NewRefreshCoordinator(tokens TokenStore, refresh RefreshFunc, logger *zap.Logger) *RefreshCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefreshCoordinator{tokens: tokens, refresh: refresh, logger: logger}
}

// AwaitFreshToken blocks until a usable access token is available or the
// session is declared expired. The first caller to arrive becomes the leader
// and performs the refresh; everyone else waits for the leader's outcome.
//
// A waiter whose ctx is cancelled before the refresh settles is abandoned: it
// returns the ctx error and is never resumed. The leader is not cancellable
// mid-refresh by a waiter's ctx; it runs the refresh to completion so the
// shared outcome is always well defined.
func (c *RefreshCoordinator) AwaitFreshToken(ctx context.Context) error {
	c.mu.Lock()
	if c.refreshing {
		// Buffered so the leader's broadcast never blocks on a waiter
		// that already gave up.
		ch := make(chan error, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()

		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.refreshing = true
	c.mu.Unlock()

	err := c.doRefresh(ctx)

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.refreshing = false
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
	return err
}

// doRefresh performs the one-shot refresh. Any failure, including network
// errors, fails closed: both tokens are cleared and ErrSessionExpired is
// returned so no waiter retries with stale credentials.
func (c *RefreshCoordinator) doRefresh(ctx context.Context) error {
	refreshToken := c.tokens.RefreshToken()
	if refreshToken == "" {
		_ = c.tokens.Clear()
		return ErrSessionExpired
	}

	access, rotated, err := c.refresh(ctx, refreshToken)
	if err != nil {
		c.logger.Warn("token refresh failed", zap.Error(err))
		if clearErr := c.tokens.Clear(); clearErr != nil {
			c.logger.Error("failed to clear tokens", zap.Error(clearErr))
		}
		return fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	if err := c.tokens.SetTokens(access, rotated); err != nil {
		return fmt.Errorf("store refreshed tokens: %w", err)
	}
	c.logger.Debug("access token refreshed")
	return nil
}
