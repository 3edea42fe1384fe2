package client

import (
	"context"
	"errors"
	"net/http"

	"github.com/ItsYash1421/CloseUs-sub000/internal/dto"
	"github.com/ItsYash1421/CloseUs-sub000/internal/models"
)

// Register creates a new account. Does not log the account in.
func (c *Client) Register(ctx context.Context, req models.RegisterRequest) (*models.UserInfo, error) {
	payload, err := encodeBody(req)
	if err != nil {
		return nil, err
	}
	status, body, err := c.send(ctx, http.MethodPost, "/auth/register", payload, "")
	if err != nil {
		return nil, err
	}
	var info models.UserInfo
	if err := decodeEnvelope(status, body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Login authenticates and stores the issued token pair.
func (c *Client) Login(ctx context.Context, email, password string) (*models.LoginResponse, error) {
	payload, err := encodeBody(models.LoginRequest{Email: email, Password: password})
	if err != nil {
		return nil, err
	}
	status, body, err := c.send(ctx, http.MethodPost, "/auth/login", payload, "")
	if err != nil {
		return nil, err
	}
	var res models.LoginResponse
	if err := decodeEnvelope(status, body, &res); err != nil {
		return nil, err
	}
	if err := c.tokens.SetTokens(res.AccessToken, res.RefreshToken); err != nil {
		return nil, err
	}
	return &res, nil
}

// Logout revokes the stored refresh token server-side and clears the session.
// The request body carries the refresh token, and a coordinated refresh
// rotates it, so the replay rebuilds the body from the store instead of going
// through Do, which encodes the body once up front.
func (c *Client) Logout(ctx context.Context) error {
	err := c.revokeRefreshToken(ctx)
	if err != nil && !errors.Is(err, ErrSessionExpired) {
		return err
	}
	return c.tokens.Clear()
}

func (c *Client) revokeRefreshToken(ctx context.Context) error {
	refreshToken := c.tokens.RefreshToken()
	if refreshToken == "" {
		return nil
	}
	payload, err := encodeBody(models.RefreshTokenRequest{RefreshToken: refreshToken})
	if err != nil {
		return err
	}
	status, body, err := c.send(ctx, http.MethodPost, "/auth/logout", payload, c.tokens.AccessToken())
	if err != nil {
		return err
	}
	if status != http.StatusUnauthorized {
		return decodeEnvelope(status, body, nil)
	}

	if err := c.coordinator.AwaitFreshToken(ctx); err != nil {
		return err
	}
	// The refresh rotated the pair; revoke the token we now hold, not the one
	// the server already retired.
	payload, err = encodeBody(models.RefreshTokenRequest{RefreshToken: c.tokens.RefreshToken()})
	if err != nil {
		return err
	}
	status, body, err = c.send(ctx, http.MethodPost, "/auth/logout", payload, c.tokens.AccessToken())
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		return ErrSessionExpired
	}
	return decodeEnvelope(status, body, nil)
}

// Me returns the authenticated user's info.
func (c *Client) Me(ctx context.Context) (*models.UserInfo, error) {
	status, body, err := c.Do(ctx, http.MethodGet, "/auth/me", nil)
	if err != nil {
		return nil, err
	}
	var info models.UserInfo
	if err := decodeEnvelope(status, body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CreatePairingKey requests (or re-reads) the caller's pending pairing key.
func (c *Client) CreatePairingKey(ctx context.Context) (*models.PairingKeyResponse, error) {
	status, body, err := c.Do(ctx, http.MethodPost, "/pairing/key", nil)
	if err != nil {
		return nil, err
	}
	var res models.PairingKeyResponse
	if err := decodeEnvelope(status, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RedeemPairingKey completes the couple using a partner's key.
func (c *Client) RedeemPairingKey(ctx context.Context, key string) (*models.RedeemPairingResponse, error) {
	status, body, err := c.Do(ctx, http.MethodPost, "/pairing/redeem", models.RedeemPairingRequest{Key: key})
	if err != nil {
		return nil, err
	}
	var res models.RedeemPairingResponse
	if err := decodeEnvelope(status, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PairingStatus reports whether the caller is paired.
func (c *Client) PairingStatus(ctx context.Context) (*models.PairingStatus, error) {
	status, body, err := c.Do(ctx, http.MethodGet, "/pairing/status", nil)
	if err != nil {
		return nil, err
	}
	var res models.PairingStatus
	if err := decodeEnvelope(status, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RequestExport queues an asynchronous export job.
func (c *Client) RequestExport(ctx context.Context, req dto.ExportRequest) (*dto.ExportJobResponse, error) {
	status, body, err := c.Do(ctx, http.MethodPost, "/exports", req)
	if err != nil {
		return nil, err
	}
	var res dto.ExportJobResponse
	if err := decodeEnvelope(status, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ExportStatus polls an export job.
func (c *Client) ExportStatus(ctx context.Context, jobID string) (*dto.ExportStatusResponse, error) {
	status, body, err := c.Do(ctx, http.MethodGet, "/exports/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	var res dto.ExportStatusResponse
	if err := decodeEnvelope(status, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
