package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ItsYash1421/CloseUs-sub000/internal/models"
)

// Config holds client construction options.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// APIError is a decoded server-side error payload.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *APIError       `json:"error"`
}

// Client is an HTTP client for the API that makes access-token expiry
// invisible to feature code. Every authenticated request attaches the current
// access token; a 401 triggers one coordinated refresh followed by a single
// replay of the original request.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokens      TokenStore
	coordinator *RefreshCoordinator
	logger      *zap.Logger
}

// New constructs a client around the given token store.
func New(cfg Config, tokens TokenStore, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tokens:     tokens,
		logger:     logger,
	}
	c.coordinator = NewRefreshCoordinator(tokens, c.refreshTokens, logger)
	return c
}

// Do issues an authenticated request. On a 401 it coordinates a single token
// refresh and replays the request exactly once; a 401 that survives the
// replay is terminal and surfaces as ErrSessionExpired.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return 0, nil, err
	}

	status, respBody, err := c.send(ctx, method, path, payload, c.tokens.AccessToken())
	if err != nil {
		return 0, nil, err
	}
	if status != http.StatusUnauthorized {
		return status, respBody, nil
	}

	if err := c.coordinator.AwaitFreshToken(ctx); err != nil {
		return 0, nil, err
	}

	status, respBody, err = c.send(ctx, method, path, payload, c.tokens.AccessToken())
	if err != nil {
		return 0, nil, err
	}
	if status == http.StatusUnauthorized {
		// Already replayed once; do not loop.
		return 0, nil, ErrSessionExpired
	}
	return status, respBody, nil
}

// send issues a single HTTP round trip with the given token attached.
func (c *Client) send(ctx context.Context, method, path string, payload []byte, token string) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// refreshTokens is the coordinator's refresh call: a direct, unauthenticated
// exchange of the refresh token for a rotated pair.
func (c *Client) refreshTokens(ctx context.Context, refreshToken string) (string, string, error) {
	payload, err := encodeBody(models.RefreshTokenRequest{RefreshToken: refreshToken})
	if err != nil {
		return "", "", err
	}
	status, body, err := c.send(ctx, http.MethodPost, "/auth/refresh", payload, "")
	if err != nil {
		return "", "", err
	}
	var res models.RefreshTokenResponse
	if err := decodeEnvelope(status, body, &res); err != nil {
		return "", "", err
	}
	return res.AccessToken, res.RefreshToken, nil
}

func encodeBody(body interface{}) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return payload, nil
}

// decodeEnvelope unwraps the common response envelope, surfacing server
// errors as *APIError and decoding the data payload into dest when non-nil.
func decodeEnvelope(status int, body []byte, dest interface{}) error {
	var env envelope
	if len(body) > 0 {
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	if env.Error != nil {
		env.Error.Status = status
		return env.Error
	}
	if status >= http.StatusBadRequest {
		return &APIError{Code: "HTTP_ERROR", Message: http.StatusText(status), Status: status}
	}
	if dest != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, dest); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}
