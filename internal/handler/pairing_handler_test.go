package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ItsYash1421/CloseUs-sub000/internal/middleware"
	"github.com/ItsYash1421/CloseUs-sub000/internal/models"
	appErrors "github.com/ItsYash1421/CloseUs-sub000/pkg/errors"
)

type pairingServiceMock struct {
	createResp   *models.Couple
	createErr    error
	redeemResp   *models.RedeemPairingResponse
	redeemErr    error
	statusResp   *models.PairingStatus
	statusErr    error
	redeemedKey  string
	createCalled bool
	redeemCalled bool
}

func (m *pairingServiceMock) CreatePairingKey(_ context.Context, _ string) (*models.Couple, error) {
	m.createCalled = true
	return m.createResp, m.createErr
}

func (m *pairingServiceMock) RedeemPairingKey(_ context.Context, _ string, rawKey string) (*models.RedeemPairingResponse, error) {
	m.redeemCalled = true
	m.redeemedKey = rawKey
	return m.redeemResp, m.redeemErr
}

func (m *pairingServiceMock) CheckPairingStatus(_ context.Context, _ string) (*models.PairingStatus, error) {
	return m.statusResp, m.statusErr
}

func pairingTestContext(t *testing.T, method, target string, body []byte, authed bool) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var reader *bytes.Buffer
	if body != nil {
		reader = bytes.NewBuffer(body)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequest(method, target, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	if authed {
		c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "u1", Email: "ana@example.com"})
	}
	return c, w
}

func TestPairingHandlerCreateKey(t *testing.T) {
	key := "ABC234"
	expires := time.Now().UTC().Add(24 * time.Hour)
	mockSvc := &pairingServiceMock{
		createResp: &models.Couple{ID: "c1", Partner1ID: "u1", PairingKey: &key, PairingKeyExpires: &expires},
	}
	handler := NewPairingHandler(mockSvc)

	c, w := pairingTestContext(t, http.MethodPost, "/pairing/key", nil, true)
	handler.CreateKey(c)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, mockSvc.createCalled)

	var envelope struct {
		Data models.PairingKeyResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "ABC234", envelope.Data.PairingKey)
}

func TestPairingHandlerCreateKeyRequiresAuth(t *testing.T) {
	mockSvc := &pairingServiceMock{}
	handler := NewPairingHandler(mockSvc)

	c, w := pairingTestContext(t, http.MethodPost, "/pairing/key", nil, false)
	handler.CreateKey(c)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, mockSvc.createCalled)
}

func TestPairingHandlerRedeem(t *testing.T) {
	mockSvc := &pairingServiceMock{
		redeemResp: &models.RedeemPairingResponse{CoupleTag: "Ana & Ben", Couple: &models.Couple{ID: "c1", IsPaired: true}},
	}
	handler := NewPairingHandler(mockSvc)

	c, w := pairingTestContext(t, http.MethodPost, "/pairing/redeem", []byte(`{"key":"abc234"}`), true)
	handler.Redeem(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, mockSvc.redeemCalled)
	assert.Equal(t, "abc234", mockSvc.redeemedKey)
}

func TestPairingHandlerRedeemInvalidBody(t *testing.T) {
	mockSvc := &pairingServiceMock{}
	handler := NewPairingHandler(mockSvc)

	c, w := pairingTestContext(t, http.MethodPost, "/pairing/redeem", []byte(`{"key":`), true)
	handler.Redeem(c)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, mockSvc.redeemCalled)
}

func TestPairingHandlerRedeemServiceError(t *testing.T) {
	mockSvc := &pairingServiceMock{redeemErr: appErrors.ErrInvalidOrExpiredKey}
	handler := NewPairingHandler(mockSvc)

	c, w := pairingTestContext(t, http.MethodPost, "/pairing/redeem", []byte(`{"key":"GONE11"}`), true)
	handler.Redeem(c)

	require.Equal(t, http.StatusNotFound, w.Code)

	var envelope struct {
		Error *appErrors.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, appErrors.ErrInvalidOrExpiredKey.Code, envelope.Error.Code)
}

func TestPairingHandlerStatus(t *testing.T) {
	mockSvc := &pairingServiceMock{
		statusResp: &models.PairingStatus{IsPaired: true, Couple: &models.Couple{ID: "c1", IsPaired: true}},
	}
	handler := NewPairingHandler(mockSvc)

	c, w := pairingTestContext(t, http.MethodGet, "/pairing/status", nil, true)
	handler.Status(c)

	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data models.PairingStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.True(t, envelope.Data.IsPaired)
	require.NotNil(t, envelope.Data.Couple)
	assert.Equal(t, "c1", envelope.Data.Couple.ID)
}
