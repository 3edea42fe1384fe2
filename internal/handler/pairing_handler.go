package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ItsYash1421/CloseUs-sub000/internal/models"
	appErrors "github.com/ItsYash1421/CloseUs-sub000/pkg/errors"
	"github.com/ItsYash1421/CloseUs-sub000/pkg/response"
)

type pairingService interface {
	CreatePairingKey(ctx context.Context, accountID string) (*models.Couple, error)
	RedeemPairingKey(ctx context.Context, accountID, rawKey string) (*models.RedeemPairingResponse, error)
	CheckPairingStatus(ctx context.Context, accountID string) (*models.PairingStatus, error)
}

// PairingHandler wires HTTP endpoints to the pairing service.
type PairingHandler struct {
	service pairingService
}

// NewPairingHandler creates a new handler.
func NewPairingHandler(svc pairingService) *PairingHandler {
	return &PairingHandler{service: svc}
}

// CreateKey godoc
// @Summary Issue a pairing key
// @Description Create (or re-read) the caller's pending pairing key
// @Tags Pairing
// @Produce json
// @Success 201 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /pairing/key [post]
func (h *PairingHandler) CreateKey(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	couple, err := h.service.CreatePairingKey(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if couple.PairingKey == nil || couple.PairingKeyExpires == nil {
		response.Error(c, appErrors.ErrInternal)
		return
	}

	res := models.PairingKeyResponse{
		PairingKey:        *couple.PairingKey,
		PairingKeyExpires: *couple.PairingKeyExpires,
	}
	response.Created(c, res)
}

// Redeem godoc
// @Summary Redeem a pairing key
// @Description Complete the couple using a partner's pairing key
// @Tags Pairing
// @Accept json
// @Produce json
// @Param payload body models.RedeemPairingRequest true "Redeem payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /pairing/redeem [post]
func (h *PairingHandler) Redeem(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req models.RedeemPairingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid redeem payload"))
		return
	}

	res, err := h.service.RedeemPairingKey(c.Request.Context(), claims.UserID, req.Key)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res, nil)
}

// Status godoc
// @Summary Get pairing status
// @Description Report whether the caller belongs to an active paired couple
// @Tags Pairing
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /pairing/status [get]
func (h *PairingHandler) Status(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	status, err := h.service.CheckPairingStatus(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, status, nil)
}
