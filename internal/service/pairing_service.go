package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ItsYash1421/CloseUs-sub000/internal/models"
	"github.com/ItsYash1421/CloseUs-sub000/internal/repository"
	appErrors "github.com/ItsYash1421/CloseUs-sub000/pkg/errors"
)

type pairingCoupleStore interface {
	Create(ctx context.Context, couple *models.Couple) error
	FindActiveByAccount(ctx context.Context, accountID string) (*models.Couple, error)
	FindPendingByKey(ctx context.Context, key string) (*models.Couple, error)
	KeyInUse(ctx context.Context, key string) (bool, error)
	CompletePairing(ctx context.Context, coupleID, partner2ID, coupleTag string, startDate time.Time) (bool, error)
	DeactivatePending(ctx context.Context, coupleID string) (bool, error)
	DeactivateExpiredPending(ctx context.Context, cutoff time.Time) (int64, error)
}

type pairingUserStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	SetCoupleID(ctx context.Context, userID, coupleID string) error
}

// KeyGenerator draws a random candidate pairing key of the given length.
// Injected so tests can force collisions without a real store.
type KeyGenerator func(length int) (string, error)

// Pairing keys are shared between partners out-of-band (read aloud, typed on
// a phone), so the alphabet drops the characters people misread: I, O, 0, 1.
// Exactly 32 symbols keeps the byte-masking draw unbiased.
const keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// DefaultKeyGenerator draws keys from crypto/rand.
func DefaultKeyGenerator(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("draw pairing key: %w", err)
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = keyAlphabet[int(b)&31]
	}
	return string(out), nil
}

// PairingConfig defines configuration for the pairing handshake.
type PairingConfig struct {
	KeyLength      int
	KeyTTL         time.Duration
	MaxKeyAttempts int
	StatusCacheTTL time.Duration
}

// PairingService mediates the handshake that converts two independent
// accounts into one couple.
type PairingService struct {
	couples pairingCoupleStore
	users   pairingUserStore
	cache   *CacheService
	metrics *MetricsService
	keyGen  KeyGenerator
	logger  *zap.Logger
	config  PairingConfig
}

// NewPairingService constructs a PairingService instance.
func NewPairingService(couples pairingCoupleStore, users pairingUserStore, cache *CacheService, metrics *MetricsService, keyGen KeyGenerator, logger *zap.Logger, config PairingConfig) *PairingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyGen == nil {
		keyGen = DefaultKeyGenerator
	}
	if config.KeyLength <= 0 {
		config.KeyLength = 6
	}
	if config.KeyTTL <= 0 {
		config.KeyTTL = 24 * time.Hour
	}
	if config.MaxKeyAttempts <= 0 {
		config.MaxKeyAttempts = 5
	}
	return &PairingService{
		couples: couples,
		users:   users,
		cache:   cache,
		metrics: metrics,
		keyGen:  keyGen,
		logger:  logger,
		config:  config,
	}
}

// CreatePairingKey issues a single-use pairing key for the account. A still
// pending request is returned unchanged, so repeated calls are idempotent.
func (s *PairingService) CreatePairingKey(ctx context.Context, accountID string) (*models.Couple, error) {
	if _, err := s.users.FindByID(ctx, accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "account not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load account")
	}

	existing, err := s.couples.FindActiveByAccount(ctx, accountID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up couple")
	}
	if existing != nil {
		if existing.IsPaired {
			return nil, appErrors.ErrAlreadyPaired
		}
		return existing, nil
	}

	couple, err := s.createWithFreshKey(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordPairingKeyIssued()
	}
	return couple, nil
}

// createWithFreshKey runs the generate-check-insert loop. The pre-insert
// KeyInUse check catches most collisions cheaply; the unique-violation path
// covers two generators drawing the same key before either row lands.
func (s *PairingService) createWithFreshKey(ctx context.Context, accountID string) (*models.Couple, error) {
	for attempt := 0; attempt < s.config.MaxKeyAttempts; attempt++ {
		key, err := s.keyGen(s.config.KeyLength)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate pairing key")
		}
		key = strings.ToUpper(key)

		inUse, err := s.couples.KeyInUse(ctx, key)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check pairing key")
		}
		if inUse {
			continue
		}

		expires := time.Now().UTC().Add(s.config.KeyTTL)
		couple := &models.Couple{
			Partner1ID:        accountID,
			PairingKey:        &key,
			PairingKeyExpires: &expires,
			IsPaired:          false,
			IsActive:          true,
		}
		if err := s.couples.Create(ctx, couple); err != nil {
			if errors.Is(err, repository.ErrDuplicatePairingKey) {
				s.logger.Debug("pairing key collided at insert, retrying", zap.Int("attempt", attempt+1))
				continue
			}
			if errors.Is(err, repository.ErrDuplicatePendingCouple) {
				// A concurrent request for the same account landed first;
				// return its row for the same idempotency as re-issue.
				return s.pendingForAccount(ctx, accountID)
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create couple")
		}
		return couple, nil
	}
	return nil, appErrors.ErrKeyGenerationExhausted
}

// pendingForAccount re-reads the couple a lost insert race left behind.
func (s *PairingService) pendingForAccount(ctx context.Context, accountID string) (*models.Couple, error) {
	existing, err := s.couples.FindActiveByAccount(ctx, accountID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up couple")
	}
	if existing.IsPaired {
		return nil, appErrors.ErrAlreadyPaired
	}
	return existing, nil
}

// RedeemPairingKey finalizes a pending couple on behalf of the second
// partner. The pairing write is conditional on the row still being unpaired,
// so a concurrent redeemer loses cleanly with InvalidOrExpiredKey.
func (s *PairingService) RedeemPairingKey(ctx context.Context, accountID, rawKey string) (*models.RedeemPairingResponse, error) {
	key := strings.ToUpper(strings.TrimSpace(rawKey))
	if key == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "pairing key is required")
	}

	couple, err := s.couples.FindPendingByKey(ctx, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrInvalidOrExpiredKey
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up pairing key")
	}

	now := time.Now().UTC()
	if couple.PairingKeyExpires == nil || now.After(*couple.PairingKeyExpires) {
		return nil, appErrors.ErrInvalidOrExpiredKey
	}
	if couple.Partner1ID == accountID {
		return nil, appErrors.ErrSelfPairingNotAllowed
	}

	// At most one active couple per account: a paired redeemer is rejected,
	// and a redeemer's own pending key is retired before joining the other
	// couple, so it cannot be redeemed by a third party afterwards.
	existing, err := s.couples.FindActiveByAccount(ctx, accountID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up couple")
	}
	if existing != nil {
		if existing.IsPaired {
			return nil, appErrors.ErrAlreadyPaired
		}
		retired, err := s.couples.DeactivatePending(ctx, existing.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to retire pending couple")
		}
		if !retired {
			// The pending row got paired out from under us.
			return nil, appErrors.ErrAlreadyPaired
		}
		s.logger.Info("retired redeemer's pending couple",
			zap.String("account_id", accountID),
			zap.String("couple_id", existing.ID),
		)
	}

	partner1, err := s.users.FindByID(ctx, couple.Partner1ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "partner account not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load partner account")
	}
	partner2, err := s.users.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "account not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load account")
	}

	coupleTag := deriveCoupleTag(partner1, partner2)
	startDate := earliestAnniversary(partner1, partner2, now)

	won, err := s.couples.CompletePairing(ctx, couple.ID, accountID, coupleTag, startDate)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to complete pairing")
	}
	if !won {
		// Another redeemer finished first.
		return nil, appErrors.ErrInvalidOrExpiredKey
	}

	// The account updates below are not atomic with the couple write above.
	// A crash in between leaves a paired couple with an unlinked account;
	// writing partner1 first bounds the damage to a single missing link.
	if err := s.users.SetCoupleID(ctx, couple.Partner1ID, couple.ID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to link partner account")
	}
	if err := s.users.SetCoupleID(ctx, accountID, couple.ID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to link account")
	}

	s.invalidateStatus(ctx, couple.Partner1ID)
	s.invalidateStatus(ctx, accountID)
	if s.metrics != nil {
		s.metrics.RecordPairingCompleted()
	}

	partner2ID := accountID
	couple.Partner2ID = &partner2ID
	couple.IsPaired = true
	couple.CoupleTag = coupleTag
	couple.StartDate = &startDate
	couple.PairingKey = nil
	couple.PairingKeyExpires = nil
	couple.UpdatedAt = now

	s.logger.Info("couple paired",
		zap.String("couple_id", couple.ID),
		zap.String("partner1_id", couple.Partner1ID),
		zap.String("partner2_id", accountID),
	)

	return &models.RedeemPairingResponse{Couple: couple, CoupleTag: coupleTag}, nil
}

// CheckPairingStatus reports whether the account belongs to an active,
// paired couple. Read-only; results are cached briefly.
func (s *PairingService) CheckPairingStatus(ctx context.Context, accountID string) (*models.PairingStatus, error) {
	cacheKey := statusCacheKey(accountID)
	if s.cache != nil {
		var cached models.PairingStatus
		if hit, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
			return &cached, nil
		}
	}

	status := &models.PairingStatus{}
	couple, err := s.couples.FindActiveByAccount(ctx, accountID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up couple")
	}
	if couple != nil && couple.IsPaired {
		status.IsPaired = true
		status.Couple = couple
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, cacheKey, status, s.config.StatusCacheTTL)
	}
	return status, nil
}

// SweepExpiredKeys deactivates pending couples whose key expired. Run from
// the background queue so abandoned requests do not pin accounts forever.
func (s *PairingService) SweepExpiredKeys(ctx context.Context) (int64, error) {
	swept, err := s.couples.DeactivateExpiredPending(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep expired pairing keys: %w", err)
	}
	if swept > 0 {
		s.logger.Info("expired pending couples deactivated", zap.Int64("count", swept))
	}
	return swept, nil
}

func (s *PairingService) invalidateStatus(ctx context.Context, accountID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, statusCacheKey(accountID)); err != nil {
		s.logger.Warn("failed to invalidate pairing status cache", zap.String("account_id", accountID), zap.Error(err))
	}
}

func statusCacheKey(accountID string) string {
	return "pairing:status:" + accountID
}

func deriveCoupleTag(partner1, partner2 *models.User) string {
	return fmt.Sprintf("%s & %s", partner1.DisplayName, partner2.DisplayName)
}

// earliestAnniversary picks the older of the two recorded anniversary dates
// so the couple keeps whichever history either partner already tracked.
func earliestAnniversary(partner1, partner2 *models.User, fallback time.Time) time.Time {
	candidates := make([]time.Time, 0, 2)
	if partner1.AnniversaryDate != nil {
		candidates = append(candidates, *partner1.AnniversaryDate)
	}
	if partner2.AnniversaryDate != nil {
		candidates = append(candidates, *partner2.AnniversaryDate)
	}
	if len(candidates) == 0 {
		return fallback
	}
	earliest := candidates[0]
	for _, c := range candidates[1:] {
		if c.Before(earliest) {
			earliest = c
		}
	}
	return earliest
}
