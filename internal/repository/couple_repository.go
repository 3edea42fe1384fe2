package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ItsYash1421/CloseUs-sub000/internal/models"
)

// ErrDuplicatePairingKey signals that an insert raced another generator to
// the same key. Callers retry with a fresh key instead of failing.
var ErrDuplicatePairingKey = errors.New("pairing key already in use")

// ErrDuplicatePendingCouple signals that an insert raced another request for
// the same partner1 into a second pending row. Callers re-read instead of
// retrying.
var ErrDuplicatePendingCouple = errors.New("account already has a pending couple")

const (
	pqUniqueViolation = "23505"

	partner1PendingConstraint = "couples_partner1_pending_uq"
)

// CoupleRepository provides database access for couple records.
type CoupleRepository struct {
	db *sqlx.DB
}

// NewCoupleRepository creates a new instance of CoupleRepository.
func NewCoupleRepository(db *sqlx.DB) *CoupleRepository {
	return &CoupleRepository{db: db}
}

const coupleColumns = `id, partner1_id, partner2_id, pairing_key, pairing_key_expires, is_paired, is_active, couple_tag, start_date, created_at, updated_at`

// Create inserts a pending couple row. The couples table carries partial
// unique indexes over active unpaired rows on pairing_key and on partner1_id;
// violations surface as ErrDuplicatePairingKey and ErrDuplicatePendingCouple
// respectively.
func (r *CoupleRepository) Create(ctx context.Context, couple *models.Couple) error {
	if couple.ID == "" {
		couple.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if couple.CreatedAt.IsZero() {
		couple.CreatedAt = now
	}
	couple.UpdatedAt = now

	const query = `INSERT INTO couples (id, partner1_id, partner2_id, pairing_key, pairing_key_expires, is_paired, is_active, couple_tag, start_date, created_at, updated_at)
VALUES (:id, :partner1_id, :partner2_id, :pairing_key, :pairing_key_expires, :is_paired, :is_active, :couple_tag, :start_date, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, couple); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			if pqErr.Constraint == partner1PendingConstraint {
				return ErrDuplicatePendingCouple
			}
			return ErrDuplicatePairingKey
		}
		return fmt.Errorf("create couple: %w", err)
	}
	return nil
}

// FindByID returns a couple by identifier.
func (r *CoupleRepository) FindByID(ctx context.Context, id string) (*models.Couple, error) {
	const query = `SELECT ` + coupleColumns + ` FROM couples WHERE id = $1 LIMIT 1`
	var couple models.Couple
	if err := r.db.GetContext(ctx, &couple, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find couple by id: %w", err)
	}
	return &couple, nil
}

// FindActiveByAccount returns the single active couple referencing the
// account as either partner, paired or pending.
func (r *CoupleRepository) FindActiveByAccount(ctx context.Context, accountID string) (*models.Couple, error) {
	const query = `SELECT ` + coupleColumns + ` FROM couples WHERE is_active = TRUE AND (partner1_id = $1 OR partner2_id = $1) LIMIT 1`
	var couple models.Couple
	if err := r.db.GetContext(ctx, &couple, query, accountID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find active couple: %w", err)
	}
	return &couple, nil
}

// FindPendingByKey returns the active, unpaired couple holding the key.
// Expiry is checked by the caller against PairingKeyExpires.
func (r *CoupleRepository) FindPendingByKey(ctx context.Context, key string) (*models.Couple, error) {
	const query = `SELECT ` + coupleColumns + ` FROM couples WHERE pairing_key = $1 AND is_paired = FALSE AND is_active = TRUE LIMIT 1`
	var couple models.Couple
	if err := r.db.GetContext(ctx, &couple, query, key); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find couple by pairing key: %w", err)
	}
	return &couple, nil
}

// KeyInUse reports whether a candidate key collides with any active,
// non-redeemed pairing key.
func (r *CoupleRepository) KeyInUse(ctx context.Context, key string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM couples WHERE pairing_key = $1 AND is_paired = FALSE AND is_active = TRUE)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, key); err != nil {
		return false, fmt.Errorf("check pairing key: %w", err)
	}
	return exists, nil
}

// CompletePairing finalizes a pending couple with a conditional update.
// It succeeds only if the row is still unpaired at write time, so exactly
// one of two concurrent redeemers wins; the loser sees false.
func (r *CoupleRepository) CompletePairing(ctx context.Context, coupleID, partner2ID, coupleTag string, startDate time.Time) (bool, error) {
	const query = `UPDATE couples
SET partner2_id = $2, is_paired = TRUE, couple_tag = $3, start_date = $4, pairing_key = NULL, pairing_key_expires = NULL, updated_at = $5
WHERE id = $1 AND is_paired = FALSE AND is_active = TRUE`
	result, err := r.db.ExecContext(ctx, query, coupleID, partner2ID, coupleTag, startDate, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("complete pairing: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete pairing rows affected: %w", err)
	}
	return affected == 1, nil
}

// DeactivatePending retires a single pending couple, conditional on the row
// still being unpaired. Returns false when the row was paired or deactivated
// in the meantime, so the caller can re-check the account's state.
func (r *CoupleRepository) DeactivatePending(ctx context.Context, coupleID string) (bool, error) {
	const query = `UPDATE couples SET is_active = FALSE, updated_at = $2 WHERE id = $1 AND is_paired = FALSE AND is_active = TRUE`
	result, err := r.db.ExecContext(ctx, query, coupleID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("deactivate pending couple: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate pending rows affected: %w", err)
	}
	return affected == 1, nil
}

// DeactivateExpiredPending soft-deletes pending couples whose key expired
// before the cutoff. Used by the background sweeper.
func (r *CoupleRepository) DeactivateExpiredPending(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `UPDATE couples SET is_active = FALSE, updated_at = $2 WHERE is_paired = FALSE AND is_active = TRUE AND pairing_key_expires < $1`
	result, err := r.db.ExecContext(ctx, query, cutoff, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("deactivate expired couples: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deactivate expired rows affected: %w", err)
	}
	return affected, nil
}

// ListPaired returns paired, active couples ordered by start date.
func (r *CoupleRepository) ListPaired(ctx context.Context, limit int) ([]models.Couple, error) {
	if limit <= 0 || limit > 10000 {
		limit = 10000
	}
	const query = `SELECT ` + coupleColumns + ` FROM couples WHERE is_paired = TRUE AND is_active = TRUE ORDER BY start_date ASC LIMIT $1`
	var couples []models.Couple
	if err := r.db.SelectContext(ctx, &couples, query, limit); err != nil {
		return nil, fmt.Errorf("list paired couples: %w", err)
	}
	return couples, nil
}
