package models

import "time"

// Couple represents an exclusive relationship between exactly two accounts.
//
// A couple is created in a pending state by partner1's key request: partner2
// is absent and the pairing key is present. Redemption by a second, distinct
// account completes the pair exactly once; the key is cleared at that point
// and never reused.
type Couple struct {
	ID                string     `db:"id" json:"id"`
	Partner1ID        string     `db:"partner1_id" json:"partner1_id"`
	Partner2ID        *string    `db:"partner2_id" json:"partner2_id,omitempty"`
	PairingKey        *string    `db:"pairing_key" json:"pairing_key,omitempty"`
	PairingKeyExpires *time.Time `db:"pairing_key_expires" json:"pairing_key_expires,omitempty"`
	IsPaired          bool       `db:"is_paired" json:"is_paired"`
	IsActive          bool       `db:"is_active" json:"is_active"`
	CoupleTag         string     `db:"couple_tag" json:"couple_tag"`
	StartDate         *time.Time `db:"start_date" json:"start_date,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// PairingKeyResponse echoes the issued key back to partner1, who shares it
// with their partner out-of-band.
type PairingKeyResponse struct {
	PairingKey        string    `json:"pairing_key"`
	PairingKeyExpires time.Time `json:"pairing_key_expires"`
}

// RedeemPairingRequest is partner2's redemption payload.
type RedeemPairingRequest struct {
	Key string `json:"key" validate:"required"`
}

// RedeemPairingResponse returns the finalized couple.
type RedeemPairingResponse struct {
	Couple    *Couple `json:"couple"`
	CoupleTag string  `json:"couple_tag"`
}

// PairingStatus reports whether an account belongs to an active paired couple.
type PairingStatus struct {
	IsPaired bool    `json:"is_paired"`
	Couple   *Couple `json:"couple,omitempty"`
}
