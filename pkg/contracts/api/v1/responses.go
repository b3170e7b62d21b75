package api

import "time"

// HeartbeatResponse is the outcome of one heartbeat.
type HeartbeatResponse struct {
	Status string `json:"status"`           // admitted, refreshed, rejected
	Reason string `json:"reason,omitempty"` // invalid or limit_reached when rejected
}

// LicenseResponse is the wire shape of a license record.
type LicenseResponse struct {
	Key         string    `json:"key"`
	OwnerID     int64     `json:"owner_id"`
	Tier        string    `json:"tier"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
	Blocked     bool      `json:"blocked"`
	MaxSessions int       `json:"max_sessions"`
	Status      string    `json:"status"` // unlinked, active, expired, blocked
	Sessions    int       `json:"sessions"`
}

// PurchaseResponse is the receipt for a completed purchase.
type PurchaseResponse struct {
	License    LicenseResponse `json:"license"`
	Charged    int64           `json:"charged"`
	Discount   int             `json:"discount_percent"`
	ReferrerID *int64          `json:"referrer_id,omitempty"`
	Balance    int64           `json:"balance"`
}

// BalanceResponse reports a user's balance after an operation.
type BalanceResponse struct {
	UserID  int64 `json:"user_id"`
	Balance int64 `json:"balance"`
}

// TransactionResponse is one ledger row.
type TransactionResponse struct {
	ID          int64     `json:"id"`
	Amount      int64     `json:"amount"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	ReferrerID  *int64    `json:"referrer_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// UserResponse is the wire shape of an account.
type UserResponse struct {
	ID               int64   `json:"id"`
	Role             string  `json:"role"`
	Balance          int64   `json:"balance"`
	ReferredBy       *int64  `json:"referred_by,omitempty"`
	ReferralCode     *string `json:"referral_code,omitempty"`
	CommissionRate   int     `json:"commission_rate"`
	DiscountPercent  int     `json:"discount_percent"`
	ReferralSales    int64   `json:"referral_sales"`
	ReferralEarnings int64   `json:"referral_earnings"`
}

// RevokeSessionsResponse reports how many sessions were evicted.
type RevokeSessionsResponse struct {
	Revoked int `json:"revoked"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	ActiveLicenses int64  `json:"active_licenses"`
	ActiveSessions int    `json:"active_sessions"`
}
