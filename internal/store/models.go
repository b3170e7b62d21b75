package store

import "time"

// UnlinkedOwner is the sentinel owner id for gift licenses that have not
// been activated by anyone yet.
const UnlinkedOwner int64 = 0

// Role determines what a user account is allowed to do.
type Role string

const (
	RoleUser    Role = "user"
	RoleCreator Role = "creator"
	RoleAdmin   Role = "admin"
)

// CanWithdraw reports whether the role is allowed to withdraw funds.
func (r Role) CanWithdraw() bool {
	return r == RoleCreator || r == RoleAdmin
}

// CanRefer reports whether the role earns commission and grants discounts.
func (r Role) CanRefer() bool {
	return r == RoleCreator || r == RoleAdmin
}

// Tier is the license tier sold to customers.
type Tier string

const (
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
)

// TxKind classifies a ledger transaction.
type TxKind string

const (
	TxDeposit       TxKind = "deposit"
	TxPurchase      TxKind = "purchase"
	TxReferralBonus TxKind = "referral_bonus"
	TxCashback      TxKind = "cashback"
	TxWithdrawal    TxKind = "withdrawal"
)

// License is one issued license. The key is the primary identity; a license
// with OwnerID == UnlinkedOwner is a gift whose validity clock starts at the
// first Link, not at creation. Licenses are never hard-deleted.
type License struct {
	Key         string    `json:"key"`
	OwnerID     int64     `json:"owner_id"`
	Tier        Tier      `json:"tier"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
	Blocked     bool      `json:"blocked"`
	MaxSessions int       `json:"max_sessions"`
}

// Linked reports whether the license has a real owner.
func (l License) Linked() bool { return l.OwnerID != UnlinkedOwner }

// Expired reports whether the license is past its expiry at the given time.
func (l License) Expired(now time.Time) bool { return !l.ExpiresAt.After(now) }

// User is an account that owns balance, licenses and referral state.
// Balance is a cached derived value kept equal to the sum of the user's
// transaction amounts; every balance mutation writes both in one unit.
type User struct {
	ID               int64     `json:"id"`
	RegisteredAt     time.Time `json:"registered_at"`
	Balance          int64     `json:"balance"`
	Role             Role      `json:"role"`
	ReferredBy       *int64    `json:"referred_by,omitempty"`
	CommissionRate   int       `json:"commission_rate"`
	DiscountPercent  int       `json:"discount_percent"`
	ReferralSales    int64     `json:"referral_sales"`
	ReferralEarnings int64     `json:"referral_earnings"`
	ReferralCode     *string   `json:"referral_code,omitempty"`
}

// Transaction is one append-only ledger row. Amounts are signed integers in
// the smallest currency unit; rows are immutable once inserted.
type Transaction struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	Amount      int64     `json:"amount"`
	Kind        TxKind    `json:"kind"`
	Description string    `json:"description,omitempty"`
	ReferrerID  *int64    `json:"referrer_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
