// Package api contains the keygate wire contracts. Version v1 is the
// current stable API version.
package api

// HeartbeatRequest reports that a device is actively using a license.
type HeartbeatRequest struct {
	LicenseKey string `json:"license_key" validate:"required,uuid4"`
	DeviceID   string `json:"device_id" validate:"required,min=1,max=128"`
}

// LicenseCreateRequest issues a new license. OwnerID 0 creates an unlinked
// gift license whose validity clock starts at first link.
type LicenseCreateRequest struct {
	OwnerID     int64  `json:"owner_id" validate:"min=0"`
	Tier        string `json:"tier" validate:"required,oneof=basic premium"`
	Days        int    `json:"days" validate:"required,min=1,max=3650"`
	MaxSessions int    `json:"max_sessions" validate:"min=0,max=100"`
}

// LicenseLinkRequest activates a gift license for a user.
type LicenseLinkRequest struct {
	OwnerID int64 `json:"owner_id" validate:"required,min=1"`
}

// LicenseExtendRequest pushes the expiry to now plus the given days and
// clears any block.
type LicenseExtendRequest struct {
	Days int `json:"days" validate:"required,min=1,max=3650"`
}

// LicenseBlockRequest toggles the block flag.
type LicenseBlockRequest struct {
	Blocked bool `json:"blocked"`
}

// PurchaseRequest buys a license from the caller's balance. Referral
// optionally names a referrer by user id or vanity code; ExtendKey renews an
// existing license instead of issuing a new one.
type PurchaseRequest struct {
	BuyerID   int64  `json:"buyer_id" validate:"required,min=1"`
	Tier      string `json:"tier" validate:"required,oneof=basic premium"`
	Referral  string `json:"referral,omitempty" validate:"omitempty,max=64"`
	ExtendKey string `json:"extend_key,omitempty" validate:"omitempty,uuid4"`
}

// DepositRequest credits a user's balance after an external payment
// confirmation.
type DepositRequest struct {
	UserID int64  `json:"user_id" validate:"required,min=1"`
	Amount int64  `json:"amount" validate:"required,min=1"`
	Note   string `json:"note,omitempty" validate:"omitempty,max=256"`
}

// WithdrawRequest pays out part of a creator's balance.
type WithdrawRequest struct {
	UserID int64 `json:"user_id" validate:"required,min=1"`
	Amount int64 `json:"amount" validate:"required,min=1"`
}

// ReferralCodeRequest assigns or clears a vanity referral code.
type ReferralCodeRequest struct {
	Code *string `json:"code" validate:"omitempty,min=3,max=20"`
}

// RoleRequest changes a user's role.
type RoleRequest struct {
	Role string `json:"role" validate:"required,oneof=user creator admin"`
}
