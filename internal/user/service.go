// Package user manages accounts: creation on first sight, roles, referrer
// links and vanity referral codes.
package user

import (
	"context"
	"log/slog"
	"unicode/utf8"

	kgerrors "keygate/internal/errors"
	"keygate/internal/store"
)

// Vanity code length bounds.
const (
	minCodeLen = 3
	maxCodeLen = 20
)

// Service provides account operations.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates a user service.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		logger: logger.With(slog.String("component", "user")),
	}
}

// GetOrCreate returns the account, creating it with defaults on first
// sight.
func (s *Service) GetOrCreate(ctx context.Context, id int64) (store.User, error) {
	return s.store.Users().GetOrCreate(ctx, id)
}

// Get returns the account or ErrUserNotFound.
func (s *Service) Get(ctx context.Context, id int64) (store.User, error) {
	return s.store.Users().Get(ctx, id)
}

// SetRole changes the account's role.
func (s *Service) SetRole(ctx context.Context, id int64, role store.Role) error {
	err := s.store.InTx(ctx, func(u store.UnitOfWork) error {
		usr, err := u.Users().Get(ctx, id)
		if err != nil {
			return err
		}
		usr.Role = role
		return u.Users().Update(ctx, usr)
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "role changed",
		slog.Int64("user_id", id),
		slog.String("role", string(role)),
	)
	return nil
}

// SetReferredBy records who referred the user, or clears it when
// referrerID is nil. Self-referral is rejected and the referrer must
// exist.
func (s *Service) SetReferredBy(ctx context.Context, id int64, referrerID *int64) error {
	return s.store.InTx(ctx, func(u store.UnitOfWork) error {
		usr, err := u.Users().Get(ctx, id)
		if err != nil {
			return err
		}
		if referrerID != nil {
			if *referrerID == id {
				return kgerrors.ErrSelfReferral
			}
			if _, err := u.Users().Get(ctx, *referrerID); err != nil {
				return kgerrors.Wrap(kgerrors.ErrReferralNotFound, err)
			}
		}
		usr.ReferredBy = referrerID
		return u.Users().Update(ctx, usr)
	})
}

// SetReferralCode assigns a vanity referral code to a creator or admin
// account, or clears it when code is nil. Codes are 3-20 characters of
// letters, digits, underscore or hyphen and never purely numeric, so they
// cannot collide with raw user ids.
func (s *Service) SetReferralCode(ctx context.Context, id int64, code *string) error {
	if code != nil {
		if err := validateCode(*code); err != nil {
			return err
		}
	}
	return s.store.InTx(ctx, func(u store.UnitOfWork) error {
		usr, err := u.Users().Get(ctx, id)
		if err != nil {
			return err
		}
		if !usr.Role.CanRefer() {
			return kgerrors.Invalid("only creators can set referral codes")
		}
		if code != nil {
			existing, err := u.Users().ByReferralCode(ctx, *code)
			switch {
			case err == nil && existing.ID != id:
				return kgerrors.ErrReferralCodeTaken
			case err != nil && kgerrors.KindOf(err) != kgerrors.KindNotFound:
				return err
			}
		}
		usr.ReferralCode = code
		return u.Users().Update(ctx, usr)
	})
}

// validateCode enforces the ASCII charset [A-Za-z0-9_-]; non-ASCII letters
// and digits are rejected.
func validateCode(code string) error {
	if n := utf8.RuneCountInString(code); n < minCodeLen || n > maxCodeLen {
		return kgerrors.Invalid("referral code must be 3-20 characters")
	}
	numeric := true
	for _, ch := range code {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z':
			numeric = false
		case ch >= '0' && ch <= '9':
		case ch == '_' || ch == '-':
			numeric = false
		default:
			return kgerrors.Invalid("referral code may only contain letters, digits, underscores and hyphens")
		}
	}
	if numeric {
		return kgerrors.Invalid("referral code cannot be purely numeric")
	}
	return nil
}
