// Package referral resolves referral identifiers and turns referred sales
// into commission. Discounts and commission are capability-gated: only
// creator and admin accounts grant a discount or earn a share.
package referral

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	kgerrors "keygate/internal/errors"
	"keygate/internal/ledger"
	"keygate/internal/store"
)

// Engine computes discounts and credits commission.
type Engine struct {
	store  store.Store
	ledger *ledger.Service
	logger *slog.Logger
}

// NewEngine creates a referral engine. The ledger is used to credit
// commission inside the same unit of work as the sale counters.
func NewEngine(st store.Store, led *ledger.Service, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  st,
		ledger: led,
		logger: logger.With(slog.String("component", "referral")),
	}
}

// Resolve maps a referral identifier to the referrer's user id. A purely
// numeric identifier is treated as a raw user id; anything else is looked
// up as a vanity code. Vanity codes are never purely numeric (enforced at
// assignment), so the two namespaces cannot collide.
func (e *Engine) Resolve(ctx context.Context, identifier string) (int64, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return 0, kgerrors.ErrReferralNotFound
	}

	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		usr, err := e.store.Users().Get(ctx, id)
		if err != nil {
			if kgerrors.KindOf(err) == kgerrors.KindNotFound {
				return 0, kgerrors.ErrReferralNotFound
			}
			return 0, err
		}
		return usr.ID, nil
	}

	usr, err := e.store.Users().ByReferralCode(ctx, identifier)
	if err != nil {
		return 0, err
	}
	return usr.ID, nil
}

// DiscountPercent returns the discount a buyer gets for naming this
// referrer: the referrer's configured percentage if they are
// referral-capable, otherwise 0.
func (e *Engine) DiscountPercent(ctx context.Context, ownerID int64) (int, error) {
	usr, err := e.store.Users().Get(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if !usr.Role.CanRefer() {
		return 0, nil
	}
	return usr.DiscountPercent, nil
}

// RecordSale credits the referrer's commission for a completed sale by
// buyerID and bumps the referrer's cumulative sales/earnings counters; the
// counters and the balance credit commit or fail together. Commission is
// saleAmount * commissionRate / 100, truncating. Referrers without
// referral-capable status record nothing and earn nothing.
func (e *Engine) RecordSale(ctx context.Context, ownerID, buyerID, saleAmount int64) (int64, error) {
	if saleAmount <= 0 {
		return 0, kgerrors.Invalid("sale amount must be positive")
	}

	var commission int64
	err := e.store.InTx(ctx, func(u store.UnitOfWork) error {
		owner, err := u.Users().Get(ctx, ownerID)
		if err != nil {
			if kgerrors.KindOf(err) == kgerrors.KindNotFound {
				return kgerrors.ErrReferralNotFound
			}
			return err
		}
		if !owner.Role.CanRefer() {
			return nil
		}

		commission = saleAmount * int64(owner.CommissionRate) / 100

		owner.ReferralSales++
		owner.ReferralEarnings += commission
		if err := u.Users().Update(ctx, owner); err != nil {
			return err
		}
		if commission > 0 {
			if _, err := e.ledger.AddReferralBonusIn(ctx, u, ownerID, commission, buyerID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if commission > 0 {
		e.logger.InfoContext(ctx, "referral sale recorded",
			slog.Int64("referrer_id", ownerID),
			slog.Int64("buyer_id", buyerID),
			slog.Int64("sale_amount", saleAmount),
			slog.Int64("commission", commission),
		)
	}
	return commission, nil
}
