// Package ledger owns per-user balances and the append-only transaction
// log. Every balance mutation re-reads the balance, writes the new value
// and inserts exactly one transaction row inside one atomic unit of work,
// so the cached balance always equals the sum of the user's transaction
// amounts. All monetary values are integers in the smallest currency unit;
// decimal display is a presentation concern.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	kgerrors "keygate/internal/errors"
	"keygate/internal/store"
)

// Service is the balance ledger.
type Service struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a ledger over the given store.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		logger: logger.With(slog.String("component", "ledger")),
		now:    time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Deposit credits the user and returns the new balance. The user is
// created on first sight, matching how confirmed external payments arrive
// for accounts that never interacted before.
func (s *Service) Deposit(ctx context.Context, userID, amount int64, note string) (int64, error) {
	if amount <= 0 {
		return 0, kgerrors.Invalid("deposit amount must be positive")
	}
	var newBalance int64
	err := s.store.InTx(ctx, func(u store.UnitOfWork) error {
		if _, err := u.Users().GetOrCreate(ctx, userID); err != nil {
			return err
		}
		var err error
		newBalance, err = s.apply(ctx, u, userID, amount, store.TxDeposit, note, nil, nil)
		return err
	})
	return newBalance, err
}

// Spend debits the user for a purchase. It fails ErrInsufficientBalance if
// amount exceeds the balance at call time, leaving the balance unchanged.
// relatedReferrer, when set, is recorded on the transaction row for
// reconciliation.
func (s *Service) Spend(ctx context.Context, userID, amount int64, note string, relatedReferrer *int64) (int64, error) {
	if amount <= 0 {
		return 0, kgerrors.Invalid("spend amount must be positive")
	}
	var newBalance int64
	err := s.store.InTx(ctx, func(u store.UnitOfWork) error {
		var err error
		newBalance, err = s.apply(ctx, u, userID, -amount, store.TxPurchase, note, relatedReferrer,
			func(usr store.User) error {
				if usr.Balance < amount {
					return kgerrors.ErrInsufficientBalance
				}
				return nil
			})
		return err
	})
	return newBalance, err
}

// AddReferralBonus credits a commission earned from a referred sale.
func (s *Service) AddReferralBonus(ctx context.Context, userID, amount, sourceReferrer int64) (int64, error) {
	var newBalance int64
	err := s.store.InTx(ctx, func(u store.UnitOfWork) error {
		var err error
		newBalance, err = s.AddReferralBonusIn(ctx, u, userID, amount, sourceReferrer)
		return err
	})
	return newBalance, err
}

// AddReferralBonusIn is AddReferralBonus inside an existing unit of work,
// so the referral engine can commit the bonus together with its sale
// counters.
func (s *Service) AddReferralBonusIn(ctx context.Context, u store.UnitOfWork, userID, amount, sourceReferrer int64) (int64, error) {
	if amount <= 0 {
		return 0, kgerrors.Invalid("bonus amount must be positive")
	}
	note := fmt.Sprintf("Referral bonus from user %d", sourceReferrer)
	return s.apply(ctx, u, userID, amount, store.TxReferralBonus, note, &sourceReferrer, nil)
}

// AddCashback credits a promotional cashback.
func (s *Service) AddCashback(ctx context.Context, userID, amount int64, note string) (int64, error) {
	if amount <= 0 {
		return 0, kgerrors.Invalid("cashback amount must be positive")
	}
	var newBalance int64
	err := s.store.InTx(ctx, func(u store.UnitOfWork) error {
		var err error
		newBalance, err = s.apply(ctx, u, userID, amount, store.TxCashback, note, nil, nil)
		return err
	})
	return newBalance, err
}

// Withdraw debits funds for payout. Only creators and admins may withdraw.
func (s *Service) Withdraw(ctx context.Context, userID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, kgerrors.Invalid("withdrawal amount must be positive")
	}
	var newBalance int64
	err := s.store.InTx(ctx, func(u store.UnitOfWork) error {
		var err error
		newBalance, err = s.apply(ctx, u, userID, -amount, store.TxWithdrawal, "Withdrawal", nil,
			func(usr store.User) error {
				if !usr.Role.CanWithdraw() {
					return kgerrors.ErrWithdrawalNotAllowed
				}
				if usr.Balance < amount {
					return kgerrors.ErrInsufficientBalance
				}
				return nil
			})
		return err
	})
	return newBalance, err
}

// Balance returns the user's current balance.
func (s *Service) Balance(ctx context.Context, userID int64) (int64, error) {
	u, err := s.store.Users().Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.Balance, nil
}

// Transactions lists the user's ledger rows newest-first, at most limit
// (0 means no limit).
func (s *Service) Transactions(ctx context.Context, userID int64, limit int) ([]store.Transaction, error) {
	return s.store.Transactions().ListByUser(ctx, userID, limit)
}

// apply performs the read-balance, guard, write-balance, insert-row
// sequence shared by every mutator. delta is signed; guard runs against the
// freshly read user before anything is written.
func (s *Service) apply(ctx context.Context, u store.UnitOfWork, userID, delta int64, kind store.TxKind, note string, referrer *int64, guard func(store.User) error) (int64, error) {
	usr, err := u.Users().Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	if guard != nil {
		if err := guard(usr); err != nil {
			return 0, err
		}
	}

	usr.Balance += delta
	if err := u.Users().Update(ctx, usr); err != nil {
		return 0, err
	}
	if _, err := u.Transactions().Insert(ctx, store.Transaction{
		UserID:      userID,
		Amount:      delta,
		Kind:        kind,
		Description: note,
		ReferrerID:  referrer,
		CreatedAt:   s.now(),
	}); err != nil {
		return 0, err
	}

	s.logger.DebugContext(ctx, "balance mutated",
		slog.Int64("user_id", userID),
		slog.Int64("delta", delta),
		slog.String("kind", string(kind)),
		slog.Int64("new_balance", usr.Balance),
	)
	return usr.Balance, nil
}
