// Package store defines the persistence ports the licensing core is built
// on, together with the record types that cross them. Two implementations
// exist: memstore (in-memory, used by tests and single-node deployments) and
// postgres (pgx-backed).
package store

import (
	"context"
	"time"
)

// UserRepository provides access to user accounts.
type UserRepository interface {
	// Get returns the user or ErrUserNotFound.
	Get(ctx context.Context, id int64) (User, error)
	// GetOrCreate returns the user, creating it with defaults on first sight.
	GetOrCreate(ctx context.Context, id int64) (User, error)
	// ByReferralCode resolves a vanity code to its owner, or ErrReferralNotFound.
	ByReferralCode(ctx context.Context, code string) (User, error)
	// Update overwrites the stored record for the user's id.
	Update(ctx context.Context, u User) error
}

// LicenseRepository provides access to license records.
type LicenseRepository interface {
	// Get returns the license or ErrLicenseNotFound.
	Get(ctx context.Context, key string) (License, error)
	// ByOwner lists an owner's licenses, optionally including blocked ones.
	ByOwner(ctx context.Context, ownerID int64, includeBlocked bool) ([]License, error)
	Insert(ctx context.Context, l License) error
	Update(ctx context.Context, l License) error
	// CountActive counts unblocked, unexpired licenses at the given instant.
	CountActive(ctx context.Context, now time.Time) (int64, error)
}

// TransactionRepository is the append-only ledger log.
type TransactionRepository interface {
	Insert(ctx context.Context, t Transaction) (int64, error)
	// ListByUser returns the user's rows newest-first, at most limit.
	ListByUser(ctx context.Context, userID int64, limit int) ([]Transaction, error)
	// SumByUser returns the sum of the user's transaction amounts.
	SumByUser(ctx context.Context, userID int64) (int64, error)
}

// UnitOfWork groups the repositories visible inside one atomic unit.
type UnitOfWork interface {
	Users() UserRepository
	Licenses() LicenseRepository
	Transactions() TransactionRepository
}

// Store is the transactional persistence collaborator. Repositories obtained
// outside InTx auto-commit per call; inside InTx they share one transaction
// that commits only if fn returns nil. Calls touching a single mutable row
// run read-then-write inside one unit to prevent lost updates, while
// operations on different rows proceed in parallel.
type Store interface {
	UnitOfWork

	// InTx runs fn inside one atomic unit of work. Any error from fn rolls
	// the whole unit back and is returned unchanged.
	InTx(ctx context.Context, fn func(UnitOfWork) error) error

	Close()
}
