// Package memstore is the in-memory Store implementation. It backs tests
// and single-node deployments; units of work serialize on one mutex, which
// keeps rollback trivial at the cost of write concurrency the postgres
// implementation provides.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	kgerrors "keygate/internal/errors"
	"keygate/internal/store"
)

// Defaults applied to users created on first sight.
const (
	defaultCommissionRate  = 10
	defaultDiscountPercent = 3
)

// Store holds all records in process memory.
type Store struct {
	mu       sync.Mutex
	users    map[int64]store.User
	licenses map[string]store.License
	txs      []store.Transaction
	nextTxID int64

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		users:    make(map[int64]store.User),
		licenses: make(map[string]store.License),
		nextTxID: 1,
		now:      time.Now,
	}
}

// SetClock overrides the wall clock; tests use this to control timestamps
// on records created by the store itself.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Close releases nothing; it exists to satisfy store.Store.
func (s *Store) Close() {}

// Users returns the auto-committing user repository.
func (s *Store) Users() store.UserRepository { return userRepo{s} }

// Licenses returns the auto-committing license repository.
func (s *Store) Licenses() store.LicenseRepository { return licenseRepo{s} }

// Transactions returns the auto-committing transaction repository.
func (s *Store) Transactions() store.TransactionRepository { return txRepo{s} }

// InTx runs fn as one atomic unit. On error the pre-transaction state is
// restored wholesale, so callers never observe partial writes.
func (s *Store) InTx(_ context.Context, fn func(store.UnitOfWork) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapUsers := make(map[int64]store.User, len(s.users))
	for k, v := range s.users {
		snapUsers[k] = v
	}
	snapLicenses := make(map[string]store.License, len(s.licenses))
	for k, v := range s.licenses {
		snapLicenses[k] = v
	}
	snapTxLen := len(s.txs)
	snapNextTxID := s.nextTxID

	if err := fn(unit{s}); err != nil {
		s.users = snapUsers
		s.licenses = snapLicenses
		s.txs = s.txs[:snapTxLen]
		s.nextTxID = snapNextTxID
		return err
	}
	return nil
}

// unit exposes the unlocked repositories to a unit of work; the store mutex
// is held for the whole InTx call.
type unit struct{ s *Store }

func (u unit) Users() store.UserRepository               { return rawUserRepo{u.s} }
func (u unit) Licenses() store.LicenseRepository         { return rawLicenseRepo{u.s} }
func (u unit) Transactions() store.TransactionRepository { return rawTxRepo{u.s} }

// --- unlocked repository implementations ---

type rawUserRepo struct{ s *Store }

func (r rawUserRepo) Get(_ context.Context, id int64) (store.User, error) {
	u, ok := r.s.users[id]
	if !ok {
		return store.User{}, kgerrors.ErrUserNotFound
	}
	return u, nil
}

func (r rawUserRepo) GetOrCreate(_ context.Context, id int64) (store.User, error) {
	if u, ok := r.s.users[id]; ok {
		return u, nil
	}
	u := store.User{
		ID:              id,
		RegisteredAt:    r.s.now(),
		Role:            store.RoleUser,
		CommissionRate:  defaultCommissionRate,
		DiscountPercent: defaultDiscountPercent,
	}
	r.s.users[id] = u
	return u, nil
}

func (r rawUserRepo) ByReferralCode(_ context.Context, code string) (store.User, error) {
	for _, u := range r.s.users {
		if u.ReferralCode != nil && *u.ReferralCode == code {
			return u, nil
		}
	}
	return store.User{}, kgerrors.ErrReferralNotFound
}

func (r rawUserRepo) Update(_ context.Context, u store.User) error {
	if _, ok := r.s.users[u.ID]; !ok {
		return kgerrors.ErrUserNotFound
	}
	r.s.users[u.ID] = u
	return nil
}

type rawLicenseRepo struct{ s *Store }

func (r rawLicenseRepo) Get(_ context.Context, key string) (store.License, error) {
	l, ok := r.s.licenses[key]
	if !ok {
		return store.License{}, kgerrors.ErrLicenseNotFound
	}
	return l, nil
}

func (r rawLicenseRepo) ByOwner(_ context.Context, ownerID int64, includeBlocked bool) ([]store.License, error) {
	out := make([]store.License, 0)
	for _, l := range r.s.licenses {
		if l.OwnerID != ownerID {
			continue
		}
		if l.Blocked && !includeBlocked {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r rawLicenseRepo) Insert(_ context.Context, l store.License) error {
	if _, ok := r.s.licenses[l.Key]; ok {
		return kgerrors.Invalid("license key already exists")
	}
	r.s.licenses[l.Key] = l
	return nil
}

func (r rawLicenseRepo) Update(_ context.Context, l store.License) error {
	if _, ok := r.s.licenses[l.Key]; !ok {
		return kgerrors.ErrLicenseNotFound
	}
	r.s.licenses[l.Key] = l
	return nil
}

func (r rawLicenseRepo) CountActive(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for _, l := range r.s.licenses {
		if !l.Blocked && l.ExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

type rawTxRepo struct{ s *Store }

func (r rawTxRepo) Insert(_ context.Context, t store.Transaction) (int64, error) {
	t.ID = r.s.nextTxID
	r.s.nextTxID++
	r.s.txs = append(r.s.txs, t)
	return t.ID, nil
}

func (r rawTxRepo) ListByUser(_ context.Context, userID int64, limit int) ([]store.Transaction, error) {
	out := make([]store.Transaction, 0)
	for i := len(r.s.txs) - 1; i >= 0; i-- {
		if r.s.txs[i].UserID != userID {
			continue
		}
		out = append(out, r.s.txs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r rawTxRepo) SumByUser(_ context.Context, userID int64) (int64, error) {
	var sum int64
	for _, t := range r.s.txs {
		if t.UserID == userID {
			sum += t.Amount
		}
	}
	return sum, nil
}

// --- locked wrappers for auto-commit access outside InTx ---

type userRepo struct{ s *Store }

func (r userRepo) Get(ctx context.Context, id int64) (store.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return rawUserRepo{r.s}.Get(ctx, id)
}

func (r userRepo) GetOrCreate(ctx context.Context, id int64) (store.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return rawUserRepo{r.s}.GetOrCreate(ctx, id)
}

func (r userRepo) ByReferralCode(ctx context.Context, code string) (store.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return rawUserRepo{r.s}.ByReferralCode(ctx, code)
}

func (r userRepo) Update(ctx context.Context, u store.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return rawUserRepo{r.s}.Update(ctx, u)
}

type licenseRepo struct{ s *Store }

func (r licenseRepo) Get(ctx context.Context, key string) (store.License, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return rawLicenseRepo{r.s}.Get(ctx, key)
}

func (r licenseRepo) ByOwner(ctx context.Context, ownerID int64, includeBlocked bool) ([]store.License, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return rawLicenseRepo{r.s}.ByOwner(ctx, ownerID, includeBlocked)
}

func (r licenseRepo) Insert(ctx context.Context, l store.License) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return rawLicenseRepo{r.s}.Insert(ctx, l)
}

func (r licenseRepo) Update(ctx context.Context, l store.License) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return rawLicenseRepo{r.s}.Update(ctx, l)
}

func (r licenseRepo) CountActive(ctx context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return rawLicenseRepo{r.s}.CountActive(ctx, now)
}

type txRepo struct{ s *Store }

func (r txRepo) Insert(ctx context.Context, t store.Transaction) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return rawTxRepo{r.s}.Insert(ctx, t)
}

func (r txRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]store.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return rawTxRepo{r.s}.ListByUser(ctx, userID, limit)
}

func (r txRepo) SumByUser(ctx context.Context, userID int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return rawTxRepo{r.s}.SumByUser(ctx, userID)
}
