package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kgerrors "keygate/internal/errors"
	"keygate/internal/store"
)

func TestGetOrCreateDefaults(t *testing.T) {
	s := New()
	ctx := context.Background()

	u, err := s.Users().GetOrCreate(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), u.ID)
	assert.Equal(t, store.RoleUser, u.Role)
	assert.Equal(t, 10, u.CommissionRate)
	assert.Equal(t, 3, u.DiscountPercent)
	assert.Zero(t, u.Balance)

	// Second call returns the same account untouched.
	u.Balance = 500
	require.NoError(t, s.Users().Update(ctx, u))
	again, err := s.Users().GetOrCreate(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(500), again.Balance)
}

func TestGetUnknownUser(t *testing.T) {
	s := New()
	_, err := s.Users().Get(context.Background(), 7)
	assert.ErrorIs(t, err, kgerrors.ErrUserNotFound)
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()

	u, err := s.Users().GetOrCreate(ctx, 1)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.InTx(ctx, func(uw store.UnitOfWork) error {
		u.Balance = 999
		if err := uw.Users().Update(ctx, u); err != nil {
			return err
		}
		if _, err := uw.Transactions().Insert(ctx, store.Transaction{
			UserID: 1, Amount: 999, Kind: store.TxDeposit, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err := s.Users().Get(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, after.Balance, "balance write must roll back")

	txs, err := s.Transactions().ListByUser(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, txs, "transaction insert must roll back")
}

func TestInTxCommits(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Users().GetOrCreate(ctx, 1)
	require.NoError(t, err)

	err = s.InTx(ctx, func(uw store.UnitOfWork) error {
		u, err := uw.Users().Get(ctx, 1)
		if err != nil {
			return err
		}
		u.Balance = 100
		return uw.Users().Update(ctx, u)
	})
	require.NoError(t, err)

	after, err := s.Users().Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), after.Balance)
}

func TestLicenseRepo(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	lic := store.License{
		Key:         "key-1",
		OwnerID:     5,
		Tier:        store.TierBasic,
		CreatedAt:   now,
		ExpiresAt:   now.Add(24 * time.Hour),
		MaxSessions: 2,
	}
	require.NoError(t, s.Licenses().Insert(ctx, lic))

	got, err := s.Licenses().Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, lic.Key, got.Key)

	_, err = s.Licenses().Get(ctx, "missing")
	assert.ErrorIs(t, err, kgerrors.ErrLicenseNotFound)

	blocked := lic
	blocked.Key = "key-2"
	blocked.Blocked = true
	require.NoError(t, s.Licenses().Insert(ctx, blocked))

	visible, err := s.Licenses().ByOwner(ctx, 5, false)
	require.NoError(t, err)
	assert.Len(t, visible, 1)

	all, err := s.Licenses().ByOwner(ctx, 5, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	count, err := s.Licenses().CountActive(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = s.Licenses().CountActive(ctx, now.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestTransactionSum(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, amount := range []int64{100, -30, 50} {
		_, err := s.Transactions().Insert(ctx, store.Transaction{
			UserID: 9, Amount: amount, Kind: store.TxDeposit, CreatedAt: time.Now(),
		})
		require.NoError(t, err)
	}

	sum, err := s.Transactions().SumByUser(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(120), sum)

	txs, err := s.Transactions().ListByUser(ctx, 9, 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(50), txs[0].Amount, "newest first")
}
