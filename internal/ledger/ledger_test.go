package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kgerrors "keygate/internal/errors"
	"keygate/internal/store"
	"keygate/internal/store/memstore"
)

func setupUser(t *testing.T, st *memstore.Store, id int64, role store.Role) {
	t.Helper()
	ctx := context.Background()
	u, err := st.Users().GetOrCreate(ctx, id)
	require.NoError(t, err)
	if role != "" {
		u.Role = role
		require.NoError(t, st.Users().Update(ctx, u))
	}
}

// balanceEqualsSum asserts the core ledger invariant: the cached balance
// always equals the sum of the user's transaction amounts.
func balanceEqualsSum(t *testing.T, st *memstore.Store, userID int64) {
	t.Helper()
	ctx := context.Background()
	u, err := st.Users().Get(ctx, userID)
	require.NoError(t, err)
	sum, err := st.Transactions().SumByUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, sum, u.Balance)
}

func TestDepositCreatesUserAndRow(t *testing.T) {
	st := memstore.New()
	svc := NewService(st, nil)
	ctx := context.Background()

	balance, err := svc.Deposit(ctx, 1, 500, "Deposit via card")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	txs, err := svc.Transactions(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, store.TxDeposit, txs[0].Kind)
	assert.Equal(t, "Deposit via card", txs[0].Description)
	balanceEqualsSum(t, st, 1)
}

func TestDepositRejectsNonPositive(t *testing.T) {
	svc := NewService(memstore.New(), nil)
	for _, amount := range []int64{0, -5} {
		_, err := svc.Deposit(context.Background(), 1, amount, "x")
		assert.Equal(t, kgerrors.KindPolicyViolation, kgerrors.KindOf(err))
	}
}

func TestSpendGuardsBalance(t *testing.T) {
	st := memstore.New()
	svc := NewService(st, nil)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, 1, 100, "seed")
	require.NoError(t, err)

	_, err = svc.Spend(ctx, 1, 150, "too much", nil)
	assert.ErrorIs(t, err, kgerrors.ErrInsufficientBalance)

	// The failed spend must leave no trace.
	balance, err := svc.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
	txs, err := svc.Transactions(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	balance, err = svc.Spend(ctx, 1, 100, "exact", nil)
	require.NoError(t, err)
	assert.Zero(t, balance, "spending the whole balance is allowed")
	balanceEqualsSum(t, st, 1)
}

func TestSpendRecordsReferrer(t *testing.T) {
	st := memstore.New()
	svc := NewService(st, nil)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, 1, 100, "seed")
	require.NoError(t, err)

	referrer := int64(9)
	_, err = svc.Spend(ctx, 1, 40, "License purchase: basic", &referrer)
	require.NoError(t, err)

	txs, err := svc.Transactions(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.NotNil(t, txs[0].ReferrerID)
	assert.Equal(t, referrer, *txs[0].ReferrerID)
	assert.Equal(t, int64(-40), txs[0].Amount)
}

func TestReferralBonusNote(t *testing.T) {
	st := memstore.New()
	svc := NewService(st, nil)
	ctx := context.Background()

	setupUser(t, st, 2, store.RoleCreator)

	balance, err := svc.AddReferralBonus(ctx, 2, 180, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(180), balance)

	txs, err := svc.Transactions(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, store.TxReferralBonus, txs[0].Kind)
	assert.Equal(t, "Referral bonus from user 7", txs[0].Description)
	require.NotNil(t, txs[0].ReferrerID)
	assert.Equal(t, int64(7), *txs[0].ReferrerID)
}

func TestWithdrawRequiresCreatorRole(t *testing.T) {
	st := memstore.New()
	svc := NewService(st, nil)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, 1, 1000, "seed")
	require.NoError(t, err)

	_, err = svc.Withdraw(ctx, 1, 200)
	assert.ErrorIs(t, err, kgerrors.ErrWithdrawalNotAllowed)

	setupUser(t, st, 1, store.RoleCreator)
	balance, err := svc.Withdraw(ctx, 1, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(800), balance)

	_, err = svc.Withdraw(ctx, 1, 10_000)
	assert.ErrorIs(t, err, kgerrors.ErrInsufficientBalance)
	balanceEqualsSum(t, st, 1)
}

func TestCashback(t *testing.T) {
	st := memstore.New()
	svc := NewService(st, nil)
	ctx := context.Background()

	setupUser(t, st, 3, "")
	balance, err := svc.AddCashback(ctx, 3, 30, "Cashback: promo")
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)
	balanceEqualsSum(t, st, 3)
}

func TestConcurrentMutationsKeepInvariant(t *testing.T) {
	st := memstore.New()
	svc := NewService(st, nil)
	ctx := context.Background()

	// Seed enough that no racing spend can be rejected for funds.
	_, err := svc.Deposit(ctx, 5, 100_000, "seed")
	require.NoError(t, err)

	const workers = 16
	const rounds = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				if i%2 == 0 {
					_, err := svc.Deposit(ctx, 5, 7, "Deposit")
					assert.NoError(t, err)
				} else {
					_, err := svc.Spend(ctx, 5, 3, "License purchase: basic", nil)
					assert.NoError(t, err)
				}
			}
		}(i)
	}
	wg.Wait()

	balance, err := svc.Balance(ctx, 5)
	require.NoError(t, err)
	want := int64(100_000 + (workers/2)*rounds*7 - (workers/2)*rounds*3)
	assert.Equal(t, want, balance, "racing mutations must not lose updates")
	balanceEqualsSum(t, st, 5)

	txs, err := svc.Transactions(ctx, 5, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1+workers*rounds, "every mutation leaves exactly one row")
}

func TestMixedHistoryKeepsInvariant(t *testing.T) {
	st := memstore.New()
	svc := NewService(st, nil)
	ctx := context.Background()

	setupUser(t, st, 4, store.RoleCreator)
	_, err := svc.Deposit(ctx, 4, 1000, "seed")
	require.NoError(t, err)
	_, err = svc.Spend(ctx, 4, 300, "purchase", nil)
	require.NoError(t, err)
	_, err = svc.AddReferralBonus(ctx, 4, 45, 8)
	require.NoError(t, err)
	_, err = svc.Withdraw(ctx, 4, 500)
	require.NoError(t, err)

	balance, err := svc.Balance(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(245), balance)
	balanceEqualsSum(t, st, 4)
}
