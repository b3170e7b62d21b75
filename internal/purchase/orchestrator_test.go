package purchase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	kgerrors "keygate/internal/errors"
	"keygate/internal/ledger"
	"keygate/internal/license"
	"keygate/internal/referral"
	"keygate/internal/store"
	"keygate/internal/store/memstore"
)

// failingLicenser fails the grant a configurable number of times.
type failingLicenser struct {
	inner    Licenser
	failures int
	err      error
}

func (f *failingLicenser) Create(ctx context.Context, ownerID int64, tier store.Tier, days, maxSessions int) (store.License, error) {
	if f.failures > 0 {
		f.failures--
		return store.License{}, f.err
	}
	return f.inner.Create(ctx, ownerID, tier, days, maxSessions)
}

func (f *failingLicenser) Extend(ctx context.Context, key string, d time.Duration) (store.License, error) {
	return f.inner.Extend(ctx, key, d)
}

// flakyLedger fails Deposit a configurable number of times before
// delegating.
type flakyLedger struct {
	inner           Ledger
	depositFailures int
	depositErr      error
}

func (f *flakyLedger) Spend(ctx context.Context, userID, amount int64, note string, ref *int64) (int64, error) {
	return f.inner.Spend(ctx, userID, amount, note, ref)
}

func (f *flakyLedger) Deposit(ctx context.Context, userID, amount int64, note string) (int64, error) {
	if f.depositFailures > 0 {
		f.depositFailures--
		return 0, f.depositErr
	}
	return f.inner.Deposit(ctx, userID, amount, note)
}

type captureAlerter struct {
	messages []string
}

func (c *captureAlerter) Alert(_ context.Context, message string, _ error) {
	c.messages = append(c.messages, message)
}

type fixture struct {
	store    *memstore.Store
	ledger   *ledger.Service
	licenses *license.Service
	referral *referral.Engine
	alerter  *captureAlerter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	led := ledger.NewService(st, nil)
	return &fixture{
		store:    st,
		ledger:   led,
		licenses: license.NewService(st, nil),
		referral: referral.NewEngine(st, led, nil),
		alerter:  &captureAlerter{},
	}
}

func (f *fixture) orchestrator(lic Licenser, led Ledger) *Orchestrator {
	if lic == nil {
		lic = f.licenses
	}
	if led == nil {
		led = f.ledger
	}
	return NewOrchestrator(lic, led, f.referral, f.alerter, nil)
}

func (f *fixture) seedBuyer(t *testing.T, id, balance int64) {
	t.Helper()
	_, err := f.ledger.Deposit(context.Background(), id, balance, "seed")
	require.NoError(t, err)
}

func (f *fixture) seedCreator(t *testing.T, id int64, code string, discount, commission int) {
	t.Helper()
	ctx := context.Background()
	u, err := f.store.Users().GetOrCreate(ctx, id)
	require.NoError(t, err)
	u.Role = store.RoleCreator
	u.DiscountPercent = discount
	u.CommissionRate = commission
	if code != "" {
		u.ReferralCode = &code
	}
	require.NoError(t, f.store.Users().Update(ctx, u))
}

func TestPurchaseWithoutReferral(t *testing.T) {
	f := newFixture(t)
	f.seedBuyer(t, 1, 1500)
	o := f.orchestrator(nil, nil)

	receipt, err := o.Purchase(context.Background(), Request{
		BuyerID: 1, Tier: store.TierBasic, Days: 30, Price: 1000, MaxSessions: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1000), receipt.Charged, "no referral, full price")
	assert.Zero(t, receipt.Discount)
	assert.Nil(t, receipt.ReferrerID)
	assert.Equal(t, int64(500), receipt.Balance)
	assert.Equal(t, int64(1), receipt.License.OwnerID)
	assert.Equal(t, store.TierBasic, receipt.License.Tier)
}

func TestPurchaseWithReferralDiscountAndCommission(t *testing.T) {
	f := newFixture(t)
	f.seedBuyer(t, 1, 1000)
	f.seedCreator(t, 9, "deal", 10, 20)
	o := f.orchestrator(nil, nil)
	ctx := context.Background()

	receipt, err := o.Purchase(ctx, Request{
		BuyerID: 1, Tier: store.TierBasic, Days: 30, Price: 1000, Referral: "deal",
	})
	require.NoError(t, err)

	// 10% discount on 1000 charges 900; the creator's 20% commission on the
	// discounted price is 180.
	assert.Equal(t, int64(900), receipt.Charged)
	assert.Equal(t, 10, receipt.Discount)
	require.NotNil(t, receipt.ReferrerID)
	assert.Equal(t, int64(9), *receipt.ReferrerID)
	assert.Equal(t, int64(100), receipt.Balance)

	creator, err := f.store.Users().Get(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(180), creator.Balance)
	assert.Equal(t, int64(1), creator.ReferralSales)
	assert.Equal(t, int64(180), creator.ReferralEarnings)

	// The buyer's purchase row records the referrer.
	txs, err := f.ledger.Transactions(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.NotNil(t, txs[0].ReferrerID)
	assert.Equal(t, int64(9), *txs[0].ReferrerID)
}

func TestPurchaseReferralByUserID(t *testing.T) {
	f := newFixture(t)
	f.seedBuyer(t, 1, 1000)
	f.seedCreator(t, 9, "", 10, 20)
	o := f.orchestrator(nil, nil)

	receipt, err := o.Purchase(context.Background(), Request{
		BuyerID: 1, Tier: store.TierBasic, Days: 30, Price: 1000, Referral: "9",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(900), receipt.Charged)
}

func TestPurchasePlainUserReferralGrantsNothing(t *testing.T) {
	f := newFixture(t)
	f.seedBuyer(t, 1, 1000)
	_, err := f.store.Users().GetOrCreate(context.Background(), 2) // plain user referrer
	require.NoError(t, err)
	o := f.orchestrator(nil, nil)
	ctx := context.Background()

	receipt, err := o.Purchase(ctx, Request{
		BuyerID: 1, Tier: store.TierBasic, Days: 30, Price: 1000, Referral: "2",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), receipt.Charged, "plain users grant no discount")

	ref, err := f.store.Users().Get(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, ref.Balance, "plain users earn no commission")
}

func TestPurchaseRejectsSelfReferral(t *testing.T) {
	f := newFixture(t)
	f.seedBuyer(t, 1, 1000)
	o := f.orchestrator(nil, nil)

	_, err := o.Purchase(context.Background(), Request{
		BuyerID: 1, Tier: store.TierBasic, Days: 30, Price: 1000, Referral: "1",
	})
	assert.ErrorIs(t, err, kgerrors.ErrSelfReferral)

	balance, err := f.ledger.Balance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance, "no money moves on rejection")
}

func TestPurchaseUnknownReferralFailsBeforeCharge(t *testing.T) {
	f := newFixture(t)
	f.seedBuyer(t, 1, 1000)
	o := f.orchestrator(nil, nil)

	_, err := o.Purchase(context.Background(), Request{
		BuyerID: 1, Tier: store.TierBasic, Days: 30, Price: 1000, Referral: "ghost",
	})
	assert.ErrorIs(t, err, kgerrors.ErrReferralNotFound)

	balance, err := f.ledger.Balance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
}

func TestPurchaseInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.seedBuyer(t, 1, 100)
	o := f.orchestrator(nil, nil)

	_, err := o.Purchase(context.Background(), Request{
		BuyerID: 1, Tier: store.TierBasic, Days: 30, Price: 1000,
	})
	assert.ErrorIs(t, err, kgerrors.ErrInsufficientBalance)
}

func TestPurchaseRefundsOnGrantFailure(t *testing.T) {
	f := newFixture(t)
	f.seedBuyer(t, 1, 1000)
	lic := &failingLicenser{inner: f.licenses, failures: 1, err: kgerrors.Transient("insert license", assert.AnError)}
	o := f.orchestrator(lic, nil)
	ctx := context.Background()

	_, err := o.Purchase(ctx, Request{
		BuyerID: 1, Tier: store.TierBasic, Days: 30, Price: 1000,
	})
	require.Error(t, err)

	balance, err := f.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance, "buyer made whole")

	txs, err := f.ledger.Transactions(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, txs, 3, "seed, spend, refund")
	assert.Equal(t, "Refund: license creation failed", txs[0].Description)
	assert.Equal(t, int64(1000), txs[0].Amount)
	assert.Empty(t, f.alerter.messages)
}

func TestRefundRetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.seedBuyer(t, 1, 1000)
	lic := &failingLicenser{inner: f.licenses, failures: 1, err: kgerrors.Transient("insert license", assert.AnError)}
	led := &flakyLedger{inner: f.ledger, depositFailures: 1, depositErr: kgerrors.Transient("update balance", assert.AnError)}
	o := f.orchestrator(lic, led)
	ctx := context.Background()

	_, err := o.Purchase(ctx, Request{
		BuyerID: 1, Tier: store.TierBasic, Days: 30, Price: 1000,
	})
	require.Error(t, err)

	balance, err := f.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance, "second refund attempt lands")
	assert.Empty(t, f.alerter.messages)
}

func TestRefundEscalatesWhenRetryFails(t *testing.T) {
	f := newFixture(t)
	f.seedBuyer(t, 1, 1000)
	lic := &failingLicenser{inner: f.licenses, failures: 1, err: kgerrors.Transient("insert license", assert.AnError)}
	led := &flakyLedger{inner: f.ledger, depositFailures: 2, depositErr: kgerrors.Transient("update balance", assert.AnError)}
	o := f.orchestrator(lic, led)

	_, err := o.Purchase(context.Background(), Request{
		BuyerID: 1, Tier: store.TierBasic, Days: 30, Price: 1000,
	})
	require.Error(t, err)
	require.Len(t, f.alerter.messages, 1, "stuck refund must reach a human")
	assert.Contains(t, f.alerter.messages[0], "refund of 1000 to user 1")
}

func TestPurchaseExtendsExistingLicense(t *testing.T) {
	f := newFixture(t)
	f.seedBuyer(t, 1, 2000)
	o := f.orchestrator(nil, nil)
	ctx := context.Background()

	existing, err := f.licenses.Create(ctx, 1, store.TierBasic, 5, 1)
	require.NoError(t, err)

	receipt, err := o.Purchase(ctx, Request{
		BuyerID: 1, Tier: store.TierBasic, Days: 30, Price: 1000, ExtendKey: existing.Key,
	})
	require.NoError(t, err)
	assert.Equal(t, existing.Key, receipt.License.Key, "renewal keeps the key")
	assert.True(t, receipt.License.ExpiresAt.After(existing.ExpiresAt))
}

// counterTotal sums a counter's data points across all attribute sets.
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestPurchaseRecordsMetrics(t *testing.T) {
	f := newFixture(t)
	f.seedBuyer(t, 1, 3000)
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	ctx := context.Background()

	o := NewOrchestrator(f.licenses, f.ledger, f.referral, f.alerter, nil, WithMeter(meter))
	_, err := o.Purchase(ctx, Request{
		BuyerID: 1, Tier: store.TierBasic, Days: 30, Price: 1000,
	})
	require.NoError(t, err)

	// A failed grant counts a refund, never a purchase or revenue.
	lic := &failingLicenser{inner: f.licenses, failures: 1, err: kgerrors.Transient("insert license", assert.AnError)}
	o = NewOrchestrator(lic, f.ledger, f.referral, f.alerter, nil, WithMeter(meter))
	_, err = o.Purchase(ctx, Request{
		BuyerID: 1, Tier: store.TierBasic, Days: 30, Price: 1000,
	})
	require.Error(t, err)

	assert.Equal(t, int64(1), counterTotal(t, reader, "keygate.purchases"))
	assert.Equal(t, int64(1000), counterTotal(t, reader, "keygate.purchase.revenue"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "keygate.purchase.refunds"))
}

func TestPurchaseValidatesInput(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(nil, nil)
	ctx := context.Background()

	_, err := o.Purchase(ctx, Request{BuyerID: 1, Tier: store.TierBasic, Days: 30, Price: 0})
	assert.Equal(t, kgerrors.KindPolicyViolation, kgerrors.KindOf(err))

	_, err = o.Purchase(ctx, Request{BuyerID: 1, Tier: store.TierBasic, Days: 0, Price: 100})
	assert.Equal(t, kgerrors.KindPolicyViolation, kgerrors.KindOf(err))
}
