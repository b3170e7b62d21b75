// Package purchase coordinates a balance-funded license sale across the
// ledger, the license service and the referral engine. The money movement
// and the license grant live in different atomic units, so the orchestrator
// compensates: a grant failure after a successful debit triggers a refund,
// retried and escalated if it cannot be applied.
package purchase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	kgerrors "keygate/internal/errors"
	"keygate/internal/store"
)

// refundNote marks compensating deposits in the transaction log.
const refundNote = "Refund: license creation failed"

// Licenser grants entitlements: fresh licenses for new purchases, extensions
// when the buyer renews an existing key.
type Licenser interface {
	Create(ctx context.Context, ownerID int64, tier store.Tier, days int, maxSessions int) (store.License, error)
	Extend(ctx context.Context, key string, duration time.Duration) (store.License, error)
}

// Ledger moves the buyer's money.
type Ledger interface {
	Spend(ctx context.Context, userID, amount int64, note string, relatedReferrer *int64) (int64, error)
	Deposit(ctx context.Context, userID, amount int64, note string) (int64, error)
}

// Referrals resolves referrer identities and settles commission.
type Referrals interface {
	Resolve(ctx context.Context, identifier string) (int64, error)
	DiscountPercent(ctx context.Context, ownerID int64) (int, error)
	RecordSale(ctx context.Context, ownerID, buyerID, saleAmount int64) (int64, error)
}

// Alerter receives failures that need a human: money left in an inconsistent
// state after the refund path itself failed.
type Alerter interface {
	Alert(ctx context.Context, message string, err error)
}

// LogAlerter is the default Alerter; it writes the escalation to the error
// log.
type LogAlerter struct {
	Logger *slog.Logger
}

func (a LogAlerter) Alert(ctx context.Context, message string, err error) {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "purchase escalation: "+message, slog.String("error", err.Error()))
}

// Request describes one purchase.
type Request struct {
	BuyerID     int64
	Tier        store.Tier
	Days        int
	Price       int64 // list price before discount, smallest currency unit
	MaxSessions int

	// Referral optionally names the referrer, as a user id or vanity code.
	// An unresolvable identifier fails the purchase before any money moves.
	Referral string

	// ExtendKey, when set, renews that license instead of issuing a new one.
	ExtendKey string
}

// Receipt is the outcome of a completed purchase.
type Receipt struct {
	License    store.License `json:"license"`
	Charged    int64         `json:"charged"`
	Discount   int           `json:"discount_percent"`
	ReferrerID *int64        `json:"referrer_id,omitempty"`
	Balance    int64         `json:"balance"`
}

// Orchestrator drives the purchase flow.
type Orchestrator struct {
	licenses  Licenser
	ledger    Ledger
	referrals Referrals
	alerter   Alerter
	logger    *slog.Logger

	purchases metric.Int64Counter
	revenue   metric.Int64Counter
	refunds   metric.Int64Counter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMeter wires purchase, revenue and refund counters onto the given
// meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *Orchestrator) {
		o.purchases, _ = meter.Int64Counter("keygate.purchases",
			metric.WithDescription("Completed purchases, by tier"))
		o.revenue, _ = meter.Int64Counter("keygate.purchase.revenue",
			metric.WithDescription("Revenue from completed purchases, smallest currency unit"))
		o.refunds, _ = meter.Int64Counter("keygate.purchase.refunds",
			metric.WithDescription("Compensating refunds issued after failed grants"))
	}
}

// NewOrchestrator wires the purchase flow. A nil alerter falls back to
// log-only escalation.
func NewOrchestrator(lic Licenser, led Ledger, ref Referrals, alerter Alerter, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = LogAlerter{Logger: logger}
	}
	o := &Orchestrator{
		licenses:  lic,
		ledger:    led,
		referrals: ref,
		alerter:   alerter,
		logger:    logger.With(slog.String("component", "purchase")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Purchase executes the sale: resolve the referrer, apply their discount,
// debit the buyer, grant the license, then settle commission. The debit and
// the grant are separate atomic units; if the grant fails the buyer is
// refunded in full. Commission settlement is best-effort and never fails a
// purchase that already granted the license.
func (o *Orchestrator) Purchase(ctx context.Context, req Request) (Receipt, error) {
	if req.Price <= 0 {
		return Receipt{}, kgerrors.Invalid("price must be positive")
	}
	if req.Days <= 0 {
		return Receipt{}, kgerrors.Invalid("duration must be positive")
	}

	var (
		referrerID *int64
		discount   int
	)
	if req.Referral != "" {
		id, err := o.referrals.Resolve(ctx, req.Referral)
		if err != nil {
			return Receipt{}, err
		}
		if id == req.BuyerID {
			return Receipt{}, kgerrors.ErrSelfReferral
		}
		discount, err = o.referrals.DiscountPercent(ctx, id)
		if err != nil {
			return Receipt{}, err
		}
		referrerID = &id
	}

	charged := req.Price * int64(100-discount) / 100

	note := fmt.Sprintf("License purchase: %s", req.Tier)
	balance, err := o.ledger.Spend(ctx, req.BuyerID, charged, note, referrerID)
	if err != nil {
		return Receipt{}, err
	}

	lic, err := o.grant(ctx, req)
	if err != nil {
		o.refund(ctx, req.BuyerID, charged)
		return Receipt{}, err
	}

	if referrerID != nil {
		if _, err := o.referrals.RecordSale(ctx, *referrerID, req.BuyerID, charged); err != nil {
			// The buyer has paid and holds the license; a commission
			// failure is the referrer's problem to escalate, not the
			// buyer's.
			o.logger.WarnContext(ctx, "commission settlement failed",
				slog.Int64("referrer_id", *referrerID),
				slog.Int64("buyer_id", req.BuyerID),
				slog.String("error", err.Error()),
			)
		}
	}

	if o.purchases != nil {
		attrs := metric.WithAttributes(attribute.String("tier", string(req.Tier)))
		o.purchases.Add(ctx, 1, attrs)
		o.revenue.Add(ctx, charged, attrs)
	}
	o.logger.InfoContext(ctx, "purchase completed",
		slog.Int64("buyer_id", req.BuyerID),
		slog.String("key", lic.Key),
		slog.Int64("charged", charged),
		slog.Int("discount_percent", discount),
	)
	return Receipt{
		License:    lic,
		Charged:    charged,
		Discount:   discount,
		ReferrerID: referrerID,
		Balance:    balance,
	}, nil
}

func (o *Orchestrator) grant(ctx context.Context, req Request) (store.License, error) {
	if req.ExtendKey != "" {
		return o.licenses.Extend(ctx, req.ExtendKey, time.Duration(req.Days)*24*time.Hour)
	}
	return o.licenses.Create(ctx, req.BuyerID, req.Tier, req.Days, req.MaxSessions)
}

// refund compensates a debited buyer after a failed grant. A transient
// failure is retried once; a refund that still cannot be applied is
// escalated with enough detail to settle by hand.
func (o *Orchestrator) refund(ctx context.Context, buyerID, amount int64) {
	if o.refunds != nil {
		o.refunds.Add(ctx, 1)
	}
	_, err := o.ledger.Deposit(ctx, buyerID, amount, refundNote)
	if err != nil && kgerrors.IsTransient(err) {
		_, err = o.ledger.Deposit(ctx, buyerID, amount, refundNote)
	}
	if err != nil {
		o.alerter.Alert(ctx,
			fmt.Sprintf("refund of %d to user %d failed after license grant error", amount, buyerID),
			err)
		return
	}
	o.logger.InfoContext(ctx, "purchase refunded",
		slog.Int64("buyer_id", buyerID),
		slog.Int64("amount", amount),
	)
}
