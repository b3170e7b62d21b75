package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"keygate/internal/config"
	kgerrors "keygate/internal/errors"
	"keygate/internal/purchase"
	"keygate/internal/store"
	api "keygate/pkg/contracts/api/v1"
)

// PurchaseHandler serves balance-funded license purchases.
type PurchaseHandler struct {
	orchestrator *purchase.Orchestrator
	pricing      config.PricingConfig
	logger       *slog.Logger
}

// NewPurchaseHandler creates a purchase handler.
func NewPurchaseHandler(orchestrator *purchase.Orchestrator, pricing config.PricingConfig, logger *slog.Logger) *PurchaseHandler {
	return &PurchaseHandler{
		orchestrator: orchestrator,
		pricing:      pricing,
		logger:       logger.With(slog.String("handler", "purchase")),
	}
}

// Routes returns the purchase sub-router.
func (h *PurchaseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Purchase)
	return r
}

// Purchase buys or renews a license from the buyer's balance.
func (h *PurchaseHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req api.PurchaseRequest
	if !decodeAndValidate(w, r, h.logger, &req) {
		return
	}

	price, ok := h.pricing.PriceFor(req.Tier)
	if !ok {
		render.Render(w, r, kgerrors.InvalidRequestWithError(kgerrors.Invalid("unknown tier")))
		return
	}

	receipt, err := h.orchestrator.Purchase(r.Context(), purchase.Request{
		BuyerID:     req.BuyerID,
		Tier:        store.Tier(req.Tier),
		Days:        h.pricing.DurationDays,
		Price:       price,
		MaxSessions: h.pricing.MaxSessions,
		Referral:    req.Referral,
		ExtendKey:   req.ExtendKey,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, api.PurchaseResponse{
		License:    toLicenseResponse(receipt.License, false, 0),
		Charged:    receipt.Charged,
		Discount:   receipt.Discount,
		ReferrerID: receipt.ReferrerID,
		Balance:    receipt.Balance,
	})
}
