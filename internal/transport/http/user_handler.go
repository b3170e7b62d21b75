package http

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	kgerrors "keygate/internal/errors"
	"keygate/internal/ledger"
	"keygate/internal/license"
	"keygate/internal/store"
	"keygate/internal/user"
	api "keygate/pkg/contracts/api/v1"
)

// defaultTransactionLimit bounds history responses.
const defaultTransactionLimit = 50

// UserHandler serves account, balance and referral-code endpoints.
type UserHandler struct {
	users    *user.Service
	ledger   *ledger.Service
	licenses *license.Service
	logger   *slog.Logger
}

// NewUserHandler creates a user handler.
func NewUserHandler(users *user.Service, led *ledger.Service, licenses *license.Service, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		users:    users,
		ledger:   led,
		licenses: licenses,
		logger:   logger.With(slog.String("handler", "user")),
	}
}

// Routes returns the user sub-router.
func (h *UserHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", h.Get)
	r.Get("/{id}/transactions", h.Transactions)
	r.Get("/{id}/licenses", h.Licenses)
	r.Put("/{id}/referral-code", h.SetReferralCode)
	r.Put("/{id}/role", h.SetRole)
	return r
}

// BalanceRoutes returns the balance sub-router.
func (h *UserHandler) BalanceRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/deposit", h.Deposit)
	r.Post("/withdraw", h.Withdraw)
	return r
}

func userID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, kgerrors.Invalid("user id must be a positive integer")
	}
	return id, nil
}

// Get returns the account.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		render.Render(w, r, kgerrors.InvalidRequestWithError(err))
		return
	}

	usr, err := h.users.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, toUserResponse(usr))
}

// Transactions lists the account's ledger rows newest-first.
func (h *UserHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		render.Render(w, r, kgerrors.InvalidRequestWithError(err))
		return
	}

	limit := defaultTransactionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	txs, err := h.ledger.Transactions(r.Context(), id, limit)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	out := make([]api.TransactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, api.TransactionResponse{
			ID:          tx.ID,
			Amount:      tx.Amount,
			Kind:        string(tx.Kind),
			Description: tx.Description,
			ReferrerID:  tx.ReferrerID,
			CreatedAt:   tx.CreatedAt,
		})
	}
	render.JSON(w, r, out)
}

// Licenses lists the account's licenses.
func (h *UserHandler) Licenses(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		render.Render(w, r, kgerrors.InvalidRequestWithError(err))
		return
	}

	includeBlocked := r.URL.Query().Get("include_blocked") == "true"
	lics, err := h.licenses.ByOwner(r.Context(), id, includeBlocked)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	out := make([]api.LicenseResponse, 0, len(lics))
	for _, lic := range lics {
		out = append(out, toLicenseResponse(lic, false, 0))
	}
	render.JSON(w, r, out)
}

// SetReferralCode assigns or clears the account's vanity code.
func (h *UserHandler) SetReferralCode(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		render.Render(w, r, kgerrors.InvalidRequestWithError(err))
		return
	}
	var req api.ReferralCodeRequest
	if !decodeAndValidate(w, r, h.logger, &req) {
		return
	}

	if err := h.users.SetReferralCode(r.Context(), id, req.Code); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	usr, err := h.users.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, toUserResponse(usr))
}

// SetRole changes the account's role.
func (h *UserHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		render.Render(w, r, kgerrors.InvalidRequestWithError(err))
		return
	}
	var req api.RoleRequest
	if !decodeAndValidate(w, r, h.logger, &req) {
		return
	}

	if err := h.users.SetRole(r.Context(), id, store.Role(req.Role)); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	usr, err := h.users.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, toUserResponse(usr))
}

// Deposit credits a balance after an external payment confirmation.
func (h *UserHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req api.DepositRequest
	if !decodeAndValidate(w, r, h.logger, &req) {
		return
	}

	note := req.Note
	if note == "" {
		note = "Deposit"
	}
	balance, err := h.ledger.Deposit(r.Context(), req.UserID, req.Amount, note)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, api.BalanceResponse{UserID: req.UserID, Balance: balance})
}

// Withdraw pays out part of a creator's balance.
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req api.WithdrawRequest
	if !decodeAndValidate(w, r, h.logger, &req) {
		return
	}

	balance, err := h.ledger.Withdraw(r.Context(), req.UserID, req.Amount)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, api.BalanceResponse{UserID: req.UserID, Balance: balance})
}

func toUserResponse(usr store.User) api.UserResponse {
	return api.UserResponse{
		ID:               usr.ID,
		Role:             string(usr.Role),
		Balance:          usr.Balance,
		ReferredBy:       usr.ReferredBy,
		ReferralCode:     usr.ReferralCode,
		CommissionRate:   usr.CommissionRate,
		DiscountPercent:  usr.DiscountPercent,
		ReferralSales:    usr.ReferralSales,
		ReferralEarnings: usr.ReferralEarnings,
	}
}
