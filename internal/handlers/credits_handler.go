package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/creditsledger/backend/internal/middleware"
	"github.com/creditsledger/backend/internal/models"
	"github.com/creditsledger/backend/internal/services"
)

type Ledger interface {
	AddCredits(ctx context.Context, userID string, amount int64, kind models.TransactionKind, description string) (*models.Transaction, error)
	AddCreditsFromWebhook(ctx context.Context, userID string, amount int64, description, referenceToken string) (*services.ApplyResult, error)
	Debit(ctx context.Context, userID string, amount int64, description string) (*models.Transaction, error)
	DebitFeature(ctx context.Context, userID string, feature models.Feature, description, referenceToken string) (*services.ApplyResult, error)
}

type Queries interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	ListPage(ctx context.Context, userID string, limit int, cursor int64) (services.Page, error)
	GetStats(ctx context.Context, userID string) (*models.CreditStats, error)
}

type BalanceResponse struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
}

type TransactionsResponse struct {
	Transactions []models.TransactionView `json:"transactions"`
	NextCursor   *int64                   `json:"nextCursor"`
}

type DeductResponse struct {
	Success     bool                   `json:"success"`
	Balance     int64                  `json:"balance"`
	Transaction models.TransactionView `json:"transaction"`
	Replayed    bool                   `json:"replayed"`
}

type CreditsHandler struct {
	ledger    Ledger
	queries   Queries
	validator *services.ValidationHelper
	log       *logrus.Logger
}

func NewCreditsHandler(ledger Ledger, queries Queries, log *logrus.Logger) *CreditsHandler {
	return &CreditsHandler{
		ledger:    ledger,
		queries:   queries,
		validator: services.NewValidationHelper(),
		log:       log,
	}
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", services.CodeUnauthorized, http.StatusUnauthorized, nil)
	}
	return userID, ok
}

// GetBalance returns the caller's balance
// @Summary Get credit balance
// @Tags Credits
// @Produce json
// @Security BearerAuth
// @Success 200 {object} BalanceResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 503 {object} services.ErrorResponse
// @Router /credits/balance [get]
func (h *CreditsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	balance, err := h.queries.GetBalance(r.Context(), userID)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: balance})
}

// ListTransactions returns the caller's history, newest first
// @Summary List credit transactions
// @Tags Credits
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size (default 50, max 500)"
// @Param cursor query int false "Last seen transaction id"
// @Success 200 {object} TransactionsResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /credits/transactions [get]
func (h *CreditsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	// a malformed limit falls back to the default page size
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	var cursor int64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		c, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || c < 0 {
			services.SendErrorResponse(w, "Invalid cursor", services.CodeValidationFailed, http.StatusBadRequest, nil)
			return
		}
		cursor = c
	}

	page, err := h.queries.ListPage(r.Context(), userID, limit, cursor)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}

	resp := TransactionsResponse{Transactions: make([]models.TransactionView, 0, len(page.Transactions))}
	for i := range page.Transactions {
		resp.Transactions = append(resp.Transactions, page.Transactions[i].View())
	}
	if page.NextCursor != 0 {
		resp.NextCursor = &page.NextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetStats returns usage statistics for the caller
// @Summary Get credit usage statistics
// @Tags Credits
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.CreditStats
// @Failure 401 {object} services.ErrorResponse
// @Router /credits/stats [get]
func (h *CreditsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	stats, err := h.queries.GetStats(r.Context(), userID)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Deduct charges the caller for one use of a feature
// @Summary Deduct credits for a feature
// @Tags Credits
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{feature=string,description=string,referenceToken=string} true "Feature usage"
// @Success 200 {object} DeductResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 402 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /credits/deduct [post]
func (h *CreditsHandler) Deduct(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Feature        string `json:"feature" validate:"required"`
		Description    string `json:"description" validate:"max=500"`
		ReferenceToken string `json:"referenceToken" validate:"max=255"`
	}
	if !decodeRequest(w, r, h.validator, &req) {
		return
	}

	res, err := h.ledger.DebitFeature(r.Context(), userID, models.Feature(req.Feature), req.Description, req.ReferenceToken)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}

	balance := res.Transaction.BalanceAfter
	if res.Replayed {
		// the original balanceAfter is stale for a replayed debit
		current, err := h.queries.GetBalance(r.Context(), userID)
		if err != nil {
			h.log.WithError(err).WithFields(logrus.Fields{
				"user_id":        userID,
				"transaction_id": res.Transaction.ID,
			}).Warn("failed to load balance for replayed deduct")
		} else {
			balance = current
		}
	}
	writeJSON(w, http.StatusOK, DeductResponse{
		Success:     true,
		Balance:     balance,
		Transaction: res.Transaction.View(),
		Replayed:    res.Replayed,
	})
}

// AddCredits grants credits on behalf of an internal caller
// @Summary Add credits
// @Tags Internal
// @Accept json
// @Produce json
// @Security InternalAPIKey
// @Param request body object{userId=string,amount=int64,description=string,kind=string} true "Credit grant"
// @Success 201 {object} models.Transaction
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /credits [post]
func (h *CreditsHandler) AddCredits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"userId" validate:"required,max=255"`
		Amount      int64  `json:"amount"`
		Description string `json:"description" validate:"max=500"`
		Kind        string `json:"kind" validate:"omitempty,oneof=purchase manual-adjustment"`
	}
	if !decodeRequest(w, r, h.validator, &req) {
		return
	}

	txn, err := h.ledger.AddCredits(r.Context(), req.UserID, req.Amount, models.TransactionKind(req.Kind), req.Description)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

// Debit consumes credits on behalf of an internal caller
// @Summary Debit credits
// @Tags Internal
// @Accept json
// @Produce json
// @Security InternalAPIKey
// @Param request body object{userId=string,amount=int64,description=string} true "Debit"
// @Success 201 {object} models.Transaction
// @Failure 400 {object} services.ErrorResponse
// @Failure 402 {object} services.ErrorResponse
// @Router /credits/debit [post]
func (h *CreditsHandler) Debit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"userId" validate:"required,max=255"`
		Amount      int64  `json:"amount"`
		Description string `json:"description" validate:"max=500"`
	}
	if !decodeRequest(w, r, h.validator, &req) {
		return
	}

	txn, err := h.ledger.Debit(r.Context(), req.UserID, req.Amount, req.Description)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}
