package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/creditsledger/backend/internal/models"
	"github.com/creditsledger/backend/internal/services"
	"github.com/creditsledger/backend/internal/webhook"
)

type WebhookCreditResponse struct {
	Transaction models.TransactionView `json:"transaction"`
	Replayed    bool                   `json:"replayed"`
}

type EventAck struct {
	Received bool   `json:"received"`
	Ignored  bool   `json:"ignored,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// WebhookHandler serves signed payment notifications. Signatures are checked
// by middleware.WebhookSignature before these handlers run.
type WebhookHandler struct {
	ledger    Ledger
	validator *services.ValidationHelper
	log       *logrus.Logger
}

func NewWebhookHandler(ledger Ledger, log *logrus.Logger) *WebhookHandler {
	return &WebhookHandler{
		ledger:    ledger,
		validator: services.NewValidationHelper(),
		log:       log,
	}
}

// CreditFromWebhook applies a signed credit notification at most once
// @Summary Credit from webhook
// @Description Replays of a referenceToken return the original transaction with 200
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param X-Webhook-Signature header string true "t=<unix>,v1=<hex hmac>"
// @Param request body object{userId=string,amount=int64,description=string,referenceToken=string} true "Credit notification"
// @Success 201 {object} WebhookCreditResponse
// @Success 200 {object} WebhookCreditResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 503 {object} services.ErrorResponse
// @Router /credits/webhook [post]
func (h *WebhookHandler) CreditFromWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID         string `json:"userId" validate:"required,max=255"`
		Amount         int64  `json:"amount"`
		Description    string `json:"description" validate:"max=500"`
		ReferenceToken string `json:"referenceToken" validate:"max=255"`
	}
	if !decodeRequest(w, r, h.validator, &req) {
		return
	}

	res, err := h.ledger.AddCreditsFromWebhook(r.Context(), req.UserID, req.Amount, req.Description, req.ReferenceToken)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, WebhookCreditResponse{Transaction: res.Transaction.View(), Replayed: res.Replayed})
}

// PaymentEvent handles payment provider events
// @Summary Payment provider event
// @Description checkout.session.completed grants credits or a subscription; payment_intent.succeeded grants type=credits only; other events are acknowledged and ignored
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param X-Webhook-Signature header string true "t=<unix>,v1=<hex hmac>"
// @Success 200 {object} EventAck
// @Failure 400 {object} services.ErrorResponse
// @Failure 503 {object} services.ErrorResponse
// @Router /webhooks/payments [post]
func (h *WebhookHandler) PaymentEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		services.SendErrorResponse(w, "Unable to read request body", services.CodeValidationFailed, http.StatusBadRequest, nil)
		return
	}

	event, err := webhook.ParseEvent(body)
	if err != nil {
		services.SendErrorResponse(w, "Invalid event payload", services.CodeValidationFailed, http.StatusBadRequest, nil)
		return
	}
	entry := h.log.WithFields(logrus.Fields{"event_id": event.ID, "event_type": event.Type})

	grant, err := event.CreditGrant()
	if errors.Is(err, webhook.ErrUnhandledEvent) || errors.Is(err, webhook.ErrInvalidEvent) {
		// the provider retries non-2xx responses; these never succeed
		entry.WithError(err).Info("payment event ignored")
		writeJSON(w, http.StatusOK, EventAck{Received: true, Ignored: true, Reason: err.Error()})
		return
	}
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}

	res, err := h.ledger.AddCreditsFromWebhook(r.Context(), grant.UserID, grant.Amount, grant.Description, grant.ReferenceToken)
	if err != nil {
		entry.WithError(err).Warn("payment event not applied")
		services.SendLedgerError(w, err)
		return
	}

	entry.WithFields(logrus.Fields{
		"transaction_id": res.Transaction.ID,
		"replayed":       res.Replayed,
	}).Info("payment event applied")
	writeJSON(w, http.StatusOK, EventAck{Received: true})
}
