package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/creditsledger/backend/internal/services"
	"github.com/creditsledger/backend/internal/webhook"
)

const maxWebhookBody = 1 << 20

type SignatureVerifier interface {
	Verify(header string, payload []byte) error
}

// WebhookSignature rejects requests whose body does not match the
// X-Webhook-Signature header. The body is rewound for the next handler.
func WebhookSignature(v SignatureVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
			if err != nil {
				services.SendErrorResponse(w, "Unable to read request body", services.CodeValidationFailed, http.StatusBadRequest, nil)
				return
			}
			if len(body) > maxWebhookBody {
				services.SendErrorResponse(w, "Request body too large", services.CodeValidationFailed, http.StatusRequestEntityTooLarge, nil)
				return
			}

			if err := v.Verify(r.Header.Get(webhook.SignatureHeader), body); err != nil {
				services.SendErrorResponse(w, err.Error(), services.CodeInvalidSignature, http.StatusUnauthorized, nil)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
