// Package webhook authenticates signed payment notifications and turns
// provider events into credit grants.
package webhook

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const (
	SignatureHeader  = "X-Webhook-Signature"
	DefaultTolerance = 5 * time.Minute
)

var (
	ErrMissingSignature    = errors.New("webhook: missing signature")
	ErrInvalidSignature    = errors.New("webhook: invalid signature")
	ErrTimestampOutOfRange = errors.New("webhook: timestamp outside tolerance")
)

// Verifier checks provider signature headers of the form "t=<unix>,v1=<hex>"
// where the hex part is HMAC-SHA256(secret, "<t>.<body>").
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Sign returns the header value for payload sent at ts.
func (v *Verifier) Sign(payload []byte, ts time.Time) string {
	sig := stripewebhook.ComputeSignature(ts, payload, v.secret)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(sig))
}

func (v *Verifier) Verify(header string, payload []byte) error {
	if strings.TrimSpace(header) == "" {
		return ErrMissingSignature
	}

	err := stripewebhook.ValidatePayloadWithTolerance(payload, header, v.secret, v.tolerance)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stripewebhook.ErrTooOld):
		return fmt.Errorf("%w: %w", ErrTimestampOutOfRange, err)
	default:
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
}
