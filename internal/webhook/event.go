package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v82"
)

const (
	EventCheckoutCompleted      = "checkout.session.completed"
	EventPaymentIntentSucceeded = "payment_intent.succeeded"

	// SubscriptionCredits is granted for every paid subscription period.
	SubscriptionCredits int64 = 1000
)

var (
	ErrUnhandledEvent = errors.New("webhook: unhandled event")
	ErrInvalidEvent   = errors.New("webhook: invalid event")
)

// creditPackage is a purchasable bundle, keyed by the amount charged in cents.
type creditPackage struct {
	name    string
	credits int64
}

var packagesByAmount = map[int64]creditPackage{
	800:  {name: "Base", credits: 300},
	1700: {name: "Standard", credits: 700},
	3000: {name: "Premium", credits: 1500},
}

const subscriptionAmount = 5400

// Event is a provider event envelope.
type Event struct {
	stripe.Event
}

// CreditGrant is what a payment event asks the ledger to credit.
type CreditGrant struct {
	UserID         string
	Amount         int64
	Description    string
	ReferenceToken string
}

func ParseEvent(body []byte) (*Event, error) {
	var e stripe.Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	return &Event{Event: e}, nil
}

func (e *Event) decodeObject(dst any) error {
	if e.Data == nil || len(e.Data.Raw) == 0 {
		return fmt.Errorf("%w: missing data.object", ErrInvalidEvent)
	}
	if err := json.Unmarshal(e.Data.Raw, dst); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return nil
}

// CreditGrant extracts the grant carried by e. A checkout session uses its
// payment intent as reference when present so the session and the intent
// credit the account only once. Payment intents grant credit purchases only;
// subscriptions are granted from their checkout session.
func (e *Event) CreditGrant() (*CreditGrant, error) {
	var (
		token       string
		metadata    map[string]string
		amountTotal int64
	)
	switch string(e.Type) {
	case EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := e.decodeObject(&session); err != nil {
			return nil, err
		}
		token = session.ID
		if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
			token = session.PaymentIntent.ID
		}
		metadata, amountTotal = session.Metadata, session.AmountTotal
	case EventPaymentIntentSucceeded:
		var intent stripe.PaymentIntent
		if err := e.decodeObject(&intent); err != nil {
			return nil, err
		}
		if intent.Metadata["type"] != "credits" {
			return nil, fmt.Errorf("%w: payment intent grant type %q", ErrUnhandledEvent, intent.Metadata["type"])
		}
		token, metadata = intent.ID, intent.Metadata
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandledEvent, e.Type)
	}

	if token == "" {
		return nil, fmt.Errorf("%w: no payment reference", ErrInvalidEvent)
	}

	userID := metadata["userId"]
	if userID == "" {
		return nil, fmt.Errorf("%w: metadata.userId missing", ErrInvalidEvent)
	}

	grantType := metadata["type"]
	credits := metadata["credits"]
	pkg := metadata["package"]
	if grantType == "" {
		if p, ok := packagesByAmount[amountTotal]; ok {
			grantType, credits, pkg = "credits", strconv.FormatInt(p.credits, 10), p.name
		} else if amountTotal == subscriptionAmount {
			grantType = "subscription"
		}
	}

	grant := &CreditGrant{UserID: userID, ReferenceToken: token}
	switch grantType {
	case "credits":
		amount, err := strconv.ParseInt(strings.TrimSpace(credits), 10, 64)
		if err != nil || amount <= 0 {
			return nil, fmt.Errorf("%w: invalid credits %q", ErrInvalidEvent, credits)
		}
		if pkg == "" {
			pkg = "unknown"
		}
		grant.Amount = amount
		grant.Description = fmt.Sprintf("%s package purchase - %d credits", pkg, amount)
	case "subscription":
		grant.Amount = SubscriptionCredits
		grant.Description = "Monthly subscription - 1000 credits"
	default:
		return nil, fmt.Errorf("%w: grant type %q", ErrUnhandledEvent, grantType)
	}
	return grant, nil
}
