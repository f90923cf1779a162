// Package payments bridges the offer lifecycle to the external payment
// processor: destination-charge intents with a platform fee, connected-account
// onboarding, and signed webhook reconciliation.
package payments

import (
	"context"
	"errors"
)

// Common errors
var (
	// ErrProcessor wraps any failed outbound call to the payment processor.
	// Callers surface it to the UI for a manual retry; nothing retries it
	// automatically.
	ErrProcessor = errors.New("payment processor request failed")

	// ErrSignatureInvalid means a webhook payload failed signature
	// verification and must never be processed.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
)

// AccountStatus describes a biller's connected payout account.
type AccountStatus struct {
	Enabled         bool
	RequirementsDue bool
}

// Intent is the processor's handle for a created payment.
type Intent struct {
	ID           string
	ClientSecret string
}

// ChargeParams describes a destination charge: the gross amount is collected
// from the patient, the application fee stays with the platform, and the rest
// transfers to the biller's connected account.
type ChargeParams struct {
	AmountCents          int64
	ApplicationFeeCents  int64
	Currency             string
	DestinationAccountID string
	OfferID              string
	Description          string
}

// Processor is the outbound payment-processor surface. The offer service
// depends on this interface, never on processor SDK types.
type Processor interface {
	CreateAccount(ctx context.Context, email, name string) (string, error)
	GetAccountStatus(ctx context.Context, accountID string) (AccountStatus, error)
	CreateOnboardingLink(ctx context.Context, accountID string) (string, error)
	CreateDestinationCharge(ctx context.Context, params ChargeParams) (*Intent, error)
}

// EventKind classifies inbound webhook events.
type EventKind string

const (
	EventPaymentSucceeded EventKind = "payment_succeeded"
	EventPaymentFailed    EventKind = "payment_failed"
	EventAccountUpdated   EventKind = "account_updated"
	EventIgnored          EventKind = "ignored"
)

// Event is a verified, decoded webhook event.
type Event struct {
	ID              string
	Kind            EventKind
	PaymentIntentID string
	Reference       string
	FailureReason   string
	AccountID       string
}

// WebhookVerifier authenticates a raw webhook payload before anything in it
// is trusted.
type WebhookVerifier interface {
	Verify(payload []byte, signature string) (*Event, error)
}
