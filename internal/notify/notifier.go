// Package notify delivers lifecycle emails to negotiation parties. The core
// treats delivery as fire-and-forget: a send failure is logged, never allowed
// to block a state transition.
package notify

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Notifier is the outbound email surface for the settlement lifecycle.
type Notifier interface {
	SendOTP(ctx context.Context, email, code string, expiry time.Time) error
	SendCounterOffer(ctx context.Context, email string, amount decimal.Decimal, message string) error
	SendAccepted(ctx context.Context, email string, amount decimal.Decimal) error
	SendPaymentConfirmation(ctx context.Context, email string, amount decimal.Decimal, reference string) error
}
