package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// LogNotifier writes notifications to the log instead of sending email. Used
// in development when no SMTP relay is configured.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) SendOTP(ctx context.Context, email, code string, expiry time.Time) error {
	slog.Info("notify: otp", "email", email, "code", code, "expiry", expiry)
	return nil
}

func (n *LogNotifier) SendCounterOffer(ctx context.Context, email string, amount decimal.Decimal, message string) error {
	slog.Info("notify: counter offer", "email", email, "amount", amount.StringFixed(2))
	return nil
}

func (n *LogNotifier) SendAccepted(ctx context.Context, email string, amount decimal.Decimal) error {
	slog.Info("notify: accepted", "email", email, "amount", amount.StringFixed(2))
	return nil
}

func (n *LogNotifier) SendPaymentConfirmation(ctx context.Context, email string, amount decimal.Decimal, reference string) error {
	slog.Info("notify: payment confirmation", "email", email, "amount", amount.StringFixed(2), "reference", reference)
	return nil
}
