package payments

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeProcessor implements Processor using Stripe Connect destination
// charges to Express accounts.
type StripeProcessor struct {
	api        *client.API
	refreshURL string
	returnURL  string
}

// NewStripeProcessor creates a Stripe-backed processor. Onboarding links
// bounce through the app's base URL.
func NewStripeProcessor(secretKey, appBaseURL string) *StripeProcessor {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProcessor{
		api:        api,
		refreshURL: appBaseURL + "/onboarding/refresh",
		returnURL:  appBaseURL + "/onboarding/complete",
	}
}

// CreateAccount creates an Express connected account for a biller.
func (p *StripeProcessor) CreateAccount(ctx context.Context, email, name string) (string, error) {
	params := &stripe.AccountParams{
		Params:       stripe.Params{Context: ctx},
		Type:         stripe.String(string(stripe.AccountTypeExpress)),
		Email:        stripe.String(email),
		BusinessType: stripe.String("company"),
	}
	params.AddMetadata("biller_name", name)

	acct, err := p.api.Accounts.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: create account: %v", ErrProcessor, err)
	}
	return acct.ID, nil
}

// GetAccountStatus reports whether the connected account can receive
// transfers and whether onboarding requirements are still outstanding.
func (p *StripeProcessor) GetAccountStatus(ctx context.Context, accountID string) (AccountStatus, error) {
	acct, err := p.api.Accounts.GetByID(accountID, &stripe.AccountParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return AccountStatus{}, fmt.Errorf("%w: get account: %v", ErrProcessor, err)
	}

	status := AccountStatus{
		Enabled: acct.ChargesEnabled && acct.PayoutsEnabled,
	}
	if acct.Requirements != nil && len(acct.Requirements.CurrentlyDue) > 0 {
		status.RequirementsDue = true
	}
	return status, nil
}

// CreateOnboardingLink mints a fresh hosted-onboarding URL for the account.
func (p *StripeProcessor) CreateOnboardingLink(ctx context.Context, accountID string) (string, error) {
	link, err := p.api.AccountLinks.New(&stripe.AccountLinkParams{
		Params:     stripe.Params{Context: ctx},
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(p.refreshURL),
		ReturnURL:  stripe.String(p.returnURL),
		Type:       stripe.String("account_onboarding"),
	})
	if err != nil {
		return "", fmt.Errorf("%w: create onboarding link: %v", ErrProcessor, err)
	}
	return link.URL, nil
}

// CreateDestinationCharge creates a payment intent that splits funds to the
// biller's connected account, keeping the application fee on the platform.
func (p *StripeProcessor) CreateDestinationCharge(ctx context.Context, cp ChargeParams) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Params:               stripe.Params{Context: ctx},
		Amount:               stripe.Int64(cp.AmountCents),
		Currency:             stripe.String(cp.Currency),
		ApplicationFeeAmount: stripe.Int64(cp.ApplicationFeeCents),
		Description:          stripe.String(cp.Description),
		TransferData: &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(cp.DestinationAccountID),
		},
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.AddMetadata("offer_id", cp.OfferID)

	intent, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: create payment intent: %v", ErrProcessor, err)
	}
	return &Intent{ID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

// StripeWebhookVerifier implements WebhookVerifier with Stripe's signed
// webhook scheme. Verification runs over the raw, unparsed body.
type StripeWebhookVerifier struct {
	signingSecret string
}

func NewStripeWebhookVerifier(signingSecret string) *StripeWebhookVerifier {
	return &StripeWebhookVerifier{signingSecret: signingSecret}
}

// Verify checks the signature header and decodes the event into the
// processor-neutral Event shape. Unrecognized event types come back as
// EventIgnored so the handler can acknowledge them without acting.
func (v *StripeWebhookVerifier) Verify(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, v.signingSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	out := &Event{ID: event.ID, Kind: EventIgnored}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, fmt.Errorf("failed to decode payment intent payload: %w", err)
		}
		out.PaymentIntentID = intent.ID
		if event.Type == "payment_intent.succeeded" {
			out.Kind = EventPaymentSucceeded
			if intent.LatestCharge != nil {
				out.Reference = intent.LatestCharge.ID
			}
		} else {
			out.Kind = EventPaymentFailed
			if intent.LastPaymentError != nil {
				out.FailureReason = intent.LastPaymentError.Msg
			}
			if out.FailureReason == "" {
				out.FailureReason = "payment declined"
			}
		}
	case "account.updated":
		out.Kind = EventAccountUpdated
		out.AccountID = event.Account
	}

	return out, nil
}
