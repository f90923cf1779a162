package offer

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreateOfferRequest represents the patient's request to open a settlement offer
type CreateOfferRequest struct {
	BillerEmail  string          `json:"biller_email"`
	BillerName   string          `json:"biller_name"`
	OfferAmount  decimal.Decimal `json:"offer_amount"`
	Message      string          `json:"message,omitempty"`
	PatientEmail string          `json:"patient_email,omitempty"`
}

// VerifyOTPRequest carries the biller's candidate passcode
type VerifyOTPRequest struct {
	Code string `json:"code"`
}

// CounterRequest represents the biller's counter offer
type CounterRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Message string          `json:"message,omitempty"`
}

// OfferResponse is the client-facing view of an offer. The OTP hash and
// session token never appear on any read path.
type OfferResponse struct {
	ID                 string           `json:"id"`
	BillID             string           `json:"bill_id"`
	AccessCode         string           `json:"access_code"`
	BillerEmail        string           `json:"biller_email"`
	BillerName         string           `json:"biller_name"`
	OriginalBillAmount decimal.Decimal  `json:"original_bill_amount"`
	OfferAmount        decimal.Decimal  `json:"offer_amount"`
	CounterAmount      *decimal.Decimal `json:"counter_amount,omitempty"`
	FinalAmount        *decimal.Decimal `json:"final_amount,omitempty"`
	Status             Status           `json:"status"`
	History            []HistoryEntry   `json:"history"`
	PlatformFeeCents   int64            `json:"platform_fee_cents,omitempty"`
	PatientMessage     string           `json:"patient_message,omitempty"`
	BillerMessage      string           `json:"biller_message,omitempty"`
	ExpiresAt          string           `json:"expires_at"`
	CreatedAt          string           `json:"created_at"`
}

// VerifyOTPResponse returns the session granted after a successful OTP check
type VerifyOTPResponse struct {
	SessionToken  string         `json:"session_token"`
	SessionExpiry time.Time      `json:"session_expiry"`
	Offer         *OfferResponse `json:"offer"`
}

// OnboardingResponse reports the biller's payout account readiness
type OnboardingResponse struct {
	AccountID     string `json:"account_id"`
	Enabled       bool   `json:"enabled"`
	OnboardingURL string `json:"onboarding_url,omitempty"`
}

// PaymentInitiationResponse returns what the front-end needs to collect payment
type PaymentInitiationResponse struct {
	PaymentIntentID  string `json:"payment_intent_id"`
	ClientSecret     string `json:"client_secret"`
	AmountCents      int64  `json:"amount_cents"`
	PlatformFeeCents int64  `json:"platform_fee_cents"`
}

// ToResponse converts a SettlementOffer model to an OfferResponse DTO
func (o *SettlementOffer) ToResponse() *OfferResponse {
	return &OfferResponse{
		ID:                 o.ID.String(),
		BillID:             o.BillID.String(),
		AccessCode:         o.AccessCode,
		BillerEmail:        o.BillerEmail,
		BillerName:         o.BillerName,
		OriginalBillAmount: o.OriginalBillAmount,
		OfferAmount:        o.OfferAmount,
		CounterAmount:      o.CounterAmount,
		FinalAmount:        o.FinalAmount,
		Status:             o.Status,
		History:            o.History,
		PlatformFeeCents:   o.PlatformFeeCents,
		PatientMessage:     o.PatientMessage,
		BillerMessage:      o.BillerMessage,
		ExpiresAt:          o.ExpiresAt.Format(time.RFC3339),
		CreatedAt:          o.CreatedAt.Format(time.RFC3339),
	}
}
