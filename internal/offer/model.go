package offer

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/medclear/medclear/internal/credential"
)

// Status represents the lifecycle status of a settlement offer
type Status string

const (
	StatusPendingBiller     Status = "pending_biller"
	StatusCountered         Status = "countered"
	StatusAccepted          Status = "accepted"
	StatusPaymentPending    Status = "payment_pending"
	StatusPaymentProcessing Status = "payment_processing"
	StatusPaid              Status = "paid"
	StatusPaymentFailed     Status = "payment_failed"
	StatusRejected          Status = "rejected"
	StatusExpired           Status = "expired"
	StatusWithdrawn         Status = "withdrawn"
)

// Terminal reports whether no further transitions are possible from s.
// payment_failed is not terminal: the patient may retry.
func (s Status) Terminal() bool {
	switch s {
	case StatusPaid, StatusRejected, StatusExpired, StatusWithdrawn:
		return true
	}
	return false
}

// Actor identifies who performed a lifecycle action
type Actor string

const (
	ActorPatient Actor = "patient"
	ActorBiller  Actor = "biller"
	ActorSystem  Actor = "system"
)

// Action identifies a lifecycle action
type Action string

const (
	ActionCreate           Action = "create"
	ActionCounter          Action = "counter"
	ActionAccept           Action = "accept"
	ActionAcceptCounter    Action = "accept_counter"
	ActionReject           Action = "reject"
	ActionWithdraw         Action = "withdraw"
	ActionInitiatePayment  Action = "initiate_payment"
	ActionIntentCreated    Action = "intent_created"
	ActionPaymentSucceeded Action = "payment_succeeded"
	ActionPaymentFailed    Action = "payment_failed"
	ActionExpire           Action = "expire"
)

// HistoryEntry is one row of the offer's permanent audit trail. Entries are
// append-only and never edited or removed.
type HistoryEntry struct {
	Action    Action           `json:"action"`
	Actor     Actor            `json:"actor"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Note      string           `json:"note,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// SettlementOffer is a patient's proposed reduced payoff for a medical bill,
// negotiated by the biller through an OTP-gated emailed link and settled via
// a destination charge.
type SettlementOffer struct {
	ID             uuid.UUID     `json:"id"`
	BillID         uuid.UUID     `json:"bill_id"`
	PatientUserID  uuid.UUID     `json:"patient_user_id"`
	FamilyMemberID uuid.NullUUID `json:"family_member_id"`
	PatientEmail   string        `json:"patient_email"`
	BillerEmail    string        `json:"biller_email"`
	BillerName     string        `json:"biller_name"`

	// BillerAccountID is the biller's connected payout account, empty until
	// onboarding starts.
	BillerAccountID string `json:"biller_account_id"`

	// AccessCode is the opaque identifier embedded in the emailed URL. High
	// entropy, but not a secret; the OTP is the secret.
	AccessCode string `json:"access_code"`

	// Credential holds the OTP and session state guarding biller actions.
	Credential credential.Credential `json:"-"`

	OriginalBillAmount decimal.Decimal  `json:"original_bill_amount"`
	OfferAmount        decimal.Decimal  `json:"offer_amount"`
	CounterAmount      *decimal.Decimal `json:"counter_amount,omitempty"`
	FinalAmount        *decimal.Decimal `json:"final_amount,omitempty"`

	Status  Status         `json:"status"`
	History []HistoryEntry `json:"history"`

	PaymentIntentID  string `json:"payment_intent_id,omitempty"`
	TransferID       string `json:"transfer_id,omitempty"`
	PlatformFeeCents int64  `json:"platform_fee_cents,omitempty"`

	PatientMessage string `json:"patient_message,omitempty"`
	BillerMessage  string `json:"biller_message,omitempty"`

	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
