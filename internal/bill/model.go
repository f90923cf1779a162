package bill

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status represents the payment status of a medical bill
type Status string

const (
	StatusUnpaid        Status = "unpaid"
	StatusPartiallyPaid Status = "partially_paid"
	StatusPaid          Status = "paid"
)

// Summary is the slice of a medical bill the settlement lifecycle reads:
// ownership for scoping and amounts for seeding and reconciling offers.
type Summary struct {
	ID                    uuid.UUID       `json:"id"`
	PatientUserID         uuid.UUID       `json:"patient_user_id"`
	FamilyMemberID        uuid.NullUUID   `json:"family_member_id"`
	OriginalAmount        decimal.Decimal `json:"original_amount"`
	PatientResponsibility decimal.Decimal `json:"patient_responsibility"`
	AmountPaid            decimal.Decimal `json:"amount_paid"`
	Status                Status          `json:"status"`
}

// Payment is one row in a bill's payment ledger. OfferID is set on rows
// written by settlement reconciliation and is unique per offer.
type Payment struct {
	ID      uuid.UUID       `json:"id"`
	BillID  uuid.UUID       `json:"bill_id"`
	OfferID uuid.NullUUID   `json:"offer_id"`
	Amount  decimal.Decimal `json:"amount"`
	Method  string          `json:"method"`
	Note    string          `json:"note"`
	PaidAt  time.Time       `json:"paid_at"`
}

// ComputeStatus derives a bill's status from its cumulative paid amount.
// Derived, not incremented, so it stays correct under concurrent writers.
func ComputeStatus(paid, responsibility decimal.Decimal) Status {
	if responsibility.GreaterThan(decimal.Zero) && paid.GreaterThanOrEqual(responsibility) {
		return StatusPaid
	}
	if paid.GreaterThan(decimal.Zero) {
		return StatusPartiallyPaid
	}
	return StatusUnpaid
}
