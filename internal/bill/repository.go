package bill

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository handles medical bill reads and ledger writes
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new bill repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Get retrieves the settlement-facing summary of a bill
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Summary, error) {
	query := `
		SELECT id, patient_user_id, family_member_id, original_amount, patient_responsibility, amount_paid, status
		FROM medical_bills
		WHERE id = $1
	`

	summary := &Summary{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&summary.ID,
		&summary.PatientUserID,
		&summary.FamilyMemberID,
		&summary.OriginalAmount,
		&summary.PatientResponsibility,
		&summary.AmountPaid,
		&summary.Status,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get bill: %w", err)
	}

	return summary, nil
}

// AppendPayment inserts one row into the bill's payment ledger. Rows are
// unique per source offer: re-running the append for the same offer inserts
// nothing, which is what lets payment reconciliation be retried safely.
func (r *Repository) AppendPayment(ctx context.Context, billID, offerID uuid.UUID, amount decimal.Decimal, method, note string) error {
	query := `
		INSERT INTO bill_payments (id, bill_id, offer_id, amount, method, note, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (offer_id) DO NOTHING
	`

	if _, err := r.db.ExecContext(ctx, query, uuid.New(), billID, offerID, amount, method, note); err != nil {
		return fmt.Errorf("failed to append bill payment: %w", err)
	}
	return nil
}

// RecomputeStatus re-derives the bill's cumulative paid amount from every
// ledger row and updates its status in one statement, so concurrent payment
// confirmations and manual entries cannot drift the total.
func (r *Repository) RecomputeStatus(ctx context.Context, billID uuid.UUID) (Status, error) {
	query := `
		UPDATE medical_bills b SET
			amount_paid = p.total,
			status = CASE
				WHEN b.patient_responsibility > 0 AND p.total >= b.patient_responsibility THEN 'paid'
				WHEN p.total > 0 THEN 'partially_paid'
				ELSE b.status
			END,
			updated_at = NOW()
		FROM (
			SELECT COALESCE(SUM(amount), 0) AS total
			FROM bill_payments
			WHERE bill_id = $1
		) p
		WHERE b.id = $1
		RETURNING b.status
	`

	var status Status
	if err := r.db.QueryRowContext(ctx, query, billID).Scan(&status); err != nil {
		return "", fmt.Errorf("failed to recompute bill status: %w", err)
	}
	return status, nil
}
