package offer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/medclear/medclear/internal/credential"
)

// Repository handles settlement offer persistence
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new offer repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const offerColumns = `
	id, bill_id, patient_user_id, family_member_id, patient_email,
	biller_email, biller_name, biller_account_id, access_code,
	otp_hash, otp_attempts, otp_locked_until, otp_verified,
	session_token, session_expiry,
	original_bill_amount, offer_amount, counter_amount, final_amount,
	status, history, payment_intent_id, transfer_id, platform_fee_cents,
	patient_message, biller_message, expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(row rowScanner) (*SettlementOffer, error) {
	o := &SettlementOffer{}
	var (
		lockedUntil   sql.NullTime
		sessionExpiry sql.NullTime
		counter       decimal.NullDecimal
		final         decimal.NullDecimal
		history       []byte
	)

	err := row.Scan(
		&o.ID, &o.BillID, &o.PatientUserID, &o.FamilyMemberID, &o.PatientEmail,
		&o.BillerEmail, &o.BillerName, &o.BillerAccountID, &o.AccessCode,
		&o.Credential.OTPHash, &o.Credential.OTPAttempts, &lockedUntil, &o.Credential.OTPVerified,
		&o.Credential.SessionToken, &sessionExpiry,
		&o.OriginalBillAmount, &o.OfferAmount, &counter, &final,
		&o.Status, &history, &o.PaymentIntentID, &o.TransferID, &o.PlatformFeeCents,
		&o.PatientMessage, &o.BillerMessage, &o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lockedUntil.Valid {
		t := lockedUntil.Time
		o.Credential.OTPLockedUntil = &t
	}
	if sessionExpiry.Valid {
		t := sessionExpiry.Time
		o.Credential.SessionExpiry = &t
	}
	if counter.Valid {
		d := counter.Decimal
		o.CounterAmount = &d
	}
	if final.Valid {
		d := final.Decimal
		o.FinalAmount = &d
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &o.History); err != nil {
			return nil, fmt.Errorf("failed to decode offer history: %w", err)
		}
	}

	return o, nil
}

// Create inserts a new settlement offer
func (r *Repository) Create(ctx context.Context, o *SettlementOffer) error {
	history, err := json.Marshal(o.History)
	if err != nil {
		return fmt.Errorf("failed to encode offer history: %w", err)
	}

	query := `
		INSERT INTO settlement_offers (
			id, bill_id, patient_user_id, family_member_id, patient_email,
			biller_email, biller_name, access_code,
			otp_hash, otp_attempts, otp_locked_until, otp_verified,
			original_bill_amount, offer_amount, status, history,
			patient_message, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRowContext(ctx, query,
		o.ID, o.BillID, o.PatientUserID, o.FamilyMemberID, o.PatientEmail,
		o.BillerEmail, o.BillerName, o.AccessCode,
		o.Credential.OTPHash, o.Credential.OTPAttempts, o.Credential.OTPLockedUntil, o.Credential.OTPVerified,
		o.OriginalBillAmount, o.OfferAmount, o.Status, history,
		o.PatientMessage, o.ExpiresAt,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create settlement offer: %w", err)
	}

	return nil
}

// GetByID retrieves an offer by its ID
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*SettlementOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM settlement_offers WHERE id = $1`

	o, err := scanOffer(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get settlement offer: %w", err)
	}
	return o, nil
}

// GetByAccessCode retrieves an offer by the opaque code in the emailed URL
func (r *Repository) GetByAccessCode(ctx context.Context, accessCode string) (*SettlementOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM settlement_offers WHERE access_code = $1`

	o, err := scanOffer(r.db.QueryRowContext(ctx, query, accessCode))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get settlement offer: %w", err)
	}
	return o, nil
}

// GetByPaymentIntentID retrieves an offer by its payment intent. Webhook
// reconciliation looks offers up this way, never by a client-supplied id.
func (r *Repository) GetByPaymentIntentID(ctx context.Context, intentID string) (*SettlementOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM settlement_offers WHERE payment_intent_id = $1`

	o, err := scanOffer(r.db.QueryRowContext(ctx, query, intentID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get settlement offer: %w", err)
	}
	return o, nil
}

// ListByBill retrieves a patient's offers against one bill
func (r *Repository) ListByBill(ctx context.Context, billID, patientID uuid.UUID) ([]*SettlementOffer, error) {
	query := `SELECT ` + offerColumns + `
		FROM settlement_offers
		WHERE bill_id = $1 AND patient_user_id = $2
		ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, billID, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlement offers: %w", err)
	}
	defer rows.Close()

	var offers []*SettlementOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement offer: %w", err)
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// ListExpired retrieves offers still awaiting the biller whose expiry has passed
func (r *Repository) ListExpired(ctx context.Context, now time.Time) ([]*SettlementOffer, error) {
	query := `SELECT ` + offerColumns + `
		FROM settlement_offers
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at`

	rows, err := r.db.QueryContext(ctx, query, StatusPendingBiller, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired offers: %w", err)
	}
	defer rows.Close()

	var offers []*SettlementOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement offer: %w", err)
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// UpdateCredential persists the OTP and session state after a gate operation
func (r *Repository) UpdateCredential(ctx context.Context, id uuid.UUID, c *credential.Credential) error {
	query := `
		UPDATE settlement_offers SET
			otp_hash = $2,
			otp_attempts = $3,
			otp_locked_until = $4,
			otp_verified = $5,
			session_token = $6,
			session_expiry = $7,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		id, c.OTPHash, c.OTPAttempts, c.OTPLockedUntil, c.OTPVerified, c.SessionToken, c.SessionExpiry)
	if err != nil {
		return fmt.Errorf("failed to update offer credential: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RecordFailedOTPAttempt bumps the attempt counter in one atomic statement,
// arming the lockout when the threshold is reached. An elapsed lockout resets
// the count first, so the attempt lands as a fresh first failure. Concurrent
// wrong guesses each land their own increment; a read-modify-write overwrite
// here would let simultaneous attempts slip past the threshold.
func (r *Repository) RecordFailedOTPAttempt(ctx context.Context, id uuid.UUID, maxAttempts int, lockUntil, now time.Time) (int, error) {
	query := `
		UPDATE settlement_offers SET
			otp_attempts = CASE
				WHEN otp_locked_until IS NOT NULL AND otp_locked_until <= $4 THEN 1
				ELSE otp_attempts + 1
			END,
			otp_locked_until = CASE
				WHEN otp_locked_until IS NOT NULL AND otp_locked_until <= $4 THEN NULL
				WHEN otp_attempts + 1 >= $2 THEN $3
				ELSE otp_locked_until
			END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING otp_attempts
	`

	var attempts int
	err := r.db.QueryRowContext(ctx, query, id, maxAttempts, lockUntil, now).Scan(&attempts)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, sql.ErrNoRows
		}
		return 0, fmt.Errorf("failed to record otp attempt: %w", err)
	}
	return attempts, nil
}

// SetBillerAccount records the biller's connected payout account
func (r *Repository) SetBillerAccount(ctx context.Context, id uuid.UUID, accountID string) error {
	query := `UPDATE settlement_offers SET biller_account_id = $2, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, accountID); err != nil {
		return fmt.Errorf("failed to set biller account: %w", err)
	}
	return nil
}

// TransitionUpdate carries the optional field changes recorded alongside a
// status transition. Nil fields are left untouched.
type TransitionUpdate struct {
	CounterAmount    *decimal.Decimal
	FinalAmount      *decimal.Decimal
	BillerMessage    *string
	PaymentIntentID  *string
	TransferID       *string
	PlatformFeeCents *int64
}

// Transition applies a state-machine transition as a single conditional
// update keyed on the allowed prior statuses. If no row matches, either the
// offer does not exist (nil, nil) or another writer got there first
// (ErrInvalidTransition); the record is untouched in both cases. The history
// entry is appended in the same statement, so history stays in lockstep with
// status.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from []Status, to Status, upd *TransitionUpdate, entry HistoryEntry) (*SettlementOffer, error) {
	if upd == nil {
		upd = &TransitionUpdate{}
	}

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode history entry: %w", err)
	}

	fromStatuses := make([]string, len(from))
	for i, s := range from {
		fromStatuses[i] = string(s)
	}

	query := `
		UPDATE settlement_offers SET
			status = $2,
			counter_amount = COALESCE($3, counter_amount),
			final_amount = COALESCE($4, final_amount),
			biller_message = COALESCE($5, biller_message),
			payment_intent_id = COALESCE($6, payment_intent_id),
			transfer_id = COALESCE($7, transfer_id),
			platform_fee_cents = COALESCE($8, platform_fee_cents),
			history = history || $9::jsonb,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($10)
		RETURNING ` + offerColumns

	o, err := scanOffer(r.db.QueryRowContext(ctx, query,
		id, to,
		upd.CounterAmount, upd.FinalAmount, upd.BillerMessage,
		upd.PaymentIntentID, upd.TransferID, upd.PlatformFeeCents,
		entryJSON, pq.Array(fromStatuses),
	))
	if err == nil {
		return o, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to transition settlement offer: %w", err)
	}

	// No row matched: distinguish a missing offer from a status conflict.
	var exists bool
	checkErr := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM settlement_offers WHERE id = $1)`, id).Scan(&exists)
	if checkErr != nil {
		return nil, fmt.Errorf("failed to transition settlement offer: %w", checkErr)
	}
	if !exists {
		return nil, nil
	}
	return nil, ErrInvalidTransition
}
