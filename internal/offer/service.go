package offer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/medclear/medclear/internal/bill"
	"github.com/medclear/medclear/internal/credential"
	"github.com/medclear/medclear/internal/metrics"
	"github.com/medclear/medclear/internal/notify"
	"github.com/medclear/medclear/internal/payments"
)

// Common errors
var (
	ErrOfferNotFound    = errors.New("settlement offer not found")
	ErrBillNotFound     = errors.New("bill not found")
	ErrNotOwner         = errors.New("bill does not belong to this patient")
	ErrAmountInvalid    = errors.New("amount must be positive and no more than the amount owed")
	ErrBillerNotPayable = errors.New("biller payout account is not ready to receive payments")
)

// Store is the persistence surface the service depends on. The Postgres
// Repository implements it; tests use an in-memory fake with the same CAS
// semantics.
type Store interface {
	Create(ctx context.Context, o *SettlementOffer) error
	GetByID(ctx context.Context, id uuid.UUID) (*SettlementOffer, error)
	GetByAccessCode(ctx context.Context, accessCode string) (*SettlementOffer, error)
	GetByPaymentIntentID(ctx context.Context, intentID string) (*SettlementOffer, error)
	ListByBill(ctx context.Context, billID, patientID uuid.UUID) ([]*SettlementOffer, error)
	ListExpired(ctx context.Context, now time.Time) ([]*SettlementOffer, error)
	UpdateCredential(ctx context.Context, id uuid.UUID, c *credential.Credential) error
	RecordFailedOTPAttempt(ctx context.Context, id uuid.UUID, maxAttempts int, lockUntil, now time.Time) (int, error)
	SetBillerAccount(ctx context.Context, id uuid.UUID, accountID string) error
	Transition(ctx context.Context, id uuid.UUID, from []Status, to Status, upd *TransitionUpdate, entry HistoryEntry) (*SettlementOffer, error)
}

// BillLedger is the owning-bill collaborator: read to seed amounts, written
// only on the paid transition. AppendPayment is keyed on the offer id and
// inserts at most one row per offer, so reconciliation can be re-run.
type BillLedger interface {
	Get(ctx context.Context, id uuid.UUID) (*bill.Summary, error)
	AppendPayment(ctx context.Context, billID, offerID uuid.UUID, amount decimal.Decimal, method, note string) error
	RecomputeStatus(ctx context.Context, billID uuid.UUID) (bill.Status, error)
}

// Service handles settlement offer business logic
type Service struct {
	store      Store
	bills      BillLedger
	gate       *credential.Gate
	processor  payments.Processor
	notifier   notify.Notifier
	feePercent decimal.Decimal
	expiryDays int
}

// NewService creates a new offer service
func NewService(store Store, bills BillLedger, gate *credential.Gate, processor payments.Processor, notifier notify.Notifier, feePercent decimal.Decimal, expiryDays int) *Service {
	return &Service{
		store:      store,
		bills:      bills,
		gate:       gate,
		processor:  processor,
		notifier:   notifier,
		feePercent: feePercent,
		expiryDays: expiryDays,
	}
}

// transition applies one state-machine action through the store's conditional
// update, stamping the audit entry with the action's actor.
func (s *Service) transition(ctx context.Context, id uuid.UUID, action Action, upd *TransitionUpdate, amount *decimal.Decimal, note string) (*SettlementOffer, error) {
	rule, ok := Rule(action)
	if !ok {
		return nil, ErrInvalidTransition
	}

	entry := HistoryEntry{
		Action:    action,
		Actor:     rule.Actor,
		Amount:    amount,
		Note:      note,
		Timestamp: s.gate.Now().UTC(),
	}

	o, err := s.store.Transition(ctx, id, rule.From, rule.To, upd, entry)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			metrics.OfferTransitions.WithLabelValues(string(action), "invalid").Inc()
		} else {
			metrics.OfferTransitions.WithLabelValues(string(action), "error").Inc()
		}
		return nil, err
	}
	if o == nil {
		return nil, ErrOfferNotFound
	}
	metrics.OfferTransitions.WithLabelValues(string(action), "ok").Inc()
	return o, nil
}

// notifyAsync delivers a notification without blocking the transition that
// triggered it. Failures are logged for operator follow-up only.
func (s *Service) notifyAsync(what string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			slog.Warn("notification delivery failed", "kind", what, "error", err)
		}
	}()
}

// ---- Patient operations ----

// CreateOffer opens a settlement offer against a bill the patient owns and
// emails the biller their one-time passcode.
func (s *Service) CreateOffer(ctx context.Context, patientID uuid.UUID, billID uuid.UUID, req *CreateOfferRequest) (*SettlementOffer, error) {
	b, err := s.bills.Get(ctx, billID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrBillNotFound
	}
	if b.PatientUserID != patientID {
		return nil, ErrNotOwner
	}
	if !req.OfferAmount.GreaterThan(decimal.Zero) {
		return nil, ErrAmountInvalid
	}
	if b.PatientResponsibility.GreaterThan(decimal.Zero) && req.OfferAmount.GreaterThan(b.PatientResponsibility) {
		return nil, ErrAmountInvalid
	}

	accessCode, err := credential.NewAccessCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate access code: %w", err)
	}

	now := s.gate.Now().UTC()
	amount := req.OfferAmount
	o := &SettlementOffer{
		ID:                 uuid.New(),
		BillID:             billID,
		PatientUserID:      patientID,
		FamilyMemberID:     b.FamilyMemberID,
		PatientEmail:       req.PatientEmail,
		BillerEmail:        req.BillerEmail,
		BillerName:         req.BillerName,
		AccessCode:         accessCode,
		OriginalBillAmount: b.PatientResponsibility,
		OfferAmount:        amount,
		Status:             StatusPendingBiller,
		PatientMessage:     req.Message,
		ExpiresAt:          now.AddDate(0, 0, s.expiryDays),
		History: []HistoryEntry{{
			Action:    ActionCreate,
			Actor:     ActorPatient,
			Amount:    &amount,
			Note:      req.Message,
			Timestamp: now,
		}},
	}

	code, err := s.gate.IssueCode(&o.Credential)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	metrics.OfferTransitions.WithLabelValues(string(ActionCreate), "ok").Inc()

	expiry := o.ExpiresAt
	s.notifyAsync("otp", func(ctx context.Context) error {
		return s.notifier.SendOTP(ctx, o.BillerEmail, code, expiry)
	})

	return o, nil
}

// GetForPatient retrieves one offer, enforcing ownership
func (s *Service) GetForPatient(ctx context.Context, patientID, offerID uuid.UUID) (*SettlementOffer, error) {
	o, err := s.store.GetByID(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrOfferNotFound
	}
	if o.PatientUserID != patientID {
		return nil, ErrNotOwner
	}
	return o, nil
}

// ListByBill retrieves the patient's offers against one bill
func (s *Service) ListByBill(ctx context.Context, patientID, billID uuid.UUID) ([]*SettlementOffer, error) {
	return s.store.ListByBill(ctx, billID, patientID)
}

// Withdraw retracts an offer the biller has not yet settled
func (s *Service) Withdraw(ctx context.Context, patientID, offerID uuid.UUID) (*SettlementOffer, error) {
	if _, err := s.GetForPatient(ctx, patientID, offerID); err != nil {
		return nil, err
	}
	return s.transition(ctx, offerID, ActionWithdraw, nil, nil, "")
}

// AcceptCounter locks in the biller's counter amount as the final amount
func (s *Service) AcceptCounter(ctx context.Context, patientID, offerID uuid.UUID) (*SettlementOffer, error) {
	o, err := s.GetForPatient(ctx, patientID, offerID)
	if err != nil {
		return nil, err
	}
	if o.CounterAmount == nil {
		return nil, ErrInvalidTransition
	}

	final := *o.CounterAmount
	updated, err := s.transition(ctx, offerID, ActionAcceptCounter, &TransitionUpdate{FinalAmount: &final}, &final, "")
	if err != nil {
		return nil, err
	}

	s.notifyAsync("accepted", func(ctx context.Context) error {
		return s.notifier.SendAccepted(ctx, updated.BillerEmail, final)
	})
	return updated, nil
}

// InitiatePayment creates the destination-charge payment intent and moves the
// offer into payment. The intent is created before any status change, so a
// failed processor call leaves the offer exactly as it was.
func (s *Service) InitiatePayment(ctx context.Context, patientID, offerID uuid.UUID) (*SettlementOffer, *payments.Intent, error) {
	o, err := s.GetForPatient(ctx, patientID, offerID)
	if err != nil {
		return nil, nil, err
	}
	if !CanApply(ActionInitiatePayment, o.Status) {
		return nil, nil, ErrInvalidTransition
	}
	if o.FinalAmount == nil {
		return nil, nil, ErrInvalidTransition
	}
	if o.BillerAccountID == "" {
		return nil, nil, ErrBillerNotPayable
	}

	status, err := s.processor.GetAccountStatus(ctx, o.BillerAccountID)
	if err != nil {
		return nil, nil, err
	}
	if !status.Enabled {
		return nil, nil, ErrBillerNotPayable
	}

	gross := payments.MinorUnits(*o.FinalAmount)
	fee, _ := payments.SplitFee(gross, s.feePercent)

	intent, err := s.processor.CreateDestinationCharge(ctx, payments.ChargeParams{
		AmountCents:          gross,
		ApplicationFeeCents:  fee,
		Currency:             "usd",
		DestinationAccountID: o.BillerAccountID,
		OfferID:              o.ID.String(),
		Description:          fmt.Sprintf("Medical bill settlement for %s", o.BillerName),
	})
	if err != nil {
		return nil, nil, err
	}

	amount := *o.FinalAmount
	if _, err := s.transition(ctx, offerID, ActionInitiatePayment, &TransitionUpdate{
		PaymentIntentID:  &intent.ID,
		PlatformFeeCents: &fee,
	}, &amount, ""); err != nil {
		return nil, nil, err
	}

	// The successful create response is the processor's confirmation that
	// the intent exists.
	updated, err := s.transition(ctx, offerID, ActionIntentCreated, nil, nil, intent.ID)
	if err != nil {
		return nil, nil, err
	}

	return updated, intent, nil
}

// ---- Biller operations (access code + OTP/session gated) ----

func (s *Service) byAccessCode(ctx context.Context, accessCode string) (*SettlementOffer, error) {
	o, err := s.store.GetByAccessCode(ctx, accessCode)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrOfferNotFound
	}
	return o, nil
}

// requireSession loads the offer and validates the biller's session token.
// Every biller-facing mutation goes through here; there is no refresh path.
func (s *Service) requireSession(ctx context.Context, accessCode, sessionToken string) (*SettlementOffer, error) {
	o, err := s.byAccessCode(ctx, accessCode)
	if err != nil {
		return nil, err
	}
	if err := s.gate.ValidateSession(&o.Credential, sessionToken); err != nil {
		return nil, err
	}
	return o, nil
}

// VerifyOTP checks the biller's passcode and, on success, issues a session.
// Failed attempts are counted with an atomic increment in the store, so
// concurrent wrong guesses cannot slip past the lockout threshold; the error
// reported to the caller is reshaped from the authoritative count.
func (s *Service) VerifyOTP(ctx context.Context, accessCode, candidate string) (*SettlementOffer, string, time.Time, error) {
	o, err := s.byAccessCode(ctx, accessCode)
	if err != nil {
		return nil, "", time.Time{}, err
	}

	if verifyErr := s.gate.Verify(&o.Credential, candidate); verifyErr != nil {
		metrics.OTPVerifications.WithLabelValues("failure").Inc()

		var invalid *credential.InvalidCodeError
		var tooMany *credential.TooManyAttemptsError
		if errors.As(verifyErr, &invalid) || errors.As(verifyErr, &tooMany) {
			now := s.gate.Now()
			attempts, err := s.store.RecordFailedOTPAttempt(ctx, o.ID, s.gate.MaxAttempts, now.Add(s.gate.LockoutWindow), now)
			if err != nil {
				return nil, "", time.Time{}, err
			}
			if attempts >= s.gate.MaxAttempts {
				verifyErr = &credential.TooManyAttemptsError{LockoutMinutes: int(s.gate.LockoutWindow / time.Minute)}
			} else {
				verifyErr = &credential.InvalidCodeError{AttemptsRemaining: s.gate.MaxAttempts - attempts}
			}
		}
		return nil, "", time.Time{}, verifyErr
	}

	token, expiry, err := s.gate.IssueSession(&o.Credential)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	if err := s.store.UpdateCredential(ctx, o.ID, &o.Credential); err != nil {
		return nil, "", time.Time{}, err
	}

	metrics.OTPVerifications.WithLabelValues("success").Inc()
	return o, token, expiry, nil
}

// ResendOTP issues a fresh code (invalidating the old one) and re-emails it.
// Offer status is untouched.
func (s *Service) ResendOTP(ctx context.Context, accessCode string) error {
	o, err := s.byAccessCode(ctx, accessCode)
	if err != nil {
		return err
	}
	if o.Status.Terminal() {
		return ErrInvalidTransition
	}

	code, err := s.gate.IssueCode(&o.Credential)
	if err != nil {
		return err
	}
	if err := s.store.UpdateCredential(ctx, o.ID, &o.Credential); err != nil {
		return err
	}

	expiry := o.ExpiresAt
	email := o.BillerEmail
	s.notifyAsync("otp", func(ctx context.Context) error {
		return s.notifier.SendOTP(ctx, email, code, expiry)
	})
	return nil
}

// FetchCurrent returns the offer for a session-holding biller
func (s *Service) FetchCurrent(ctx context.Context, accessCode, sessionToken string) (*SettlementOffer, error) {
	return s.requireSession(ctx, accessCode, sessionToken)
}

// Accept takes the patient's ask as-is; the offer amount becomes final
func (s *Service) Accept(ctx context.Context, accessCode, sessionToken string) (*SettlementOffer, error) {
	o, err := s.requireSession(ctx, accessCode, sessionToken)
	if err != nil {
		return nil, err
	}

	final := o.OfferAmount
	updated, err := s.transition(ctx, o.ID, ActionAccept, &TransitionUpdate{FinalAmount: &final}, &final, "")
	if err != nil {
		return nil, err
	}

	s.notifyAsync("accepted", func(ctx context.Context) error {
		return s.notifier.SendAccepted(ctx, updated.BillerEmail, final)
	})
	return updated, nil
}

// Counter proposes a different amount back to the patient
func (s *Service) Counter(ctx context.Context, accessCode, sessionToken string, req *CounterRequest) (*SettlementOffer, error) {
	o, err := s.requireSession(ctx, accessCode, sessionToken)
	if err != nil {
		return nil, err
	}
	if !req.Amount.GreaterThan(decimal.Zero) {
		return nil, ErrAmountInvalid
	}
	if o.OriginalBillAmount.GreaterThan(decimal.Zero) && req.Amount.GreaterThan(o.OriginalBillAmount) {
		return nil, ErrAmountInvalid
	}

	amount := req.Amount
	updated, err := s.transition(ctx, o.ID, ActionCounter, &TransitionUpdate{
		CounterAmount: &amount,
		BillerMessage: &req.Message,
	}, &amount, req.Message)
	if err != nil {
		return nil, err
	}

	if updated.PatientEmail != "" {
		email := updated.PatientEmail
		message := req.Message
		s.notifyAsync("counter", func(ctx context.Context) error {
			return s.notifier.SendCounterOffer(ctx, email, amount, message)
		})
	}
	return updated, nil
}

// Reject declines the offer (or a pending counter negotiation)
func (s *Service) Reject(ctx context.Context, accessCode, sessionToken string) (*SettlementOffer, error) {
	o, err := s.requireSession(ctx, accessCode, sessionToken)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, o.ID, ActionReject, nil, nil, "")
}

// EnsureBillerPayable creates the biller's payout account on first use and
// returns an onboarding link until the account is fully enabled.
func (s *Service) EnsureBillerPayable(ctx context.Context, accessCode, sessionToken string) (*OnboardingResponse, error) {
	o, err := s.requireSession(ctx, accessCode, sessionToken)
	if err != nil {
		return nil, err
	}

	accountID := o.BillerAccountID
	if accountID == "" {
		accountID, err = s.processor.CreateAccount(ctx, o.BillerEmail, o.BillerName)
		if err != nil {
			return nil, err
		}
		if err := s.store.SetBillerAccount(ctx, o.ID, accountID); err != nil {
			return nil, err
		}
	}

	status, err := s.processor.GetAccountStatus(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if status.Enabled && !status.RequirementsDue {
		return &OnboardingResponse{AccountID: accountID, Enabled: true}, nil
	}

	link, err := s.processor.CreateOnboardingLink(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &OnboardingResponse{AccountID: accountID, Enabled: status.Enabled, OnboardingURL: link}, nil
}

// ---- System operations ----

// ApplyPaymentSucceeded reconciles a confirmed payment: terminal transition,
// bill ledger append, derived bill status recompute. The ledger step runs on
// every delivery, even when the offer is already paid: the append is keyed on
// the offer id and inserts nothing twice, so a redelivery after a partial
// failure completes the reconciliation instead of dropping it.
func (s *Service) ApplyPaymentSucceeded(ctx context.Context, intentID, reference string) error {
	o, err := s.store.GetByPaymentIntentID(ctx, intentID)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrOfferNotFound
	}
	if o.FinalAmount == nil {
		return fmt.Errorf("offer %s has no final amount to reconcile", o.ID)
	}

	amount := *o.FinalAmount
	newlyPaid := false
	if o.Status != StatusPaid {
		updated, err := s.transition(ctx, o.ID, ActionPaymentSucceeded, &TransitionUpdate{
			TransferID: &reference,
		}, &amount, reference)
		if err != nil {
			if !errors.Is(err, ErrInvalidTransition) {
				return err
			}
			// A concurrent delivery won the race; fall through and
			// reconcile against the current record.
			current, getErr := s.store.GetByPaymentIntentID(ctx, intentID)
			if getErr != nil {
				return getErr
			}
			if current == nil || current.Status != StatusPaid {
				return err
			}
			o = current
		} else {
			o = updated
			newlyPaid = true
		}
	}

	note := fmt.Sprintf("settlement offer %s", o.ID)
	if err := s.bills.AppendPayment(ctx, o.BillID, o.ID, amount, reference, note); err != nil {
		return err
	}
	if _, err := s.bills.RecomputeStatus(ctx, o.BillID); err != nil {
		return err
	}

	if newlyPaid {
		email := o.BillerEmail
		s.notifyAsync("payment_confirmation", func(ctx context.Context) error {
			return s.notifier.SendPaymentConfirmation(ctx, email, amount, reference)
		})
	}
	return nil
}

// ApplyPaymentFailed records a failed payment with the processor's reason.
// The offer stays retryable: the patient can initiate payment again.
func (s *Service) ApplyPaymentFailed(ctx context.Context, intentID, reason string) error {
	o, err := s.store.GetByPaymentIntentID(ctx, intentID)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrOfferNotFound
	}
	if o.Status == StatusPaymentFailed || o.Status == StatusPaid {
		return nil
	}

	_, err = s.transition(ctx, o.ID, ActionPaymentFailed, nil, nil, reason)
	return err
}

// ExpireStale force-transitions offers still awaiting the biller past their
// expiry. A failure on one offer never aborts the rest; an offer the biller
// acted on moments earlier simply no longer matches the guard and is skipped.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	stale, err := s.store.ListExpired(ctx, s.gate.Now().UTC())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, o := range stale {
		if _, err := s.transition(ctx, o.ID, ActionExpire, nil, nil, "offer expired"); err != nil {
			if !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrOfferNotFound) {
				slog.Error("sweep: failed to expire offer", "offer_id", o.ID, "error", err)
			}
			continue
		}
		expired++
		metrics.SweptOffers.Inc()
	}
	return expired, nil
}
