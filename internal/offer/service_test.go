package offer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/medclear/medclear/internal/bill"
	"github.com/medclear/medclear/internal/credential"
	"github.com/medclear/medclear/internal/payments"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// fakeStore is an in-memory Store with the same conditional-update semantics
// as the Postgres repository.
type fakeStore struct {
	mu     sync.Mutex
	offers map[uuid.UUID]*SettlementOffer
}

func newFakeStore() *fakeStore {
	return &fakeStore{offers: make(map[uuid.UUID]*SettlementOffer)}
}

func copyOffer(o *SettlementOffer) *SettlementOffer {
	c := *o
	c.History = append([]HistoryEntry(nil), o.History...)
	return &c
}

func (s *fakeStore) Create(ctx context.Context, o *SettlementOffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	s.offers[o.ID] = copyOffer(o)
	return nil
}

func (s *fakeStore) GetByID(ctx context.Context, id uuid.UUID) (*SettlementOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.offers[id]; ok {
		return copyOffer(o), nil
	}
	return nil, nil
}

func (s *fakeStore) GetByAccessCode(ctx context.Context, accessCode string) (*SettlementOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.offers {
		if o.AccessCode == accessCode {
			return copyOffer(o), nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetByPaymentIntentID(ctx context.Context, intentID string) (*SettlementOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.offers {
		if o.PaymentIntentID == intentID && intentID != "" {
			return copyOffer(o), nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ListByBill(ctx context.Context, billID, patientID uuid.UUID) ([]*SettlementOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*SettlementOffer
	for _, o := range s.offers {
		if o.BillID == billID && o.PatientUserID == patientID {
			out = append(out, copyOffer(o))
		}
	}
	return out, nil
}

func (s *fakeStore) ListExpired(ctx context.Context, now time.Time) ([]*SettlementOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*SettlementOffer
	for _, o := range s.offers {
		if o.Status == StatusPendingBiller && o.ExpiresAt.Before(now) {
			out = append(out, copyOffer(o))
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateCredential(ctx context.Context, id uuid.UUID, c *credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[id]
	if !ok {
		return errors.New("offer not found")
	}
	o.Credential = *c
	return nil
}

func (s *fakeStore) RecordFailedOTPAttempt(ctx context.Context, id uuid.UUID, maxAttempts int, lockUntil, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[id]
	if !ok {
		return 0, errors.New("offer not found")
	}
	c := &o.Credential
	if c.OTPLockedUntil != nil && !now.Before(*c.OTPLockedUntil) {
		c.OTPAttempts = 1
		c.OTPLockedUntil = nil
		return c.OTPAttempts, nil
	}
	c.OTPAttempts++
	if c.OTPAttempts >= maxAttempts {
		t := lockUntil
		c.OTPLockedUntil = &t
	}
	return c.OTPAttempts, nil
}

func (s *fakeStore) SetBillerAccount(ctx context.Context, id uuid.UUID, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[id]
	if !ok {
		return errors.New("offer not found")
	}
	o.BillerAccountID = accountID
	return nil
}

func (s *fakeStore) Transition(ctx context.Context, id uuid.UUID, from []Status, to Status, upd *TransitionUpdate, entry HistoryEntry) (*SettlementOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[id]
	if !ok {
		return nil, nil
	}

	allowed := false
	for _, f := range from {
		if o.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ErrInvalidTransition
	}

	if upd != nil {
		if upd.CounterAmount != nil {
			d := *upd.CounterAmount
			o.CounterAmount = &d
		}
		if upd.FinalAmount != nil {
			d := *upd.FinalAmount
			o.FinalAmount = &d
		}
		if upd.BillerMessage != nil {
			o.BillerMessage = *upd.BillerMessage
		}
		if upd.PaymentIntentID != nil {
			o.PaymentIntentID = *upd.PaymentIntentID
		}
		if upd.TransferID != nil {
			o.TransferID = *upd.TransferID
		}
		if upd.PlatformFeeCents != nil {
			o.PlatformFeeCents = *upd.PlatformFeeCents
		}
	}
	o.Status = to
	o.History = append(o.History, entry)
	o.UpdatedAt = time.Now()
	return copyOffer(o), nil
}

// fakeBills implements BillLedger over a single in-memory bill. Ledger rows
// are unique per offer, like the Postgres repository's conflict target.
type fakeBills struct {
	mu        sync.Mutex
	summary   bill.Summary
	ledger    []decimal.Decimal
	byOffer   map[uuid.UUID]bool
	appendErr error
}

func (b *fakeBills) Get(ctx context.Context, id uuid.UUID) (*bill.Summary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id != b.summary.ID {
		return nil, nil
	}
	s := b.summary
	return &s, nil
}

func (b *fakeBills) AppendPayment(ctx context.Context, billID, offerID uuid.UUID, amount decimal.Decimal, method, note string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.appendErr != nil {
		err := b.appendErr
		b.appendErr = nil
		return err
	}
	if b.byOffer[offerID] {
		return nil
	}
	b.byOffer[offerID] = true
	b.ledger = append(b.ledger, amount)
	return nil
}

func (b *fakeBills) RecomputeStatus(ctx context.Context, billID uuid.UUID) (bill.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := decimal.Zero
	for _, p := range b.ledger {
		total = total.Add(p)
	}
	b.summary.AmountPaid = total
	b.summary.Status = bill.ComputeStatus(total, b.summary.PatientResponsibility)
	return b.summary.Status, nil
}

// fakeProcessor implements payments.Processor.
type fakeProcessor struct {
	mu        sync.Mutex
	enabled   bool
	charges   []payments.ChargeParams
	chargeErr error
	nextID    int
}

func (p *fakeProcessor) CreateAccount(ctx context.Context, email, name string) (string, error) {
	return "acct_test", nil
}

func (p *fakeProcessor) GetAccountStatus(ctx context.Context, accountID string) (payments.AccountStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return payments.AccountStatus{Enabled: p.enabled, RequirementsDue: !p.enabled}, nil
}

func (p *fakeProcessor) CreateOnboardingLink(ctx context.Context, accountID string) (string, error) {
	return "https://connect.example.com/onboard/" + accountID, nil
}

func (p *fakeProcessor) CreateDestinationCharge(ctx context.Context, params payments.ChargeParams) (*payments.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chargeErr != nil {
		return nil, p.chargeErr
	}
	p.nextID++
	p.charges = append(p.charges, params)
	id := "pi_" + string(rune('0'+p.nextID))
	return &payments.Intent{ID: id, ClientSecret: id + "_secret"}, nil
}

// fakeNotifier swallows notifications; delivery is fire-and-forget and not
// asserted here.
type fakeNotifier struct{ mu sync.Mutex }

func (n *fakeNotifier) SendOTP(ctx context.Context, email, code string, expiry time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return nil
}
func (n *fakeNotifier) SendCounterOffer(ctx context.Context, email string, amount decimal.Decimal, message string) error {
	return nil
}
func (n *fakeNotifier) SendAccepted(ctx context.Context, email string, amount decimal.Decimal) error {
	return nil
}
func (n *fakeNotifier) SendPaymentConfirmation(ctx context.Context, email string, amount decimal.Decimal, reference string) error {
	return nil
}

type testEnv struct {
	now       time.Time
	store     *fakeStore
	bills     *fakeBills
	processor *fakeProcessor
	gate      *credential.Gate
	svc       *Service
	patientID uuid.UUID
	billID    uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		store:     newFakeStore(),
		processor: &fakeProcessor{},
		patientID: uuid.New(),
		billID:    uuid.New(),
	}
	env.bills = &fakeBills{
		summary: bill.Summary{
			ID:                    env.billID,
			PatientUserID:         env.patientID,
			OriginalAmount:        dec("1500.00"),
			PatientResponsibility: dec("1200.00"),
			Status:                bill.StatusUnpaid,
		},
		byOffer: make(map[uuid.UUID]bool),
	}
	env.gate = credential.NewGate()
	env.gate.HashCost = bcrypt.MinCost
	env.gate.Now = func() time.Time { return env.now }
	env.svc = NewService(env.store, env.bills, env.gate, env.processor, &fakeNotifier{}, dec("2.9"), 7)
	return env
}

// createOffer opens an offer and returns it together with a valid biller
// session, standing in for the emailed OTP round trip.
func (env *testEnv) createOffer(t *testing.T, amount string) (*SettlementOffer, string) {
	t.Helper()
	ctx := context.Background()
	o, err := env.svc.CreateOffer(ctx, env.patientID, env.billID, &CreateOfferRequest{
		BillerEmail: "billing@clinic.example",
		BillerName:  "Clinic Billing",
		OfferAmount: dec(amount),
	})
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}

	stored := env.store.offers[o.ID]
	code, err := env.gate.IssueCode(&stored.Credential)
	if err != nil {
		t.Fatalf("IssueCode failed: %v", err)
	}
	_, token, _, err := env.svc.VerifyOTP(ctx, o.AccessCode, code)
	if err != nil {
		t.Fatalf("VerifyOTP failed: %v", err)
	}
	return o, token
}

func TestFullNegotiationAndPaymentScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	o, token := env.createOffer(t, "500.00")
	if o.Status != StatusPendingBiller {
		t.Fatalf("expected pending_biller, got %s", o.Status)
	}
	if !o.OriginalBillAmount.Equal(dec("1200.00")) {
		t.Errorf("expected original amount seeded from bill, got %s", o.OriginalBillAmount)
	}

	// Biller counters with 750.
	countered, err := env.svc.Counter(ctx, o.AccessCode, token, &CounterRequest{Amount: dec("750.00"), Message: "best we can do"})
	if err != nil {
		t.Fatalf("Counter failed: %v", err)
	}
	if countered.Status != StatusCountered || countered.CounterAmount == nil || !countered.CounterAmount.Equal(dec("750.00")) {
		t.Fatalf("unexpected countered state: %+v", countered)
	}

	// Patient accepts the counter; final amount locks to 750.
	accepted, err := env.svc.AcceptCounter(ctx, env.patientID, o.ID)
	if err != nil {
		t.Fatalf("AcceptCounter failed: %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %s", accepted.Status)
	}
	if accepted.FinalAmount == nil || !accepted.FinalAmount.Equal(dec("750.00")) {
		t.Fatalf("expected final amount 750.00, got %v", accepted.FinalAmount)
	}

	// Biller onboards a payout account.
	onboarding, err := env.svc.EnsureBillerPayable(ctx, o.AccessCode, token)
	if err != nil {
		t.Fatalf("EnsureBillerPayable failed: %v", err)
	}
	if onboarding.Enabled || onboarding.OnboardingURL == "" {
		t.Fatalf("expected onboarding link while requirements pending, got %+v", onboarding)
	}
	env.processor.enabled = true

	// Patient pays: 75000 cents gross, 2.9% fee.
	paying, intent, err := env.svc.InitiatePayment(ctx, env.patientID, o.ID)
	if err != nil {
		t.Fatalf("InitiatePayment failed: %v", err)
	}
	if paying.Status != StatusPaymentProcessing {
		t.Fatalf("expected payment_processing, got %s", paying.Status)
	}
	if len(env.processor.charges) != 1 {
		t.Fatalf("expected one charge, got %d", len(env.processor.charges))
	}
	charge := env.processor.charges[0]
	if charge.AmountCents != 75000 || charge.ApplicationFeeCents != 2175 {
		t.Errorf("expected 75000 gross / 2175 fee, got %d / %d", charge.AmountCents, charge.ApplicationFeeCents)
	}
	if charge.AmountCents-charge.ApplicationFeeCents != 72825 {
		t.Errorf("expected 72825 transfer, got %d", charge.AmountCents-charge.ApplicationFeeCents)
	}

	// Webhook confirms.
	if err := env.svc.ApplyPaymentSucceeded(ctx, intent.ID, "ch_1"); err != nil {
		t.Fatalf("ApplyPaymentSucceeded failed: %v", err)
	}
	paid, _ := env.store.GetByID(ctx, o.ID)
	if paid.Status != StatusPaid {
		t.Fatalf("expected paid, got %s", paid.Status)
	}
	if paid.TransferID != "ch_1" {
		t.Errorf("expected transfer reference recorded, got %q", paid.TransferID)
	}

	// Bill ledger reconciled: 750 paid of 1200 is partial.
	if len(env.bills.ledger) != 1 || !env.bills.ledger[0].Equal(dec("750.00")) {
		t.Fatalf("expected one 750.00 ledger row, got %v", env.bills.ledger)
	}
	if env.bills.summary.Status != bill.StatusPartiallyPaid {
		t.Errorf("expected bill partially_paid, got %s", env.bills.summary.Status)
	}

	// Duplicate webhook delivery is a no-op.
	historyLen := len(paid.History)
	if err := env.svc.ApplyPaymentSucceeded(ctx, intent.ID, "ch_1"); err != nil {
		t.Fatalf("duplicate delivery should be acknowledged, got %v", err)
	}
	again, _ := env.store.GetByID(ctx, o.ID)
	if len(again.History) != historyLen {
		t.Errorf("duplicate delivery appended history: %d -> %d", historyLen, len(again.History))
	}
	if len(env.bills.ledger) != 1 {
		t.Errorf("duplicate delivery appended a ledger row: %v", env.bills.ledger)
	}
}

func TestAcceptAsIsSetsFinalToOfferAmount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	o, token := env.createOffer(t, "500.00")
	accepted, err := env.svc.Accept(ctx, o.AccessCode, token)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %s", accepted.Status)
	}
	if accepted.FinalAmount == nil || !accepted.FinalAmount.Equal(dec("500.00")) {
		t.Fatalf("expected final amount 500.00, got %v", accepted.FinalAmount)
	}
	if accepted.CounterAmount != nil {
		t.Error("expected no counter amount on accept as-is")
	}
}

func TestInvalidTransitionLeavesRecordUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	o, token := env.createOffer(t, "500.00")
	if _, err := env.svc.Accept(ctx, o.AccessCode, token); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	before, _ := env.store.GetByID(ctx, o.ID)

	// A second accept, a counter, and a withdraw are all illegal now.
	if _, err := env.svc.Accept(ctx, o.AccessCode, token); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on double accept, got %v", err)
	}
	if _, err := env.svc.Counter(ctx, o.AccessCode, token, &CounterRequest{Amount: dec("700")}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on counter after accept, got %v", err)
	}
	if _, err := env.svc.Withdraw(ctx, env.patientID, o.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on withdraw after accept, got %v", err)
	}

	after, _ := env.store.GetByID(ctx, o.ID)
	if after.Status != before.Status || len(after.History) != len(before.History) {
		t.Errorf("record mutated by rejected transitions: %s/%d -> %s/%d",
			before.Status, len(before.History), after.Status, len(after.History))
	}
}

func TestRejectFromCountered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	o, token := env.createOffer(t, "500.00")
	if _, err := env.svc.Counter(ctx, o.AccessCode, token, &CounterRequest{Amount: dec("800")}); err != nil {
		t.Fatalf("Counter failed: %v", err)
	}
	rejected, err := env.svc.Reject(ctx, o.AccessCode, token)
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if rejected.Status != StatusRejected {
		t.Errorf("expected rejected, got %s", rejected.Status)
	}
	if rejected.FinalAmount != nil {
		t.Error("expected no final amount on rejected offer")
	}
}

func TestExpireSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	o, token := env.createOffer(t, "500.00")

	// Not yet stale.
	n, err := env.svc.ExpireStale(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected no expirations yet, got %d, %v", n, err)
	}

	env.now = env.now.AddDate(0, 0, 8)
	n, err = env.svc.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("ExpireStale failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expiration, got %d", n)
	}

	expired, _ := env.store.GetByID(ctx, o.ID)
	if expired.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", expired.Status)
	}
	last := expired.History[len(expired.History)-1]
	if last.Action != ActionExpire || last.Actor != ActorSystem {
		t.Errorf("expected system expire entry, got %+v", last)
	}

	// A stale accept arriving after the sweep must fail.
	// The session itself has also aged out, so reissue one to isolate the
	// transition guard.
	stored := env.store.offers[o.ID]
	token, _, err = env.gate.IssueSession(&stored.Credential)
	if err != nil {
		t.Fatalf("IssueSession failed: %v", err)
	}
	if _, err := env.svc.Accept(ctx, o.AccessCode, token); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition accepting an expired offer, got %v", err)
	}
}

func TestSweepSkipsOffersTheBillerActedOn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale, _ := env.createOffer(t, "400.00")
	acted, token := env.createOffer(t, "500.00")
	if _, err := env.svc.Accept(ctx, acted.AccessCode, token); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	env.now = env.now.AddDate(0, 0, 8)
	n, err := env.svc.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("ExpireStale failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 expiration, got %d", n)
	}

	s, _ := env.store.GetByID(ctx, stale.ID)
	a, _ := env.store.GetByID(ctx, acted.ID)
	if s.Status != StatusExpired {
		t.Errorf("expected stale offer expired, got %s", s.Status)
	}
	if a.Status != StatusAccepted {
		t.Errorf("expected accepted offer untouched, got %s", a.Status)
	}
}

func TestInitiatePaymentProcessorFailureLeavesState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	o, token := env.createOffer(t, "500.00")
	if _, err := env.svc.Accept(ctx, o.AccessCode, token); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if _, err := env.svc.EnsureBillerPayable(ctx, o.AccessCode, token); err != nil {
		t.Fatalf("EnsureBillerPayable failed: %v", err)
	}
	env.processor.enabled = true
	env.processor.chargeErr = payments.ErrProcessor

	before, _ := env.store.GetByID(ctx, o.ID)
	_, _, err := env.svc.InitiatePayment(ctx, env.patientID, o.ID)
	if !errors.Is(err, payments.ErrProcessor) {
		t.Fatalf("expected processor error, got %v", err)
	}

	after, _ := env.store.GetByID(ctx, o.ID)
	if after.Status != StatusAccepted {
		t.Errorf("expected offer left in accepted, got %s", after.Status)
	}
	if after.PaymentIntentID != "" {
		t.Errorf("expected no intent recorded, got %q", after.PaymentIntentID)
	}
	if len(after.History) != len(before.History) {
		t.Error("expected no history entry from a failed processor call")
	}
}

func TestPaymentFailedIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	o, token := env.createOffer(t, "500.00")
	if _, err := env.svc.Accept(ctx, o.AccessCode, token); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if _, err := env.svc.EnsureBillerPayable(ctx, o.AccessCode, token); err != nil {
		t.Fatalf("EnsureBillerPayable failed: %v", err)
	}
	env.processor.enabled = true

	_, intent, err := env.svc.InitiatePayment(ctx, env.patientID, o.ID)
	if err != nil {
		t.Fatalf("InitiatePayment failed: %v", err)
	}
	if err := env.svc.ApplyPaymentFailed(ctx, intent.ID, "card declined"); err != nil {
		t.Fatalf("ApplyPaymentFailed failed: %v", err)
	}

	failed, _ := env.store.GetByID(ctx, o.ID)
	if failed.Status != StatusPaymentFailed {
		t.Fatalf("expected payment_failed, got %s", failed.Status)
	}
	last := failed.History[len(failed.History)-1]
	if last.Note != "card declined" {
		t.Errorf("expected failure reason in history, got %q", last.Note)
	}

	// Duplicate failure delivery is a no-op.
	if err := env.svc.ApplyPaymentFailed(ctx, intent.ID, "card declined"); err != nil {
		t.Fatalf("duplicate failure should be acknowledged, got %v", err)
	}

	// Retry succeeds end to end.
	retried, _, err := env.svc.InitiatePayment(ctx, env.patientID, o.ID)
	if err != nil {
		t.Fatalf("retry InitiatePayment failed: %v", err)
	}
	if retried.Status != StatusPaymentProcessing {
		t.Errorf("expected payment_processing after retry, got %s", retried.Status)
	}
}

func TestReconcileCompletesOnRedeliveryAfterLedgerFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	o, token := env.createOffer(t, "500.00")
	if _, err := env.svc.Accept(ctx, o.AccessCode, token); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if _, err := env.svc.EnsureBillerPayable(ctx, o.AccessCode, token); err != nil {
		t.Fatalf("EnsureBillerPayable failed: %v", err)
	}
	env.processor.enabled = true

	_, intent, err := env.svc.InitiatePayment(ctx, env.patientID, o.ID)
	if err != nil {
		t.Fatalf("InitiatePayment failed: %v", err)
	}

	// The paid transition commits but the ledger write fails.
	env.bills.appendErr = errors.New("ledger unavailable")
	if err := env.svc.ApplyPaymentSucceeded(ctx, intent.ID, "ch_1"); err == nil {
		t.Fatal("expected the failed ledger append to surface")
	}

	paid, _ := env.store.GetByID(ctx, o.ID)
	if paid.Status != StatusPaid {
		t.Fatalf("expected paid after transition, got %s", paid.Status)
	}
	if len(env.bills.ledger) != 0 {
		t.Fatalf("expected no ledger rows yet, got %d", len(env.bills.ledger))
	}
	historyLen := len(paid.History)

	// Redelivery finishes the reconciliation instead of short-circuiting.
	if err := env.svc.ApplyPaymentSucceeded(ctx, intent.ID, "ch_1"); err != nil {
		t.Fatalf("redelivery should reconcile, got %v", err)
	}
	if len(env.bills.ledger) != 1 || !env.bills.ledger[0].Equal(dec("500.00")) {
		t.Fatalf("expected one 500.00 ledger row after redelivery, got %v", env.bills.ledger)
	}
	if env.bills.summary.Status != bill.StatusPartiallyPaid {
		t.Errorf("expected bill partially_paid, got %s", env.bills.summary.Status)
	}

	// And stays idempotent from there.
	if err := env.svc.ApplyPaymentSucceeded(ctx, intent.ID, "ch_1"); err != nil {
		t.Fatalf("further redelivery should be a no-op, got %v", err)
	}
	if len(env.bills.ledger) != 1 {
		t.Errorf("expected ledger unchanged on further redelivery, got %d rows", len(env.bills.ledger))
	}
	again, _ := env.store.GetByID(ctx, o.ID)
	if len(again.History) != historyLen {
		t.Errorf("redelivery appended history: %d -> %d", historyLen, len(again.History))
	}
}

func TestConcurrentWrongCodesAllCountTowardLockout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	o, err := env.svc.CreateOffer(ctx, env.patientID, env.billID, &CreateOfferRequest{
		BillerEmail: "billing@clinic.example",
		OfferAmount: dec("500.00"),
	})
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.svc.VerifyOTP(ctx, o.AccessCode, "not-a-code")
		}()
	}
	wg.Wait()

	stored := env.store.offers[o.ID]
	if stored.Credential.OTPAttempts != 5 {
		t.Fatalf("expected all 5 concurrent failures counted, got %d", stored.Credential.OTPAttempts)
	}
	if stored.Credential.OTPLockedUntil == nil {
		t.Fatal("expected lockout armed after 5 cumulative failures")
	}

	var locked *credential.LockedError
	if _, _, _, err := env.svc.VerifyOTP(ctx, o.AccessCode, "not-a-code"); !errors.As(err, &locked) {
		t.Fatalf("expected LockedError on the next attempt, got %v", err)
	}
}

func TestCreateOfferValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.CreateOffer(ctx, env.patientID, uuid.New(), &CreateOfferRequest{
		BillerEmail: "b@x.example", OfferAmount: dec("100"),
	}); !errors.Is(err, ErrBillNotFound) {
		t.Errorf("expected ErrBillNotFound for unknown bill, got %v", err)
	}

	if _, err := env.svc.CreateOffer(ctx, uuid.New(), env.billID, &CreateOfferRequest{
		BillerEmail: "b@x.example", OfferAmount: dec("100"),
	}); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner for foreign patient, got %v", err)
	}

	for _, amount := range []string{"0", "-5", "1200.01"} {
		if _, err := env.svc.CreateOffer(ctx, env.patientID, env.billID, &CreateOfferRequest{
			BillerEmail: "b@x.example", OfferAmount: dec(amount),
		}); !errors.Is(err, ErrAmountInvalid) {
			t.Errorf("expected ErrAmountInvalid for amount %s, got %v", amount, err)
		}
	}
}

func TestBillerSessionExpiryForcesReverification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	o, token := env.createOffer(t, "500.00")

	env.now = env.now.Add(2 * time.Hour)
	if _, err := env.svc.Accept(ctx, o.AccessCode, token); !errors.Is(err, credential.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	// Status is untouched by the failed call.
	after, _ := env.store.GetByID(ctx, o.ID)
	if after.Status != StatusPendingBiller {
		t.Errorf("expected pending_biller, got %s", after.Status)
	}
}

func TestInitiatePaymentRequiresPayableBiller(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	o, token := env.createOffer(t, "500.00")
	if _, err := env.svc.Accept(ctx, o.AccessCode, token); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	// No connected account at all.
	if _, _, err := env.svc.InitiatePayment(ctx, env.patientID, o.ID); !errors.Is(err, ErrBillerNotPayable) {
		t.Errorf("expected ErrBillerNotPayable without an account, got %v", err)
	}

	// Account exists but onboarding incomplete.
	if _, err := env.svc.EnsureBillerPayable(ctx, o.AccessCode, token); err != nil {
		t.Fatalf("EnsureBillerPayable failed: %v", err)
	}
	if _, _, err := env.svc.InitiatePayment(ctx, env.patientID, o.ID); !errors.Is(err, ErrBillerNotPayable) {
		t.Errorf("expected ErrBillerNotPayable while requirements pending, got %v", err)
	}
}
