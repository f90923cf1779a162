package payments

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeVerifier struct {
	event *Event
	err   error
}

func (f *fakeVerifier) Verify(payload []byte, signature string) (*Event, error) {
	return f.event, f.err
}

type fakeReconciler struct {
	succeeded []string
	failed    []string
	reasons   []string
	err       error
}

func (f *fakeReconciler) ApplyPaymentSucceeded(ctx context.Context, intentID, reference string) error {
	f.succeeded = append(f.succeeded, intentID)
	return f.err
}

func (f *fakeReconciler) ApplyPaymentFailed(ctx context.Context, intentID, reason string) error {
	f.failed = append(f.failed, intentID)
	f.reasons = append(f.reasons, reason)
	return f.err
}

func postWebhook(h *WebhookHandler) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/v1/webhooks/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=sig")
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	offers := &fakeReconciler{}
	h := NewWebhookHandler(&fakeVerifier{err: ErrSignatureInvalid}, offers)

	rec := postWebhook(h)
	if rec.Code != 400 {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if len(offers.succeeded) != 0 || len(offers.failed) != 0 {
		t.Error("expected no reconciliation on signature failure")
	}
}

func TestWebhookDispatchesSuccess(t *testing.T) {
	offers := &fakeReconciler{}
	h := NewWebhookHandler(&fakeVerifier{event: &Event{
		ID:              "evt_1",
		Kind:            EventPaymentSucceeded,
		PaymentIntentID: "pi_123",
		Reference:       "ch_456",
	}}, offers)

	rec := postWebhook(h)
	if rec.Code != 200 {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if len(offers.succeeded) != 1 || offers.succeeded[0] != "pi_123" {
		t.Errorf("expected success dispatched for pi_123, got %v", offers.succeeded)
	}
}

func TestWebhookDispatchesFailureWithReason(t *testing.T) {
	offers := &fakeReconciler{}
	h := NewWebhookHandler(&fakeVerifier{event: &Event{
		ID:              "evt_2",
		Kind:            EventPaymentFailed,
		PaymentIntentID: "pi_123",
		FailureReason:   "card declined",
	}}, offers)

	rec := postWebhook(h)
	if rec.Code != 200 {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if len(offers.failed) != 1 || offers.reasons[0] != "card declined" {
		t.Errorf("expected failure dispatched with reason, got %v / %v", offers.failed, offers.reasons)
	}
}

func TestWebhookAcknowledgesInternalErrors(t *testing.T) {
	offers := &fakeReconciler{err: errors.New("db down")}
	h := NewWebhookHandler(&fakeVerifier{event: &Event{
		Kind:            EventPaymentSucceeded,
		PaymentIntentID: "pi_123",
	}}, offers)

	rec := postWebhook(h)
	if rec.Code != 200 {
		t.Errorf("expected 200 even on processing error, got %d", rec.Code)
	}
}

func TestWebhookIgnoresUnknownEvents(t *testing.T) {
	offers := &fakeReconciler{}
	h := NewWebhookHandler(&fakeVerifier{event: &Event{Kind: EventIgnored}}, offers)

	rec := postWebhook(h)
	if rec.Code != 200 {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if len(offers.succeeded) != 0 && len(offers.failed) != 0 {
		t.Error("expected no reconciliation for unknown event types")
	}
}
