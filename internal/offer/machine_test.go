package offer

import "testing"

var allStatuses = []Status{
	StatusPendingBiller, StatusCountered, StatusAccepted,
	StatusPaymentPending, StatusPaymentProcessing, StatusPaid,
	StatusPaymentFailed, StatusRejected, StatusExpired, StatusWithdrawn,
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		action Action
		actor  Actor
		from   []Status
		to     Status
	}{
		{ActionCounter, ActorBiller, []Status{StatusPendingBiller}, StatusCountered},
		{ActionAccept, ActorBiller, []Status{StatusPendingBiller}, StatusAccepted},
		{ActionReject, ActorBiller, []Status{StatusPendingBiller, StatusCountered}, StatusRejected},
		{ActionAcceptCounter, ActorPatient, []Status{StatusCountered}, StatusAccepted},
		{ActionWithdraw, ActorPatient, []Status{StatusPendingBiller, StatusCountered}, StatusWithdrawn},
		{ActionInitiatePayment, ActorPatient, []Status{StatusAccepted, StatusPaymentFailed}, StatusPaymentPending},
		{ActionIntentCreated, ActorSystem, []Status{StatusPaymentPending}, StatusPaymentProcessing},
		{ActionPaymentSucceeded, ActorSystem, []Status{StatusPaymentProcessing}, StatusPaid},
		{ActionPaymentFailed, ActorSystem, []Status{StatusPaymentProcessing}, StatusPaymentFailed},
		{ActionExpire, ActorSystem, []Status{StatusPendingBiller}, StatusExpired},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			rule, ok := Rule(tt.action)
			if !ok {
				t.Fatalf("no rule for action %s", tt.action)
			}
			if rule.Actor != tt.actor {
				t.Errorf("actor = %s, want %s", rule.Actor, tt.actor)
			}
			if rule.To != tt.to {
				t.Errorf("target = %s, want %s", rule.To, tt.to)
			}

			allowed := make(map[Status]bool, len(tt.from))
			for _, s := range tt.from {
				allowed[s] = true
			}
			for _, s := range allStatuses {
				if got := CanApply(tt.action, s); got != allowed[s] {
					t.Errorf("CanApply(%s, %s) = %v, want %v", tt.action, s, got, allowed[s])
				}
			}
		})
	}
}

func TestNoActionIsLegalFromTerminalStatuses(t *testing.T) {
	actions := []Action{
		ActionCounter, ActionAccept, ActionReject, ActionAcceptCounter,
		ActionWithdraw, ActionInitiatePayment, ActionIntentCreated,
		ActionPaymentSucceeded, ActionPaymentFailed, ActionExpire,
	}
	for _, s := range allStatuses {
		if !s.Terminal() {
			continue
		}
		for _, a := range actions {
			if CanApply(a, s) {
				t.Errorf("CanApply(%s, %s) = true for terminal status", a, s)
			}
		}
	}
}

func TestUnknownActionNeverApplies(t *testing.T) {
	for _, s := range allStatuses {
		if CanApply(Action("bogus"), s) {
			t.Errorf("unknown action allowed from %s", s)
		}
	}
}
