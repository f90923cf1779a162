package offer

import "errors"

// ErrInvalidTransition means the attempted action is not legal from the
// offer's current status. The record is never mutated when it is returned;
// that guard is what makes duplicate webhook delivery and racing UI actions
// safe.
var ErrInvalidTransition = errors.New("action not allowed from current offer status")

// Transition describes who may perform an action and which statuses it is
// legal from.
type Transition struct {
	Actor Actor
	From  []Status
	To    Status
}

var transitions = map[Action]Transition{
	ActionCounter:          {ActorBiller, []Status{StatusPendingBiller}, StatusCountered},
	ActionAccept:           {ActorBiller, []Status{StatusPendingBiller}, StatusAccepted},
	ActionReject:           {ActorBiller, []Status{StatusPendingBiller, StatusCountered}, StatusRejected},
	ActionAcceptCounter:    {ActorPatient, []Status{StatusCountered}, StatusAccepted},
	ActionWithdraw:         {ActorPatient, []Status{StatusPendingBiller, StatusCountered}, StatusWithdrawn},
	ActionInitiatePayment:  {ActorPatient, []Status{StatusAccepted, StatusPaymentFailed}, StatusPaymentPending},
	ActionIntentCreated:    {ActorSystem, []Status{StatusPaymentPending}, StatusPaymentProcessing},
	ActionPaymentSucceeded: {ActorSystem, []Status{StatusPaymentProcessing}, StatusPaid},
	ActionPaymentFailed:    {ActorSystem, []Status{StatusPaymentProcessing}, StatusPaymentFailed},
	ActionExpire:           {ActorSystem, []Status{StatusPendingBiller}, StatusExpired},
}

// Rule returns the transition rule for an action.
func Rule(action Action) (Transition, bool) {
	t, ok := transitions[action]
	return t, ok
}

// CanApply reports whether an action is legal from the given status.
func CanApply(action Action, from Status) bool {
	t, ok := transitions[action]
	if !ok {
		return false
	}
	for _, s := range t.From {
		if s == from {
			return true
		}
	}
	return false
}
