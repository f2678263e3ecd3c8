package reconcile

import "github.com/lalithlochan/pixbill/internal/db"

// Action is what reconciliation does to a stored payment.
type Action int

const (
	ActionNone Action = iota
	ActionApprove
	ActionClose
)

func (a Action) String() string {
	switch a {
	case ActionApprove:
		return "approve"
	case ActionClose:
		return "close"
	default:
		return "none"
	}
}

// Decision is the transition for a stored status and a mapped provider
// status.
type Decision struct {
	Action Action
	Status string
	// Terminal is set when the stored payment is already approved.
	Terminal bool
}

// Decide returns the transition to apply. Approval wins from any state
// other than approved; failure and cancellation only close a pending
// payment.
func Decide(current, mapped string) Decision {
	if current == db.PaymentApproved {
		return Decision{Action: ActionNone, Terminal: true}
	}
	switch mapped {
	case db.PaymentApproved:
		return Decision{Action: ActionApprove, Status: db.PaymentApproved}
	case db.PaymentFailed, db.PaymentCancelled:
		if current == db.PaymentPending {
			return Decision{Action: ActionClose, Status: mapped}
		}
	}
	return Decision{Action: ActionNone}
}
