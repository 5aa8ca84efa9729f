package payment

import "fmt"

// allowedTransitions is the complete transition table. Status changes happen
// nowhere else: every mark* operation funnels through transition below.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing:     true,
		StatusSucceeded:      true,
		StatusFailed:         true,
		StatusRequiresAction: true,
		StatusExpired:        true,
		StatusCanceled:       true,
	},
	StatusProcessing: {
		StatusSucceeded:      true,
		StatusFailed:         true,
		StatusRequiresAction: true,
		StatusExpired:        true,
		StatusCanceled:       true,
	},
	StatusRequiresAction: {
		StatusProcessing: true,
		StatusSucceeded:  true,
		StatusFailed:     true,
		StatusExpired:    true,
		StatusCanceled:   true,
	},
	StatusSucceeded: {
		StatusRefunded: true,
	},
	// failed, expired, canceled, refunded: terminal, nothing leaves them.
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

// transition applies a permitted status change to the intent copy and
// appends the audit record. Illegal moves fail without mutating anything.
func transition(intent *Intent, to Status, reason string, atUnixUTC int64) error {
	if !CanTransition(intent.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, intent.Status, to)
	}
	change := StatusChange{
		From:      intent.Status,
		To:        to,
		Reason:    reason,
		AtUnixUTC: atUnixUTC,
	}
	intent.StatusHistory = append(intent.StatusHistory, change)
	intent.Status = to
	return nil
}
