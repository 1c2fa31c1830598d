package execution

import "fmt"

type Status string

const (
	StatusEnqueued Status = "enqueued"
	StatusRunning  Status = "running"
	StatusAborting Status = "aborting"
	StatusAborted  Status = "aborted"
	StatusError    Status = "error"
	StatusSuccess  Status = "success"
)

var terminalStatuses = map[Status]bool{
	StatusAborted: true,
	StatusError:   true,
	StatusSuccess: true,
}

// enqueued → error covers items whose block vanished before they started.
var validTransitions = map[Status]map[Status]bool{
	StatusEnqueued: {
		StatusRunning: true,
		StatusAborted: true,
		StatusError:   true,
	},
	StatusRunning: {
		StatusAborting: true,
		StatusSuccess:  true,
		StatusError:    true,
	},
	StatusAborting: {
		StatusAborted: true,
		StatusError:   true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func ValidateTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid execution transition: %q → %q", from, to)
	}
	return nil
}
