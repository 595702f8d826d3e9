package model

// Status is the execution status carried by a run snapshot. The run row
// mirrors the status of its latest snapshot.
type Status string

// Execution status constants.
const (
	StatusPendingVersion       Status = "PENDING_VERSION"
	StatusWaitingForDeploy     Status = "WAITING_FOR_DEPLOY"
	StatusQueued               Status = "QUEUED"
	StatusDequeuedForExecution Status = "DEQUEUED_FOR_EXECUTION"
	StatusExecuting            Status = "EXECUTING"
	StatusReattempting         Status = "REATTEMPTING"
	StatusFrozen               Status = "FROZEN"
	StatusDelayed              Status = "DELAYED"
	StatusCompleted            Status = "COMPLETED"
	StatusCanceled             Status = "CANCELED"
	StatusFailed               Status = "FAILED"
	StatusCrashed              Status = "CRASHED"
	StatusInterrupted          Status = "INTERRUPTED"
	StatusSystemFailure        Status = "SYSTEM_FAILURE"
	StatusExpired              Status = "EXPIRED"
	StatusTimedOut             Status = "TIMED_OUT"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{
	StatusPendingVersion, StatusWaitingForDeploy, StatusQueued, StatusDequeuedForExecution,
	StatusExecuting, StatusReattempting, StatusFrozen, StatusDelayed, StatusCompleted,
	StatusCanceled, StatusFailed, StatusCrashed, StatusInterrupted, StatusSystemFailure,
	StatusExpired, StatusTimedOut,
}

var terminalStatuses = map[Status]bool{
	StatusCompleted:     true,
	StatusCanceled:      true,
	StatusFailed:        true,
	StatusCrashed:       true,
	StatusSystemFailure: true,
	StatusExpired:       true,
	StatusTimedOut:      true,
}

// IsTerminal reports whether no further transitions are possible from s.
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

// HoldsConcurrency reports whether a run in s occupies a concurrency slot.
func (s Status) HoldsConcurrency() bool {
	switch s {
	case StatusDequeuedForExecution, StatusExecuting, StatusReattempting, StatusInterrupted:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[Status]map[Status]bool{
	StatusDelayed: {
		StatusQueued:   true,
		StatusCanceled: true,
		StatusExpired:  true,
	},
	StatusPendingVersion: {
		StatusQueued:           true,
		StatusWaitingForDeploy: true,
		StatusCanceled:         true,
		StatusExpired:          true,
	},
	StatusWaitingForDeploy: {
		StatusQueued:   true,
		StatusCanceled: true,
		StatusExpired:  true,
	},
	StatusQueued: {
		StatusDequeuedForExecution: true,
		StatusPendingVersion:       true,
		StatusCanceled:             true,
		StatusExpired:              true,
		StatusSystemFailure:        true,
	},
	StatusDequeuedForExecution: {
		StatusExecuting:     true,
		StatusQueued:        true,
		StatusCanceled:      true,
		StatusSystemFailure: true,
	},
	StatusExecuting: {
		StatusExecuting:     true,
		StatusReattempting:  true,
		StatusFrozen:        true,
		StatusQueued:        true,
		StatusInterrupted:   true,
		StatusCompleted:     true,
		StatusFailed:        true,
		StatusCrashed:       true,
		StatusSystemFailure: true,
		StatusCanceled:      true,
		StatusTimedOut:      true,
	},
	StatusReattempting: {
		StatusExecuting:     true,
		StatusQueued:        true,
		StatusCanceled:      true,
		StatusCrashed:       true,
		StatusSystemFailure: true,
	},
	StatusFrozen: {
		StatusQueued:               true,
		StatusDequeuedForExecution: true,
		StatusCanceled:             true,
		StatusTimedOut:             true,
	},
	StatusInterrupted: {
		StatusCanceled:      true,
		StatusCrashed:       true,
		StatusSystemFailure: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ValidInitialStatus reports whether a run may be created in s.
func ValidInitialStatus(s Status) bool {
	return s == StatusQueued || s == StatusDelayed || s == StatusPendingVersion
}
