package execution

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a node or plan execution.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusAborted   Status = "ABORTED"
	StatusSkipped   Status = "SKIPPED"
	StatusExpired   Status = "EXPIRED"
)

var allStatuses = []Status{
	StatusQueued,
	StatusRunning,
	StatusSucceeded,
	StatusFailed,
	StatusAborted,
	StatusSkipped,
	StatusExpired,
}

// Statuses returns every known status.
func Statuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus normalizes and validates a status name.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range allStatuses {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

func (s Status) String() string { return string(s) }

// IsTerminal reports whether no further status writes are allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted, StatusSkipped, StatusExpired:
		return true
	default:
		return false
	}
}

// IsBroken reports failure-like terminal statuses.
func (s Status) IsBroken() bool {
	switch s {
	case StatusFailed, StatusAborted, StatusExpired:
		return true
	default:
		return false
	}
}

// IsPositive reports success-like terminal statuses.
func (s Status) IsPositive() bool {
	return s == StatusSucceeded || s == StatusSkipped
}

// IsInterrupt reports statuses an interrupt may force from any non-terminal state.
func (s Status) IsInterrupt() bool {
	return s == StatusAborted || s == StatusExpired
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to.IsInterrupt() {
		return true
	}
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusSkipped
	case StatusRunning:
		return to == StatusRunning || to.IsTerminal()
	default:
		return false
	}
}
