package orchestration

import "github.com/google/uuid"

// NewID returns a random identifier used for node executions, notify ids and lock tokens.
func NewID() string {
	return uuid.NewString()
}
