package ambiance

import (
	"strings"
	"time"
)

// GlobalScope names the plan-level anchor visible to every level.
const GlobalScope = "global"

// Level is one frame of the execution stack.
type Level struct {
	SetupID    string    `json:"setup_id" cbor:"setup_id"`
	RuntimeID  string    `json:"runtime_id" cbor:"runtime_id"`
	Identifier string    `json:"identifier" cbor:"identifier"`
	StepType   string    `json:"step_type" cbor:"step_type"`
	Group      string    `json:"group,omitempty" cbor:"group,omitempty"`
	StartTS    time.Time `json:"start_ts,omitempty" cbor:"start_ts,omitempty"`
}

// Ambiance locates a running node within a plan execution. Values are
// immutable; every transformation returns a new Ambiance.
type Ambiance struct {
	PlanExecutionID string  `json:"plan_execution_id" cbor:"plan_execution_id"`
	PlanID          string  `json:"plan_id,omitempty" cbor:"plan_id,omitempty"`
	Levels          []Level `json:"levels" cbor:"levels"`
}

// New returns an ambiance with no levels.
func New(planExecutionID, planID string) Ambiance {
	return Ambiance{PlanExecutionID: planExecutionID, PlanID: planID}
}

// CloneForChild pushes level on a copy.
func (a Ambiance) CloneForChild(level Level) Ambiance {
	out := a.Clone(len(a.Levels))
	out.Levels = append(out.Levels, level)
	return out
}

// CloneForFinish pops the top level on a copy.
func (a Ambiance) CloneForFinish() Ambiance {
	if len(a.Levels) == 0 {
		return a.Clone(0)
	}
	return a.Clone(len(a.Levels) - 1)
}

// CloneForSibling replaces the top level on a copy.
func (a Ambiance) CloneForSibling(level Level) Ambiance {
	return a.CloneForFinish().CloneForChild(level)
}

// Clone returns a copy holding the first keep levels.
func (a Ambiance) Clone(keep int) Ambiance {
	if keep < 0 {
		keep = 0
	}
	if keep > len(a.Levels) {
		keep = len(a.Levels)
	}
	levels := make([]Level, keep, keep+1)
	copy(levels, a.Levels[:keep])
	return Ambiance{
		PlanExecutionID: a.PlanExecutionID,
		PlanID:          a.PlanID,
		Levels:          levels,
	}
}

func (a Ambiance) Depth() int {
	return len(a.Levels)
}

// CurrentLevel returns the top level, if any.
func (a Ambiance) CurrentLevel() (Level, bool) {
	if len(a.Levels) == 0 {
		return Level{}, false
	}
	return a.Levels[len(a.Levels)-1], true
}

func (a Ambiance) CurrentRuntimeID() string {
	l, _ := a.CurrentLevel()
	return l.RuntimeID
}

func (a Ambiance) CurrentSetupID() string {
	l, _ := a.CurrentLevel()
	return l.SetupID
}

func (a Ambiance) StepIdentifier() string {
	l, _ := a.CurrentLevel()
	return l.Identifier
}

func (a Ambiance) StepType() string {
	l, _ := a.CurrentLevel()
	return l.StepType
}

// ParentRuntimeID returns the runtime id of the level below the top.
func (a Ambiance) ParentRuntimeID() string {
	if len(a.Levels) < 2 {
		return ""
	}
	return a.Levels[len(a.Levels)-2].RuntimeID
}

// FQN joins level identifiers with dots, root first.
func (a Ambiance) FQN() string {
	parts := make([]string, 0, len(a.Levels))
	for _, l := range a.Levels {
		if l.Identifier != "" {
			parts = append(parts, l.Identifier)
		}
	}
	return strings.Join(parts, ".")
}

// LevelByGroup returns the index of the deepest level whose identifier or
// group equals scope.
func (a Ambiance) LevelByGroup(scope string) (int, bool) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return -1, false
	}
	for i := len(a.Levels) - 1; i >= 0; i-- {
		l := a.Levels[i]
		if l.Identifier == scope || (l.Group != "" && l.Group == scope) {
			return i, true
		}
	}
	return -1, false
}

// HasPrefix reports whether other's levels are a prefix of a's levels
// within the same plan execution.
func (a Ambiance) HasPrefix(other Ambiance) bool {
	if a.PlanExecutionID != other.PlanExecutionID || len(other.Levels) > len(a.Levels) {
		return false
	}
	for i, l := range other.Levels {
		if a.Levels[i].RuntimeID != l.RuntimeID {
			return false
		}
	}
	return true
}

// RuntimeIDs lists runtime ids from the top level down to the root.
func (a Ambiance) RuntimeIDs() []string {
	out := make([]string, 0, len(a.Levels))
	for i := len(a.Levels) - 1; i >= 0; i-- {
		out = append(out, a.Levels[i].RuntimeID)
	}
	return out
}
