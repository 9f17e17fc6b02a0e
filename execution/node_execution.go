package execution

import (
	"time"

	"github.com/goliatone/go-orchestration/ambiance"
)

// FailureType classifies a node failure for adviser matching.
type FailureType string

const (
	FailureAuthentication FailureType = "AUTHENTICATION"
	FailureAuthorization  FailureType = "AUTHORIZATION"
	FailureConnectivity   FailureType = "CONNECTIVITY"
	FailureTimeout        FailureType = "TIMEOUT"
	FailureVerification   FailureType = "VERIFICATION"
	FailureDelegate       FailureType = "DELEGATE_PROVISIONING"
	FailureApplication    FailureType = "APPLICATION_ERROR"
	FailureUnknown        FailureType = "UNKNOWN"
)

// FailureInfo describes why a node ended broken.
type FailureInfo struct {
	Message      string        `json:"message,omitempty" cbor:"message,omitempty"`
	FailureTypes []FailureType `json:"failure_types,omitempty" cbor:"failure_types,omitempty"`
}

// HasAny reports whether the failure carries any of the given types.
func (f *FailureInfo) HasAny(types []FailureType) bool {
	if f == nil {
		return false
	}
	for _, want := range types {
		for _, got := range f.FailureTypes {
			if want == got {
				return true
			}
		}
	}
	return false
}

// InterruptType names an out-of-band control signal.
type InterruptType string

const (
	InterruptAbortAll    InterruptType = "ABORT_ALL"
	InterruptPauseAll    InterruptType = "PAUSE_ALL"
	InterruptResumeAll   InterruptType = "RESUME_ALL"
	InterruptExpire      InterruptType = "EXPIRE"
	InterruptRetry       InterruptType = "RETRY"
	InterruptMarkSuccess InterruptType = "MARK_SUCCESS"
	InterruptMarkFailed  InterruptType = "MARK_FAILED"
	InterruptIgnore      InterruptType = "IGNORE"
)

// InterruptEffect records one interrupt applied to a node execution.
type InterruptEffect struct {
	InterruptID string        `json:"interrupt_id" cbor:"interrupt_id"`
	Type        InterruptType `json:"type" cbor:"type"`
	TS          time.Time     `json:"ts" cbor:"ts"`
}

// InterventionWait is kept on a RUNNING node parked for an operator
// decision. Status is the terminal status the node reported before it was
// parked; its failure stays in FailureInfo.
type InterventionWait struct {
	NextNodeID    string        `json:"next_node_id,omitempty" cbor:"next_node_id,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty" cbor:"timeout,omitempty"`
	TimeoutAction string        `json:"timeout_action,omitempty" cbor:"timeout_action,omitempty"`
	Status        Status        `json:"status" cbor:"status"`
	ParkedAt      time.Time     `json:"parked_at" cbor:"parked_at"`
}

// Deadline is when the timeout action fires, false when there is none.
func (w *InterventionWait) Deadline() (time.Time, bool) {
	if w == nil || w.Timeout <= 0 {
		return time.Time{}, false
	}
	return w.ParkedAt.Add(w.Timeout), true
}

// NodeExecution is the durable runtime state of one instantiated plan node.
type NodeExecution struct {
	UUID             string            `json:"uuid" cbor:"uuid"`
	Ambiance         ambiance.Ambiance `json:"ambiance" cbor:"ambiance"`
	NodeID           string            `json:"node_id" cbor:"node_id"`
	Identifier       string            `json:"identifier" cbor:"identifier"`
	StepType         string            `json:"step_type" cbor:"step_type"`
	Status           Status            `json:"status" cbor:"status"`
	StartTS          time.Time         `json:"start_ts,omitempty" cbor:"start_ts,omitempty"`
	EndTS            time.Time         `json:"end_ts,omitempty" cbor:"end_ts,omitempty"`
	NotifyID         string            `json:"notify_id,omitempty" cbor:"notify_id,omitempty"`
	ParentID         string            `json:"parent_id,omitempty" cbor:"parent_id,omitempty"`
	PreviousID       string            `json:"previous_id,omitempty" cbor:"previous_id,omitempty"`
	FailureInfo      *FailureInfo      `json:"failure_info,omitempty" cbor:"failure_info,omitempty"`
	RetryIDs         []string          `json:"retry_ids,omitempty" cbor:"retry_ids,omitempty"`
	OldRetry         bool              `json:"old_retry,omitempty" cbor:"old_retry,omitempty"`
	InterruptHistory []InterruptEffect `json:"interrupt_history,omitempty" cbor:"interrupt_history,omitempty"`
	ProgressData     map[string]any    `json:"progress_data,omitempty" cbor:"progress_data,omitempty"`
	Intervention     *InterventionWait `json:"intervention,omitempty" cbor:"intervention,omitempty"`
	NotBefore        time.Time         `json:"not_before,omitempty" cbor:"not_before,omitempty"`
	Version          int               `json:"version" cbor:"version"`
	UpdatedAt        time.Time         `json:"updated_at,omitempty" cbor:"updated_at,omitempty"`
}

// PlanExecutionID is a shortcut for the ambiance plan execution id.
func (n *NodeExecution) PlanExecutionID() string {
	if n == nil {
		return ""
	}
	return n.Ambiance.PlanExecutionID
}

// RetryCount is the number of earlier attempts of this node.
func (n *NodeExecution) RetryCount() int {
	if n == nil {
		return 0
	}
	return len(n.RetryIDs)
}

// Clone returns a deep copy.
func (n *NodeExecution) Clone() *NodeExecution {
	if n == nil {
		return nil
	}
	cp := *n
	cp.Ambiance = n.Ambiance.Clone(len(n.Ambiance.Levels))
	if n.FailureInfo != nil {
		fi := *n.FailureInfo
		fi.FailureTypes = append([]FailureType(nil), n.FailureInfo.FailureTypes...)
		cp.FailureInfo = &fi
	}
	if n.Intervention != nil {
		iw := *n.Intervention
		cp.Intervention = &iw
	}
	cp.RetryIDs = append([]string(nil), n.RetryIDs...)
	cp.InterruptHistory = append([]InterruptEffect(nil), n.InterruptHistory...)
	if n.ProgressData != nil {
		cp.ProgressData = make(map[string]any, len(n.ProgressData))
		for k, v := range n.ProgressData {
			cp.ProgressData[k] = v
		}
	}
	return &cp
}

// PlanExecution is the durable state of one run of a plan.
type PlanExecution struct {
	UUID   string `json:"uuid" cbor:"uuid"`
	PlanID string `json:"plan_id" cbor:"plan_id"`
	// PlanVersion is the fingerprint of the plan snapshot being executed.
	PlanVersion string    `json:"plan_version" cbor:"plan_version"`
	Status      Status    `json:"status" cbor:"status"`
	Paused      bool      `json:"paused,omitempty" cbor:"paused,omitempty"`
	StartTS     time.Time `json:"start_ts" cbor:"start_ts"`
	EndTS       time.Time `json:"end_ts,omitempty" cbor:"end_ts,omitempty"`
	Version     int       `json:"version" cbor:"version"`
	UpdatedAt   time.Time `json:"updated_at,omitempty" cbor:"updated_at,omitempty"`
}

func (p *PlanExecution) Clone() *PlanExecution {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
