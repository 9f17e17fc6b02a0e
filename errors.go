package orchestration

import (
	stderrors "errors"
	"fmt"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeNodeNotFound              = "NODE_NOT_FOUND"
	ErrCodePlanInvalid               = "PLAN_INVALID"
	ErrCodePlanMaxDepthExceeded      = "PLAN_MAX_DEPTH_EXCEEDED"
	ErrCodeSweepingOutputNotFound    = "SWEEPING_OUTPUT_NOT_FOUND"
	ErrCodeGroupNotFound             = "GROUP_NOT_FOUND"
	ErrCodeOutputDuplicate           = "OUTPUT_DUPLICATE"
	ErrCodeLockAcquisitionFailed     = "LOCK_ACQUISITION_FAILED"
	ErrCodeAdviserFailure            = "ADVISER_FAILURE"
	ErrCodeAdviserNotRegistered      = "ADVISER_NOT_REGISTERED"
	ErrCodeInvalidStatusTransition   = "INVALID_STATUS_TRANSITION"
	ErrCodeNodeExecutionNotFound     = "NODE_EXECUTION_NOT_FOUND"
	ErrCodePlanExecutionNotFound     = "PLAN_EXECUTION_NOT_FOUND"
	ErrCodeVersionConflict           = "VERSION_CONFLICT"
	ErrCodePayloadDecodeFailed       = "PAYLOAD_DECODE_FAILED"
	ErrCodeTaskSelectionBlocked      = "TASK_SELECTION_BLOCKED"
	ErrCodeStepNotRegistered         = "STEP_NOT_REGISTERED"
	ErrCodeImmutableField            = "IMMUTABLE_FIELD"
	ErrCodeNotifyCallbackFailed      = "NOTIFY_CALLBACK_FAILED"
	ErrCodeInterventionNotApplicable = "INTERVENTION_NOT_APPLICABLE"
	ErrCodeDelegateTaskFailed        = "DELEGATE_TASK_FAILED"
	ErrCodeStepFailed                = "STEP_FAILED"
	ErrCodePlanNotFound              = "PLAN_NOT_FOUND"
	ErrCodeLockLost                  = "LOCK_LOST"
	ErrCodeInvalidConfig             = "INVALID_CONFIG"
	ErrCodeAlreadyRunning            = "ALREADY_RUNNING"
)

var (
	ErrNodeNotFound = apperrors.New("plan node not found", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeNodeNotFound)
	ErrPlanInvalid = apperrors.New("plan invalid", apperrors.CategoryValidation).
			WithTextCode(ErrCodePlanInvalid)
	ErrPlanMaxDepthExceeded = apperrors.New("plan creation exceeded max depth", apperrors.CategoryHandler).
				WithTextCode(ErrCodePlanMaxDepthExceeded)
	ErrSweepingOutputNotFound = apperrors.New("sweeping output not found", apperrors.CategoryBadInput).
					WithTextCode(ErrCodeSweepingOutputNotFound)
	ErrGroupNotFound = apperrors.New("output group scope not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeGroupNotFound)
	ErrOutputDuplicate = apperrors.New("output already consumed", apperrors.CategoryConflict).
				WithTextCode(ErrCodeOutputDuplicate)
	ErrLockAcquisitionFailed = apperrors.New("lock acquisition failed", apperrors.CategoryConflict).
					WithTextCode(ErrCodeLockAcquisitionFailed)
	ErrAdviserFailure = apperrors.New("adviser failed", apperrors.CategoryHandler).
				WithTextCode(ErrCodeAdviserFailure)
	ErrAdviserNotRegistered = apperrors.New("adviser not registered", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeAdviserNotRegistered)
	ErrInvalidStatusTransition = apperrors.New("invalid status transition", apperrors.CategoryConflict).
					WithTextCode(ErrCodeInvalidStatusTransition)
	ErrNodeExecutionNotFound = apperrors.New("node execution not found", apperrors.CategoryBadInput).
					WithTextCode(ErrCodeNodeExecutionNotFound)
	ErrPlanExecutionNotFound = apperrors.New("plan execution not found", apperrors.CategoryBadInput).
					WithTextCode(ErrCodePlanExecutionNotFound)
	ErrVersionConflict = apperrors.New("version conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeVersionConflict)
	ErrPayloadDecodeFailed = apperrors.New("payload decode failed", apperrors.CategoryExternal).
				WithTextCode(ErrCodePayloadDecodeFailed)
	ErrTaskSelectionBlocked = apperrors.New("task selection blocked", apperrors.CategoryExternal).
				WithTextCode(ErrCodeTaskSelectionBlocked)
	ErrStepNotRegistered = apperrors.New("step type not registered", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeStepNotRegistered)
	ErrImmutableField = apperrors.New("immutable field changed", apperrors.CategoryValidation).
				WithTextCode(ErrCodeImmutableField)
	ErrNotifyCallbackFailed = apperrors.New("notify callback failed", apperrors.CategoryHandler).
				WithTextCode(ErrCodeNotifyCallbackFailed)
	ErrInterventionNotApplicable = apperrors.New("intervention not applicable", apperrors.CategoryConflict).
					WithTextCode(ErrCodeInterventionNotApplicable)
	ErrDelegateTaskFailed = apperrors.New("delegate task failed", apperrors.CategoryExternal).
				WithTextCode(ErrCodeDelegateTaskFailed)
	ErrStepFailed = apperrors.New("step execution failed", apperrors.CategoryHandler).
			WithTextCode(ErrCodeStepFailed)
	ErrPlanNotFound = apperrors.New("plan not found", apperrors.CategoryBadInput).
			WithTextCode(ErrCodePlanNotFound)
	ErrLockLost = apperrors.New("lock lost", apperrors.CategoryConflict).
			WithTextCode(ErrCodeLockLost)
	ErrInvalidConfig = apperrors.New("invalid configuration", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidConfig)
	ErrAlreadyRunning = apperrors.New("already running", apperrors.CategoryConflict).
				WithTextCode(ErrCodeAlreadyRunning)
)

// NewError clones base so every occurrence carries its own message, source and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrPlanInvalid
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// Errorf is NewError with a formatted message and no source.
func Errorf(base *apperrors.Error, format string, args ...any) *apperrors.Error {
	return NewError(base, fmt.Sprintf(format, args...), nil, nil)
}

// ErrorCode returns the text code of the first go-errors error in the chain.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	return ErrorCode(err) == code
}

func IsNodeNotFound(err error) bool { return HasCode(err, ErrCodeNodeNotFound) }

func IsSweepingOutputNotFound(err error) bool { return HasCode(err, ErrCodeSweepingOutputNotFound) }

func IsGroupNotFound(err error) bool { return HasCode(err, ErrCodeGroupNotFound) }

func IsLockAcquisitionFailed(err error) bool { return HasCode(err, ErrCodeLockAcquisitionFailed) }

func IsInvalidStatusTransition(err error) bool { return HasCode(err, ErrCodeInvalidStatusTransition) }

func IsVersionConflict(err error) bool { return HasCode(err, ErrCodeVersionConflict) }
