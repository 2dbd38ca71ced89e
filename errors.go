package dragonscale

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for specific failure types
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeDuplicateAction    = "DUPLICATE_ACTION"
	ErrCodeDanglingDependency = "DANGLING_DEPENDENCY"
	ErrCodeCycle              = "DEPENDENCY_CYCLE"
	ErrCodeCompatibility      = "MODULE_INCOMPATIBLE"
	ErrCodeModuleNotFound     = "MODULE_NOT_FOUND"
	ErrCodeNodeNotFound       = "NODE_NOT_FOUND"
	ErrCodePolicy             = "POLICY_DENIED"
	ErrCodeApprovalRequired   = "APPROVAL_REQUIRED"
	ErrCodeApprovalRejected   = "APPROVAL_REJECTED"
	ErrCodeTemplateResolution = "TEMPLATE_RESOLUTION_ERROR"
	ErrCodeDispatch           = "DISPATCH_ERROR"
	ErrCodeTimeout            = "ACTION_TIMEOUT"
	ErrCodeCancelled          = "EXECUTION_CANCELLED"
	ErrCodePlanNotFound       = "PLAN_NOT_FOUND"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeConfiguration      = "CONFIGURATION_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// DragonScaleError is a custom error type for DragonScale specific errors.
type DragonScaleError struct {
	Code    string // A machine-readable error code (e.g., ErrCodeCycle)
	Message string // A human-readable message
	Stage   string // The stage where the error occurred (e.g., "scheduling", "dispatch")
	Cause   error  // The underlying error, if any
}

// Error implements the error interface.
func (e *DragonScaleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *DragonScaleError) Unwrap() error {
	return e.Cause
}

// Is matches sentinel errors by code, so errors.Is(err, ErrCycle) works for any cycle error.
func (e *DragonScaleError) Is(target error) bool {
	t, ok := target.(*DragonScaleError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Stage == ""
}

// Sentinels for errors.Is checks. They carry only a code.
var (
	ErrValidation         = &DragonScaleError{Code: ErrCodeValidation}
	ErrDuplicateAction    = &DragonScaleError{Code: ErrCodeDuplicateAction}
	ErrDanglingDependency = &DragonScaleError{Code: ErrCodeDanglingDependency}
	ErrCycle              = &DragonScaleError{Code: ErrCodeCycle}
	ErrCompatibility      = &DragonScaleError{Code: ErrCodeCompatibility}
	ErrModuleNotFound     = &DragonScaleError{Code: ErrCodeModuleNotFound}
	ErrNodeNotFound       = &DragonScaleError{Code: ErrCodeNodeNotFound}
	ErrPolicy             = &DragonScaleError{Code: ErrCodePolicy}
	ErrApprovalRequired   = &DragonScaleError{Code: ErrCodeApprovalRequired}
	ErrApprovalRejected   = &DragonScaleError{Code: ErrCodeApprovalRejected}
	ErrTemplateResolution = &DragonScaleError{Code: ErrCodeTemplateResolution}
	ErrDispatch           = &DragonScaleError{Code: ErrCodeDispatch}
	ErrActionTimeout      = &DragonScaleError{Code: ErrCodeTimeout}
	ErrCancelled          = &DragonScaleError{Code: ErrCodeCancelled}
	ErrPlanNotFound       = &DragonScaleError{Code: ErrCodePlanNotFound}
	ErrRateLimited        = &DragonScaleError{Code: ErrCodeRateLimited}
)

// NewError creates a new DragonScaleError.
func NewError(code, stage, message string, cause error) *DragonScaleError {
	return &DragonScaleError{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// IsDragonScaleError reports whether err carries a DragonScaleError anywhere in its chain.
func IsDragonScaleError(err error) bool {
	var dsErr *DragonScaleError
	return errors.As(err, &dsErr)
}

// CodeOf returns the code of the first DragonScaleError in err's chain, or "".
func CodeOf(err error) string {
	var dsErr *DragonScaleError
	if errors.As(err, &dsErr) {
		return dsErr.Code
	}
	return ""
}

// Specific error constructors

func NewValidationError(stage, message string, cause error) *DragonScaleError {
	return NewError(ErrCodeValidation, stage, message, cause)
}

func NewDuplicateActionError(actionID string) *DragonScaleError {
	return NewError(ErrCodeDuplicateAction, "scheduling", fmt.Sprintf("duplicate action id '%s'", actionID), nil)
}

func NewDanglingDependencyError(actionID, dependency string) *DragonScaleError {
	msg := fmt.Sprintf("action '%s' depends on unknown action '%s'", actionID, dependency)
	return NewError(ErrCodeDanglingDependency, "scheduling", msg, nil)
}

func NewCycleError(actionIDs []string) *DragonScaleError {
	msg := fmt.Sprintf("dependency cycle among actions [%s]", strings.Join(actionIDs, ", "))
	return NewError(ErrCodeCycle, "scheduling", msg, nil)
}

func NewCompatibilityError(message string, cause error) *DragonScaleError {
	return NewError(ErrCodeCompatibility, "compatibility", message, cause)
}

func NewModuleNotFoundError(stage, module string) *DragonScaleError {
	return NewError(ErrCodeModuleNotFound, stage, fmt.Sprintf("module '%s' not found", module), nil)
}

func NewNodeNotFoundError(node string) *DragonScaleError {
	return NewError(ErrCodeNodeNotFound, "dispatch", fmt.Sprintf("execution node '%s' not found", node), nil)
}

func NewPolicyError(stage, message string, cause error) *DragonScaleError {
	return NewError(ErrCodePolicy, stage, message, cause)
}

func NewApprovalRequiredError(actionID, reason string) *DragonScaleError {
	msg := fmt.Sprintf("action '%s' requires approval", actionID)
	if reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, reason)
	}
	return NewError(ErrCodeApprovalRequired, "permission", msg, nil)
}

func NewApprovalRejectedError(actionID, reason string) *DragonScaleError {
	msg := fmt.Sprintf("approval rejected for action '%s'", actionID)
	if reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, reason)
	}
	return NewError(ErrCodeApprovalRejected, "approval", msg, nil)
}

func NewTemplateResolutionError(expression, message string) *DragonScaleError {
	msg := fmt.Sprintf("cannot resolve '{{%s}}': %s", expression, message)
	return NewError(ErrCodeTemplateResolution, "templating", msg, nil)
}

func NewDispatchError(module, action string, cause error) *DragonScaleError {
	return NewError(ErrCodeDispatch, "dispatch", fmt.Sprintf("execution failed for %s.%s", module, action), cause)
}

func NewTimeoutError(module, action string, cause error) *DragonScaleError {
	return NewError(ErrCodeTimeout, "dispatch", fmt.Sprintf("%s.%s timed out", module, action), cause)
}

func NewCancelledError(stage string, cause error) *DragonScaleError {
	msg := "execution cancelled"
	if cause != nil && cause.Error() != "" && cause.Error() != "context canceled" {
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewPlanNotFoundError(planID string) *DragonScaleError {
	return NewError(ErrCodePlanNotFound, "engine", fmt.Sprintf("plan '%s' not found", planID), nil)
}

func NewStoreError(operation string, cause error) *DragonScaleError {
	return NewError(ErrCodeStore, "persistence", fmt.Sprintf("store operation '%s' failed", operation), cause)
}

func NewConfigurationError(message string, cause error) *DragonScaleError {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

func NewInternalError(stage, message string, cause error) *DragonScaleError {
	return NewError(ErrCodeInternal, stage, message, cause)
}
