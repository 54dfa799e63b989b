package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Specific sentinels below wrap one of these so callers can
// match either the precise failure or its broad category with errors.Is.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("provider error")
)

// Swarm errors.
var (
	ErrStepBudgetExceeded      = fmt.Errorf("step budget exceeded: %w", ErrLimitReached)
	ErrToolExecution           = fmt.Errorf("tool execution failed")
	ErrApprovalTimeout         = fmt.Errorf("approval timed out: %w", ErrTimeout)
	ErrApprovalRejected        = fmt.Errorf("action rejected by user: %w", ErrPermissionDenied)
	ErrUnknownAgent            = fmt.Errorf("unknown agent: %w", ErrNotFound)
	ErrUnknownAction           = fmt.Errorf("unknown action: %w", ErrNotFound)
	ErrInvalidActionState      = fmt.Errorf("action is not pending: %w", ErrInvalidInput)
	ErrSandboxResourceExceeded = fmt.Errorf("sandbox resource limit exceeded: %w", ErrLimitReached)
	ErrAgentBusy               = fmt.Errorf("agent already has an active task: %w", ErrLimitReached)
	ErrInvalidTransition       = fmt.Errorf("invalid status transition")
	ErrNoHandler               = fmt.Errorf("no handler for topic: %w", ErrNotFound)
	ErrBusClosed               = fmt.Errorf("event bus closed")
	ErrUnknownTool             = fmt.Errorf("unknown tool: %w", ErrNotFound)

	ErrPathOutsideSandbox = fmt.Errorf("path is outside sandbox boundary")
	ErrCommandNotAllowed  = fmt.Errorf("command not in allowlist")
	ErrSSRFBlocked        = fmt.Errorf("request to private/reserved IP blocked")
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")

	// Gateway / RPC errors.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")

	// Resilience errors.
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrContextOverflow = fmt.Errorf("context window exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Gate.Approve")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "wasm", "agent"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	for _, target := range []error{ErrRateLimit, ErrTimeout, ErrProviderError, ErrAgentBusy} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown                 ErrorCode = "UNKNOWN"
	CodeStepBudgetExceeded      ErrorCode = "STEP_BUDGET_EXCEEDED"
	CodeToolExecution           ErrorCode = "TOOL_EXECUTION"
	CodeApprovalTimeout         ErrorCode = "APPROVAL_TIMEOUT"
	CodeApprovalRejected        ErrorCode = "APPROVAL_REJECTED"
	CodeUnknownAgent            ErrorCode = "UNKNOWN_AGENT"
	CodeUnknownAction           ErrorCode = "UNKNOWN_ACTION"
	CodeInvalidActionState      ErrorCode = "INVALID_ACTION_STATE"
	CodeSandboxResourceExceeded ErrorCode = "SANDBOX_RESOURCE_EXCEEDED"
	CodeAgentBusy               ErrorCode = "AGENT_BUSY"
	CodeInvalidTransition       ErrorCode = "INVALID_TRANSITION"
	CodeNoHandler               ErrorCode = "NO_HANDLER"
	CodeBusClosed               ErrorCode = "BUS_CLOSED"
	CodeUnknownTool             ErrorCode = "UNKNOWN_TOOL"
	CodePathOutsideSandbox      ErrorCode = "PATH_OUTSIDE_SANDBOX"
	CodeCommandNotAllowed       ErrorCode = "COMMAND_NOT_ALLOWED"
	CodeSSRFBlocked             ErrorCode = "SSRF_BLOCKED"
	CodeConfigLoad              ErrorCode = "CONFIG_LOAD"
	CodeAuthInvalid             ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth             ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound       ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload       ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeRateLimit               ErrorCode = "RATE_LIMIT"
	CodeContextOverflow         ErrorCode = "CONTEXT_OVERFLOW"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeWASMLoad       ErrorCode = "WASM_LOAD"
	CodeWASMExec       ErrorCode = "WASM_EXEC"
	CodeWASMTimeout    ErrorCode = "WASM_TIMEOUT"
	CodeScriptCompile  ErrorCode = "SCRIPT_COMPILE"
	CodeToolDuplicate  ErrorCode = "TOOL_DUPLICATE"
	CodeStoreNotFound  ErrorCode = "STORE_NOT_FOUND"
	CodeBrowserTimeout ErrorCode = "BROWSER_TIMEOUT"

	// Category error codes, used when no specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
)

// specificCodes is checked before the category sentinels so that wrapped
// sentinels resolve to their most precise code.
var specificCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrStepBudgetExceeded, CodeStepBudgetExceeded},
	{ErrToolExecution, CodeToolExecution},
	{ErrApprovalTimeout, CodeApprovalTimeout},
	{ErrApprovalRejected, CodeApprovalRejected},
	{ErrUnknownAgent, CodeUnknownAgent},
	{ErrUnknownAction, CodeUnknownAction},
	{ErrInvalidActionState, CodeInvalidActionState},
	{ErrSandboxResourceExceeded, CodeSandboxResourceExceeded},
	{ErrAgentBusy, CodeAgentBusy},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrNoHandler, CodeNoHandler},
	{ErrBusClosed, CodeBusClosed},
	{ErrUnknownTool, CodeUnknownTool},
	{ErrPathOutsideSandbox, CodePathOutsideSandbox},
	{ErrCommandNotAllowed, CodeCommandNotAllowed},
	{ErrSSRFBlocked, CodeSSRFBlocked},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrGatewayAuthFailed, CodeGatewayAuth},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrRPCMethodNotFound, CodeRPCMethodNotFound},
	{ErrRPCInvalidPayload, CodeRPCInvalidPayload},
	{ErrRateLimit, CodeRateLimit},
	{ErrContextOverflow, CodeContextOverflow},
}

var categoryCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrTimeout, CodeTimeout},
	{ErrLimitReached, CodeLimitReached},
	{ErrPermissionDenied, CodePermissionDenied},
	{ErrDisabled, CodeDisabled},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrProviderError, CodeProviderError},
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"store": CodeStoreNotFound,
	},
	ErrDuplicate: {
		"workbench": CodeToolDuplicate,
	},
	ErrTimeout: {
		"wasm":    CodeWASMTimeout,
		"browser": CodeBrowserTimeout,
	},
	ErrInvalidInput: {
		"wasm":   CodeWASMLoad,
		"script": CodeScriptCompile,
	},
	ErrProviderError: {
		"wasm": CodeWASMExec,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Specific sentinels win over DomainError subsystem codes, which win over
// category sentinels. Returns CodeUnknown if nothing matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, c := range specificCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}

	var de *DomainError
	if errors.As(err, &de) && de.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
			if code, ok := subsysMap[de.SubSystem]; ok {
				return code
			}
		}
	}

	for _, c := range categoryCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e)
}
