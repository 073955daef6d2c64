package domain

import (
	"errors"
	"fmt"
)

// Missing-reference errors. These fail an operation before any mutation.
var (
	ErrConversationNotFound = fmt.Errorf("conversation not found")
	ErrMessageNotFound      = fmt.Errorf("message not found")
	ErrMissingModel         = fmt.Errorf("conversation has no model")
	ErrServiceNotFound      = fmt.Errorf("model service not found")
	ErrCapabilityMissing    = fmt.Errorf("service lacks required capability")
)

// Generation cycle errors.
var (
	ErrGenerationInProgress = fmt.Errorf("generation already in progress")
	ErrInvalidTransition    = fmt.Errorf("invalid state transition")
	ErrNoAssistantTurn      = fmt.Errorf("no completed assistant turn")
	ErrToolLoopExceeded     = fmt.Errorf("tool loop exceeded")
	ErrInvalidMessage       = fmt.Errorf("invalid message")
	ErrEmptyResponse        = fmt.Errorf("empty response")
	ErrDecode               = fmt.Errorf("decode failed")
)

// Tool errors.
var (
	ErrToolNotFound = fmt.Errorf("tool not found")
	ErrToolFailure  = fmt.Errorf("tool execution failed")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrPathEscape   = fmt.Errorf("path is outside search root")
)

// Transport / provider errors.
var (
	ErrProviderError   = fmt.Errorf("provider error")
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrTimeout         = fmt.Errorf("operation timed out")
)

// Infrastructure errors.
var (
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")
	ErrDecryption        = fmt.Errorf("decryption failed")
	ErrStore             = fmt.Errorf("store operation failed")
	ErrMemoryStore       = fmt.Errorf("memory store failed")
	ErrMemoryUnavailable = fmt.Errorf("memory provider unavailable")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Orchestrator.GenerateStream")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
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
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrProviderError)
}

// ErrorCode is a machine-parseable error category for monitoring and logs.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeConversationNotFound ErrorCode = "CONVERSATION_NOT_FOUND"
	CodeMessageNotFound      ErrorCode = "MESSAGE_NOT_FOUND"
	CodeMissingModel         ErrorCode = "MISSING_MODEL"
	CodeServiceNotFound      ErrorCode = "SERVICE_NOT_FOUND"
	CodeCapabilityMissing    ErrorCode = "CAPABILITY_MISSING"
	CodeGenerationInProgress ErrorCode = "GENERATION_IN_PROGRESS"
	CodeInvalidTransition    ErrorCode = "INVALID_TRANSITION"
	CodeNoAssistantTurn      ErrorCode = "NO_ASSISTANT_TURN"
	CodeToolLoopExceeded     ErrorCode = "TOOL_LOOP_EXCEEDED"
	CodeInvalidMessage       ErrorCode = "INVALID_MESSAGE"
	CodeEmptyResponse        ErrorCode = "EMPTY_RESPONSE"
	CodeDecode               ErrorCode = "DECODE"
	CodeToolNotFound         ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure          ErrorCode = "TOOL_FAILURE"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodePathEscape           ErrorCode = "PATH_ESCAPE"
	CodeProviderError        ErrorCode = "PROVIDER_ERROR"
	CodeContextOverflow      ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit            ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid          ErrorCode = "AUTH_INVALID"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeDecryption           ErrorCode = "DECRYPTION"
	CodeStore                ErrorCode = "STORE"
	CodeMemoryStore          ErrorCode = "MEMORY_STORE"
	CodeMemoryUnavailable    ErrorCode = "MEMORY_UNAVAILABLE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrConversationNotFound: CodeConversationNotFound,
	ErrMessageNotFound:      CodeMessageNotFound,
	ErrMissingModel:         CodeMissingModel,
	ErrServiceNotFound:      CodeServiceNotFound,
	ErrCapabilityMissing:    CodeCapabilityMissing,
	ErrGenerationInProgress: CodeGenerationInProgress,
	ErrInvalidTransition:    CodeInvalidTransition,
	ErrNoAssistantTurn:      CodeNoAssistantTurn,
	ErrToolLoopExceeded:     CodeToolLoopExceeded,
	ErrInvalidMessage:       CodeInvalidMessage,
	ErrEmptyResponse:        CodeEmptyResponse,
	ErrDecode:               CodeDecode,
	ErrToolNotFound:         CodeToolNotFound,
	ErrToolFailure:          CodeToolFailure,
	ErrInvalidInput:         CodeInvalidInput,
	ErrPathEscape:           CodePathEscape,
	ErrProviderError:        CodeProviderError,
	ErrContextOverflow:      CodeContextOverflow,
	ErrRateLimit:            CodeRateLimit,
	ErrAuthInvalid:          CodeAuthInvalid,
	ErrTimeout:              CodeTimeout,
	ErrConfigLoad:           CodeConfigLoad,
	ErrDecryption:           CodeDecryption,
	ErrStore:                CodeStore,
	ErrMemoryStore:          CodeMemoryStore,
	ErrMemoryUnavailable:    CodeMemoryUnavailable,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
