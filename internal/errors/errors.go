// Package errors provides unified error handling with structured error codes.
// Codes map onto gRPC status codes so the control service and its clients share one taxonomy.
package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Domain is the ErrorInfo domain attached to gRPC status details.
const Domain = "skillloop"

// Code identifies the class of an AppError.
type Code int

const (
	Unknown Code = iota
	Internal
	InvalidArgument
	NotFound
	Unavailable
	Timeout
	Cancelled
	CaptureInvalidRegion
	CaptureDeviceUnavailable
	TemplateLoadFailed
	ActionFailed
	TickTimeout
	PoolClosed
	PoolSaturated
	ConfigInvalid
	ConfigMissing
	StateConflict
	RateLimited
)

var codeNames = map[Code]string{
	Unknown:                  "UNKNOWN",
	Internal:                 "INTERNAL",
	InvalidArgument:          "INVALID_ARGUMENT",
	NotFound:                 "NOT_FOUND",
	Unavailable:              "UNAVAILABLE",
	Timeout:                  "TIMEOUT",
	Cancelled:                "CANCELLED",
	CaptureInvalidRegion:     "CAPTURE_INVALID_REGION",
	CaptureDeviceUnavailable: "CAPTURE_DEVICE_UNAVAILABLE",
	TemplateLoadFailed:       "TEMPLATE_LOAD_FAILED",
	ActionFailed:             "ACTION_FAILED",
	TickTimeout:              "TICK_TIMEOUT",
	PoolClosed:               "POOL_CLOSED",
	PoolSaturated:            "POOL_SATURATED",
	ConfigInvalid:            "CONFIG_INVALID",
	ConfigMissing:            "CONFIG_MISSING",
	StateConflict:            "STATE_CONFLICT",
	RateLimited:              "RATE_LIMITED",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return codeNames[Unknown]
}

// ParseCode is the inverse of Code.String; unknown names map to Unknown.
func ParseCode(s string) Code {
	for c, name := range codeNames {
		if name == s {
			return c
		}
	}
	return Unknown
}

// grpcCodeMap maps error codes to gRPC status codes.
var grpcCodeMap = map[Code]codes.Code{
	Unknown:                  codes.Unknown,
	Internal:                 codes.Internal,
	InvalidArgument:          codes.InvalidArgument,
	NotFound:                 codes.NotFound,
	Unavailable:              codes.Unavailable,
	Timeout:                  codes.DeadlineExceeded,
	Cancelled:                codes.Canceled,
	CaptureInvalidRegion:     codes.InvalidArgument,
	CaptureDeviceUnavailable: codes.Unavailable,
	TemplateLoadFailed:       codes.FailedPrecondition,
	ActionFailed:             codes.Internal,
	TickTimeout:              codes.DeadlineExceeded,
	PoolClosed:               codes.Unavailable,
	PoolSaturated:            codes.ResourceExhausted,
	ConfigInvalid:            codes.InvalidArgument,
	ConfigMissing:            codes.FailedPrecondition,
	StateConflict:            codes.FailedPrecondition,
	RateLimited:              codes.ResourceExhausted,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code.String(), e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// GRPCCode returns the corresponding gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if c, ok := grpcCodeMap[e.Code]; ok {
		return c
	}
	return codes.Unknown
}

// GRPCStatus returns a gRPC status with an ErrorInfo detail carrying the code and metadata.
func (e *AppError) GRPCStatus() *status.Status {
	st := status.New(e.GRPCCode(), e.Message)
	info := &errdetails.ErrorInfo{Reason: e.Code.String(), Domain: Domain}
	if len(e.Metadata) > 0 {
		info.Metadata = e.Metadata
	}
	if withDetails, err := st.WithDetails(info); err == nil {
		return withDetails
	}
	return st
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// FromGRPCError extracts AppError from a gRPC error if present.
func FromGRPCError(err error) *AppError {
	st, ok := status.FromError(err)
	if !ok {
		return &AppError{Code: Unknown, Message: err.Error(), Cause: err}
	}

	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok && info.GetDomain() == Domain {
			return &AppError{
				Code:     ParseCode(info.GetReason()),
				Message:  st.Message(),
				Metadata: info.GetMetadata(),
			}
		}
	}

	// Fallback: map gRPC code to our error code
	return &AppError{Code: grpcToErrorCode(st.Code()), Message: st.Message()}
}

// grpcToErrorCode maps gRPC codes back to our error codes (best effort).
func grpcToErrorCode(c codes.Code) Code {
	switch c {
	case codes.InvalidArgument:
		return InvalidArgument
	case codes.NotFound:
		return NotFound
	case codes.Unavailable:
		return Unavailable
	case codes.DeadlineExceeded:
		return Timeout
	case codes.Canceled:
		return Cancelled
	case codes.Internal:
		return Internal
	case codes.FailedPrecondition:
		return StateConflict
	case codes.ResourceExhausted:
		return PoolSaturated
	default:
		return Unknown
	}
}

// CodeOf returns the code of the first AppError in err's chain, or Unknown.
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return Unknown
}

// IsCode checks if an error chain carries a specific error code.
func IsCode(err error, code Code) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsRetryable returns true if the error is potentially retryable.
func IsRetryable(err error) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case Unavailable, Timeout, CaptureDeviceUnavailable, PoolSaturated, ConfigInvalid, ConfigMissing:
		return true
	default:
		return false
	}
}
