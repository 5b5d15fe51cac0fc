package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies a request failure.
type Kind uint8

const (
	KindInternal Kind = iota
	KindInvalidIdentifierInput
	KindNameNotFound
	KindNameResolutionFailed
	KindContentFetchFailed
	KindModuleParseFailed
	KindStartFunctionNotSupported
	KindUnresolvedImport
	KindImportTypeMismatch
	KindMissingMemoryExport
	KindMissingOrMalformedEntryPoint
	KindInstantiationFailed
	KindOutOfBoundsMemoryAccess
	KindInvalidUTF8InGuestData
	KindInvalidResponseStatus
	KindInvalidResponseHeader
	KindResponseTooLarge
	KindUnsupportedFunction
	KindGuestExecutionFailed
	KindGuestExecutionTimedOut
	KindResponseStatusUnset
	KindUnsupportedMethod
	KindExecutorSaturated
	KindRequestTooLarge
)

var kindNames = [...]string{
	KindInternal:                     "internal",
	KindInvalidIdentifierInput:       "invalid_identifier_input",
	KindNameNotFound:                 "name_not_found",
	KindNameResolutionFailed:         "name_resolution_failed",
	KindContentFetchFailed:           "content_fetch_failed",
	KindModuleParseFailed:            "module_parse_failed",
	KindStartFunctionNotSupported:    "start_function_not_supported",
	KindUnresolvedImport:             "unresolved_import",
	KindImportTypeMismatch:           "import_type_mismatch",
	KindMissingMemoryExport:          "missing_memory_export",
	KindMissingOrMalformedEntryPoint: "missing_or_malformed_entry_point",
	KindInstantiationFailed:          "instantiation_failed",
	KindOutOfBoundsMemoryAccess:      "out_of_bounds_memory_access",
	KindInvalidUTF8InGuestData:       "invalid_utf8_in_guest_data",
	KindInvalidResponseStatus:        "invalid_response_status",
	KindInvalidResponseHeader:        "invalid_response_header",
	KindResponseTooLarge:             "response_too_large",
	KindUnsupportedFunction:          "unsupported_function",
	KindGuestExecutionFailed:         "guest_execution_failed",
	KindGuestExecutionTimedOut:       "guest_execution_timed_out",
	KindResponseStatusUnset:          "response_status_unset",
	KindUnsupportedMethod:            "unsupported_method",
	KindExecutorSaturated:            "executor_saturated",
	KindRequestTooLarge:              "request_too_large",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Trap reports whether the kind aborts a running guest.
func (k Kind) Trap() bool {
	switch k {
	case KindOutOfBoundsMemoryAccess, KindInvalidUTF8InGuestData,
		KindInvalidResponseStatus, KindInvalidResponseHeader,
		KindResponseTooLarge, KindUnsupportedFunction:
		return true
	}
	return false
}

// Stage is the pipeline step a failure happened in.
type Stage uint8

const (
	StageUnknown Stage = iota
	StageResolvingName
	StageFetchingContent
	StageLoading
	StageExecuting
	StageResponding
)

func (s Stage) String() string {
	switch s {
	case StageResolvingName:
		return "resolving_name"
	case StageFetchingContent:
		return "fetching_content"
	case StageLoading:
		return "loading"
	case StageExecuting:
		return "executing"
	case StageResponding:
		return "responding"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Name carries the offending import or
// header name when one applies.
type Error struct {
	Kind    Kind
	Stage   Stage
	Name    string
	Timeout bool
	Err     error
}

// E builds an Error of the given kind around err.
func E(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds an Error of the given kind with a formatted cause.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Name != "" {
		msg += " " + e.Name
	}
	if e.Timeout {
		msg += " (timeout)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so a bare &Error{Kind: k}
// works as a target for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Name == "" || t.Name == e.Name)
}

// WithStage returns a copy of e tagged with stage, unless it already has one.
func (e *Error) WithStage(stage Stage) *Error {
	if e.Stage != StageUnknown {
		return e
	}
	cp := *e
	cp.Stage = stage
	return &cp
}

// Status maps the failure to an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindNameNotFound:
		return http.StatusNotFound
	case KindNameResolutionFailed, KindInvalidIdentifierInput, KindContentFetchFailed:
		if e.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case KindUnsupportedMethod:
		return http.StatusMethodNotAllowed
	case KindExecutorSaturated:
		return http.StatusServiceUnavailable
	case KindRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Response returns the generic client-facing error for e.
func (e *Error) Response() *GatewayError {
	switch e.Status() {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadGateway:
		return ErrBadGateway
	case http.StatusGatewayTimeout:
		return ErrGatewayTimeout
	case http.StatusMethodNotAllowed:
		return ErrMethodNotAllowed
	case http.StatusServiceUnavailable:
		return ErrServiceUnavailable
	case http.StatusRequestEntityTooLarge:
		return ErrRequestEntityTooLarge
	default:
		return ErrInternalServer
	}
}

// As extracts the *Error in err's chain. Unclassified errors come back as
// KindInternal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Err: err}
}

// KindOf returns the kind of err, or KindInternal when unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	return As(err).Kind
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
