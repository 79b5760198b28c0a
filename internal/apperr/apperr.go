// Package apperr provides a structured error type with wrapping and
// metadata, shared by every component so the gateway can map any failure to
// a wire status without components knowing about HTTP.
package apperr

import (
	stderrs "errors"
	"fmt"
	"net/http"
)

// Kind defines the error taxonomy from the error handling design. Values are
// stable for wire compatibility; add sparingly.
type Kind uint16

const (
	// KindUnknown is for unclassified errors.
	KindUnknown Kind = iota

	// KindBadCredentials is for a session login or migration auth refusal.
	KindBadCredentials

	// KindForbidden is for a token lacking scope or role.
	KindForbidden

	// KindNotFound is for a missing resource.
	KindNotFound

	// KindConflict is for a natural-key collision during create. The bulk
	// engine treats this as skipped-existing when resuming a plan.
	KindConflict

	// KindValidation is for request shape or semantic validation failure.
	KindValidation

	// KindRateLimited is surfaced only after internal retries are exhausted.
	KindRateLimited

	// KindUpstreamUnavailable is an upstream 5xx that survived all retries.
	KindUpstreamUnavailable

	// KindTimeout is a per-call or per-job deadline expiry.
	KindTimeout

	// KindCancelled is a cooperative cancel that was honored.
	KindCancelled

	// KindToolMissing is the svn or git executable absent from PATH.
	KindToolMissing

	// KindSvnAuth is an SVN authentication rejection.
	KindSvnAuth

	// KindSvnLayout is an SVN layout probe failure (trunk/branches/tags not found).
	KindSvnLayout

	// KindSvnUnavailable is an SVN network/HTTP error during validation.
	KindSvnUnavailable

	// KindMigrationMismatch is a post-push verification disagreement (ref
	// count or HEAD commit id).
	KindMigrationMismatch

	// KindDeadline is a per-job soft deadline expiry.
	KindDeadline

	// KindInternal is for all unclassified failures.
	KindInternal
)

// HTTPStatusCode turns a Kind into the HTTP status the gateway writes.
// 499 (client closed request) is non-standard but matches the convention
// nginx popularized for cooperative cancellation.
func HTTPStatusCode(k Kind) int {
	switch k {
	case KindBadCredentials, KindSvnAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindMigrationMismatch:
		return http.StatusConflict
	case KindValidation, KindSvnLayout:
		return http.StatusUnprocessableEntity
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable, KindSvnUnavailable:
		return http.StatusBadGateway
	case KindTimeout, KindDeadline:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return 499
	case KindToolMissing, KindInternal, KindUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error type carried through every component. msg is
// developer/operator facing; kind is machine facing and drives both HTTP
// status and job-item error reporting.
type Error struct {
	orig  error
	msg   string
	kind  Kind
	field string
	op    string
}

// Wire is the JSON-serializable form returned by the API and embedded in job
// item results.
type Wire struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.orig != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.orig)
	}
	return e.msg
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.orig }

// Kind returns the error kind.
func (e *Error) Kind() Kind { return e.kind }

// Field returns the offending field, if any.
func (e *Error) Field() string { return e.field }

// Op returns the operation label, if set.
func (e *Error) Op() string { return e.op }

// ToWire converts an *Error to a Wire payload.
func (e *Error) ToWire() Wire { return Wire{Kind: e.kind.String(), Message: e.msg, Field: e.field} }

// WireFrom converts any error into a Wire payload with best-effort mapping.
// If err is nil, returns the zero-value Wire (no error).
func WireFrom(err error) Wire {
	if err == nil {
		return Wire{}
	}
	if e, ok := As(err); ok {
		return e.ToWire()
	}
	return Wire{Kind: KindUnknown.String(), Message: err.Error()}
}

// Root returns the deepest wrapped cause.
func Root(err error) error {
	for err != nil {
		u := stderrs.Unwrap(err)
		if u == nil {
			return err
		}
		err = u
	}
	return nil
}

// KindOf extracts a Kind from any error, defaulting to KindUnknown.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.kind
	}
	return KindUnknown
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// HTTPStatus returns the mapped HTTP status for any error.
func HTTPStatus(err error) int { return HTTPStatusCode(KindOf(err)) }

// As unwraps and returns (*Error, true) if err is one of ours.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrs.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Mutators (copy-on-write)

// WithField attaches a field to an *Error. If err isn't *Error, returns err unchanged.
func WithField(err error, field string) error {
	if e, ok := As(err); ok {
		c := *e
		c.field = field
		return &c
	}
	return err
}

// WithOp attaches an operation label to an *Error. If err isn't *Error, returns err unchanged.
func WithOp(err error, op string) error {
	if e, ok := As(err); ok {
		c := *e
		c.op = op
		return &c
	}
	return err
}

// Constructors

// New returns a new *Error with the given kind and message.
func New(kind Kind, msg string) error { return &Error{kind: kind, msg: msg} }

// Newf returns a new *Error with kind and formatted message.
func Newf(kind Kind, format string, a ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, a...)}
}

// Wrap returns a new *Error that wraps orig with kind and message.
func Wrap(orig error, kind Kind, msg string) error {
	return &Error{kind: kind, msg: msg, orig: orig}
}

// Wrapf returns a new *Error that wraps orig with kind and formatted message.
func Wrapf(orig error, kind Kind, format string, a ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, a...), orig: orig}
}

// WrapIf wraps only when err != nil (helper for 1-liners).
func WrapIf(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return Wrap(err, kind, msg)
}

// Sugar

func NotFoundf(format string, a ...any) error { return Newf(KindNotFound, format, a...) }

func ValidationErrf(format string, a ...any) error { return Newf(KindValidation, format, a...) }

func ConflictErrf(format string, a ...any) error { return Newf(KindConflict, format, a...) }

func BadCredentialsf(format string, a ...any) error { return Newf(KindBadCredentials, format, a...) }

func ForbiddenErrf(format string, a ...any) error { return Newf(KindForbidden, format, a...) }

func RateLimitedf(format string, a ...any) error { return Newf(KindRateLimited, format, a...) }

func UpstreamUnavailablef(format string, a ...any) error {
	return Newf(KindUpstreamUnavailable, format, a...)
}

func Timeoutf(format string, a ...any) error { return Newf(KindTimeout, format, a...) }

func Cancelledf(format string, a ...any) error { return Newf(KindCancelled, format, a...) }

func ToolMissingf(format string, a ...any) error { return Newf(KindToolMissing, format, a...) }

func SvnAuthf(format string, a ...any) error { return Newf(KindSvnAuth, format, a...) }

func SvnLayoutf(format string, a ...any) error { return Newf(KindSvnLayout, format, a...) }

func SvnUnavailablef(format string, a ...any) error { return Newf(KindSvnUnavailable, format, a...) }

func Deadlinef(format string, a ...any) error { return Newf(KindDeadline, format, a...) }

func MigrationMismatchf(format string, a ...any) error {
	return Newf(KindMigrationMismatch, format, a...)
}

func Internalf(format string, a ...any) error { return Newf(KindInternal, format, a...) }

// HTTP bundles status + wire in one shot for handlers.
func HTTP(err error) (int, Wire) {
	if err == nil {
		return http.StatusOK, Wire{}
	}
	return HTTPStatus(err), WireFrom(err)
}

// Retryable reports whether the error kind is one the HTTP client or bulk
// engine should retry rather than surface immediately.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamUnavailable, KindRateLimited, KindTimeout, KindSvnUnavailable:
		return true
	default:
		return false
	}
}
