package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the session layer. Each one maps to a wire error code
// returned in request acknowledgments.
var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrForbiddenNotMember     = errors.New("caller is not a member of this conversation")
	ErrForbiddenNotSender     = errors.New("only the original sender may do this")
	ErrNotFound               = errors.New("resource not found")
	ErrCallNotFound           = fmt.Errorf("call not found: %w", ErrNotFound)
	ErrEditWindowExpired      = errors.New("edit window expired")
	ErrValidationFailed       = errors.New("validation failed")
	ErrDependencyUnavailable  = errors.New("dependency unavailable")
	ErrRateLimited            = errors.New("too many events")
)

// Wire error codes.
const (
	CodeAuthenticationRequired = "AuthenticationRequired"
	CodeForbiddenNotMember     = "ForbiddenNotMember"
	CodeForbiddenNotSender     = "ForbiddenNotSender"
	CodeNotFound               = "NotFound"
	CodeCallNotFound           = "CallNotFound"
	CodeEditWindowExpired      = "EditWindowExpired"
	CodeValidationFailed       = "ValidationFailed"
	CodeDependencyUnavailable  = "DependencyUnavailable"
	CodeRateLimited            = "RateLimited"
)

// order matters: Unavailable errors may wrap another sentinel from the
// collaborator and must win; ErrCallNotFound wraps ErrNotFound.
var codes = []struct {
	err  error
	code string
}{
	{ErrDependencyUnavailable, CodeDependencyUnavailable},
	{ErrAuthenticationRequired, CodeAuthenticationRequired},
	{ErrForbiddenNotMember, CodeForbiddenNotMember},
	{ErrForbiddenNotSender, CodeForbiddenNotSender},
	{ErrCallNotFound, CodeCallNotFound},
	{ErrNotFound, CodeNotFound},
	{ErrEditWindowExpired, CodeEditWindowExpired},
	{ErrValidationFailed, CodeValidationFailed},
	{ErrRateLimited, CodeRateLimited},
}

// CodeOf returns the wire code for err. Errors outside the taxonomy are
// reported as DependencyUnavailable so internals never reach the client.
func CodeOf(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeDependencyUnavailable
}

// MessageOf returns a client-safe description of err.
func MessageOf(err error) string {
	if errors.Is(err, ErrDependencyUnavailable) {
		return ErrDependencyUnavailable.Error()
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return err.Error()
		}
	}
	return ErrDependencyUnavailable.Error()
}

// Invalid returns a ValidationFailed error with detail.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidationFailed, fmt.Sprintf(format, args...))
}

// Unavailable marks a failed collaborator write so the client can retry.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDependencyUnavailable, op, err)
}

// DegradedError reports that an optional dependency (cache, broker) failed.
// The operation that hit it continues with reduced functionality.
type DegradedError struct {
	Dependency string
	Err        error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("%s degraded: %v", e.Dependency, e.Err)
}

func (e *DegradedError) Unwrap() error { return e.Err }

// Degraded wraps err as a non-fatal optional dependency failure. A nil err
// stays nil.
func Degraded(dependency string, err error) error {
	if err == nil {
		return nil
	}
	return &DegradedError{Dependency: dependency, Err: err}
}

// IsDegraded reports whether err means "continue without the dependency".
func IsDegraded(err error) bool {
	var d *DegradedError
	return errors.As(err, &d)
}
