package expr

import "fmt"

// Kind classifies expression failures.
type Kind string

const (
	KindInvalidFormat       Kind = "invalid_format"
	KindEmptyExpression     Kind = "empty_expression"
	KindTooLong             Kind = "too_long"
	KindDepthExceeded       Kind = "depth_exceeded"
	KindSecurityViolation   Kind = "security_violation"
	KindInvalidSegment      Kind = "invalid_segment"
	KindEvaluationFailed    Kind = "evaluation_failed"
	KindTemplateTooLarge    Kind = "template_too_large"
	KindHelperNotAllowed    Kind = "helper_not_allowed"
	KindMissingClosingBrace Kind = "missing_closing_brace"
)

// Error is returned for every expression failure.
type Error struct {
	Kind       Kind
	Expression string
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e.Expression == "" || e.Kind == KindMissingClosingBrace {
		return e.Message
	}
	return fmt.Sprintf("%s: %s (expression %q)", e.Kind, e.Message, e.Expression)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same Kind, so the Err* sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Expression == "" && t.Message == ""
}

// Sentinels for errors.Is.
var (
	ErrInvalidFormat       = &Error{Kind: KindInvalidFormat}
	ErrEmptyExpression     = &Error{Kind: KindEmptyExpression}
	ErrTooLong             = &Error{Kind: KindTooLong}
	ErrDepthExceeded       = &Error{Kind: KindDepthExceeded}
	ErrSecurityViolation   = &Error{Kind: KindSecurityViolation}
	ErrInvalidSegment      = &Error{Kind: KindInvalidSegment}
	ErrEvaluationFailed    = &Error{Kind: KindEvaluationFailed}
	ErrTemplateTooLarge    = &Error{Kind: KindTemplateTooLarge}
	ErrHelperNotAllowed    = &Error{Kind: KindHelperNotAllowed}
	ErrMissingClosingBrace = &Error{Kind: KindMissingClosingBrace}
)

func newError(kind Kind, expression, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Expression: expression, Message: fmt.Sprintf(format, args...)}
}
