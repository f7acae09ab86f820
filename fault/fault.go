package fault

import "errors"

// Kind classifies a business-rule failure so presentation layers can map it
// to a user-facing message without string matching.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindAuthorization       Kind = "authorization"
	KindStateConflict       Kind = "state_conflict"
	KindInvariantViolation  Kind = "invariant_violation"
	KindBlockedByEscalation Kind = "blocked_by_escalation"
	KindNotFound            Kind = "not_found"
)

// Error is a typed business failure. Domain packages declare package-level
// sentinel instances so callers can match with errors.Is and branch on Kind.
type Error struct {
	kind Kind
	msg  string
}

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Kind() Kind { return e.kind }

// KindOf returns the Kind carried by err or any error it wraps. It returns
// the empty Kind for transport/storage errors, which are never business
// failures and must not be surfaced as such.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return ""
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
