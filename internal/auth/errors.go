package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("auth: not found")
	ErrInvalidInput   = errors.New("auth: invalid input")
	ErrUnauthorized   = errors.New("auth: unauthorized")
	ErrForbidden      = errors.New("auth: forbidden")
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrTokenExpired   = fmt.Errorf("%w: expired", ErrInvalidToken)
	ErrTokenRevoked   = fmt.Errorf("%w: revoked", ErrInvalidToken)
	ErrWrongTokenKind = fmt.Errorf("%w: wrong token kind", ErrInvalidToken)

	// ErrAmbiguousIdentifier is returned when a login identifier matches more than one staff member.
	// Uniqueness is per field, so one member's username may equal another's email in the same company.
	ErrAmbiguousIdentifier = fmt.Errorf("%w: identifier matches more than one staff member", ErrInvalidInput)
)

// ErrorKind classifies token failures so callers can branch on a value.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindInvalid
	KindExpired
	KindRevoked
	KindWrongKind
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInvalid:
		return "invalid"
	case KindExpired:
		return "expired"
	case KindRevoked:
		return "revoked"
	case KindWrongKind:
		return "wrong_kind"
	default:
		return "unavailable"
	}
}

// Terminal reports whether the credential can never become valid again.
// KindUnavailable is transient: the check itself failed.
func (k ErrorKind) Terminal() bool {
	return k != KindNone && k != KindUnavailable
}

// Kind maps err to an ErrorKind. nil maps to KindNone; errors that are not
// credential failures map to KindUnavailable.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTokenExpired):
		return KindExpired
	case errors.Is(err, ErrTokenRevoked):
		return KindRevoked
	case errors.Is(err, ErrWrongTokenKind):
		return KindWrongKind
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrUnauthorized):
		return KindInvalid
	default:
		return KindUnavailable
	}
}
