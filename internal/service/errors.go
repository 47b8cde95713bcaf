package service

import (
	"context"
	"errors"
	"fmt"

	"faceauth-service/internal/biometric"
	"faceauth-service/internal/credential"
	"faceauth-service/internal/directory"
	"faceauth-service/internal/idcard"
	sessionstore "faceauth-service/internal/repository/redis"
	"faceauth-service/internal/repository/scylla"
)

// Kind is the internal failure taxonomy. Only the service layer produces it;
// Classify turns it into what callers see.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindNotFound
	KindGone
	KindUnauthorizedLiveness
	KindMismatchRegistration
	KindMismatchCard
	KindAccountDisabled
	KindInvalidCredentials
	KindUnauthorized
	KindTooManyRequests
	KindConflict
	KindTimeout
	KindTransport
	KindStoreUnavailable
)

var kindNames = map[Kind]string{
	KindInternal:             "INTERNAL",
	KindBadRequest:           "BAD_REQUEST",
	KindNotFound:             "NOT_FOUND",
	KindGone:                 "GONE",
	KindUnauthorizedLiveness: "UNAUTHORIZED_LIVENESS",
	KindMismatchRegistration: "MISMATCH_REGISTRATION",
	KindMismatchCard:         "MISMATCH_CARD",
	KindAccountDisabled:      "ACCOUNT_DISABLED",
	KindInvalidCredentials:   "INVALID_CREDENTIALS",
	KindUnauthorized:         "UNAUTHORIZED",
	KindTooManyRequests:      "TOO_MANY_REQUESTS",
	KindConflict:             "CONFLICT",
	KindTimeout:              "TIMEOUT",
	KindTransport:            "TRANSPORT",
	KindStoreUnavailable:     "STORE_UNAVAILABLE",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Technical kinds collapse to the generic public outcome.
func (k Kind) Technical() bool {
	switch k {
	case KindInternal, KindTimeout, KindTransport, KindStoreUnavailable, KindUnauthorizedLiveness:
		return true
	}
	return false
}

// ErrBudgetExhausted is returned instead of starting a call the request no
// longer has time for.
var ErrBudgetExhausted = errors.New("request deadline budget exhausted")

// Error carries a Kind together with the operation and cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an *Error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or
// KindInternal.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// mapErr folds adapter errors into the service taxonomy. Errors that already
// carry a Kind pass through.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return E(kindFor(err), op, err)
}

func kindFor(err error) Kind {
	switch {
	case errors.Is(err, ErrBudgetExhausted),
		errors.Is(err, biometric.ErrTimeout),
		errors.Is(err, directory.ErrTimeout),
		errors.Is(err, idcard.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, biometric.ErrTransport),
		errors.Is(err, directory.ErrTransport),
		errors.Is(err, idcard.ErrTransport):
		return KindTransport
	case errors.Is(err, biometric.ErrNoFace):
		return KindUnauthorizedLiveness
	case errors.Is(err, sessionstore.ErrSessionNotFound):
		return KindNotFound
	case errors.Is(err, sessionstore.ErrSessionExpired):
		return KindGone
	case errors.Is(err, sessionstore.ErrStoreUnavailable),
		errors.Is(err, scylla.ErrRegistryUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, scylla.ErrConcurrentUpdate):
		return KindConflict
	case errors.Is(err, directory.ErrNotFound),
		errors.Is(err, scylla.ErrNotEnrolled),
		errors.Is(err, scylla.ErrTemplateSuspended):
		return KindMismatchRegistration
	case errors.Is(err, directory.ErrAccountDisabled):
		return KindAccountDisabled
	case errors.Is(err, directory.ErrInvalidCredentials):
		return KindInvalidCredentials
	case errors.Is(err, idcard.ErrFormatMismatch):
		return KindMismatchCard
	case errors.Is(err, credential.ErrInvalidToken):
		return KindUnauthorized
	}
	return KindInternal
}
