// Package errs defines the error taxonomy shared by the vault, the exchange
// adapter, the execution engine and the wallet monitor.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide whether to retry and what to
// tell the user.
type Kind string

const (
	KindAuthFailure        Kind = "auth_failure"
	KindInsufficientMargin Kind = "insufficient_margin"
	KindInvalidSize        Kind = "invalid_size"
	KindRateLimited        Kind = "rate_limited"
	KindNetworkTimeout     Kind = "network_timeout"
	KindDecryptionError    Kind = "decryption_error"
	KindNotFound           Kind = "not_found"
	KindUnknown            Kind = "unknown"
)

// Transient reports whether an operation failing with this kind may succeed
// when repeated unchanged.
func (k Kind) Transient() bool {
	return k == KindRateLimited || k == KindNetworkTimeout
}

// Error is a classified error. Detail carries the raw exchange or storage
// message for diagnosis and must never contain key material.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so that errors.Is(err, errs.RateLimited)
// works against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Detail == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels usable with errors.Is.
var (
	AuthFailure        = &Error{Kind: KindAuthFailure}
	InsufficientMargin = &Error{Kind: KindInsufficientMargin}
	InvalidSize        = &Error{Kind: KindInvalidSize}
	RateLimited        = &Error{Kind: KindRateLimited}
	NetworkTimeout     = &Error{Kind: KindNetworkTimeout}
	DecryptionError    = &Error{Kind: KindDecryptionError}
	NotFound           = &Error{Kind: KindNotFound}
)

// New builds a classified error.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Newf builds a classified error with a formatted detail.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind of err. Context deadlines map to NetworkTimeout;
// anything unclassified is Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkTimeout
	}
	return KindUnknown
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}
