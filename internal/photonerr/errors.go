// Package photonerr defines the coordinator error taxonomy. Every failure
// surfaced across a component boundary is a *Error with a Kind; transports
// map kinds to wire responses without inspecting messages.
package photonerr

import (
	"errors"
	"fmt"
)

// Kind classifies a coordinator failure.
type Kind string

const (
	// Validation kinds. State is unchanged.
	KindShape          Kind = "shape"
	KindRange          Kind = "range"
	KindStaleNonce     Kind = "stale_nonce"
	KindStaleTimestamp Kind = "stale_timestamp"
	KindBadSignature   Kind = "bad_signature"
	KindNotParticipant Kind = "not_participant"
	KindWrongStatus    Kind = "wrong_status"

	// Semantic kinds. State is unchanged.
	KindQuoteNotFound       Kind = "quote_not_found"
	KindQuoteExpired        Kind = "quote_expired"
	KindAlreadyFilled       Kind = "already_filled"
	KindInsufficientBalance Kind = "insufficient_balance"

	// Open-time kinds.
	KindInvalidParticipant Kind = "invalid_participant"
	KindInvalidDeposit     Kind = "invalid_deposit"
	KindTimeoutTooShort    Kind = "timeout_too_short"

	// Resource kinds. Transient; caller may retry.
	KindLockUnavailable Kind = "lock_unavailable"
	KindOverloaded      Kind = "overloaded"
	KindTimeout         Kind = "timeout"

	// Lookup and invariant kinds.
	KindNotFound           Kind = "not_found"
	KindInvariantViolation Kind = "invariant_violation"

	// Store kinds. Retried internally; exhaustion escalates the channel
	// to disputed.
	KindStore Kind = "store"

	// Fatal kinds. Abort the affected channel, never the coordinator.
	KindFatal Kind = "fatal"
)

// Error is the structured failure carried across component boundaries.
// ChannelID and Nonce are included when known so user-visible failures
// always identify the channel and the failing nonce.
type Error struct {
	Kind      Kind
	ChannelID string
	Nonce     uint64
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.ChannelID != "" {
		s += " channel=" + e.ChannelID
	}
	if e.Nonce != 0 {
		s += fmt.Sprintf(" nonce=%d", e.Nonce)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with a kind and a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// WithChannel returns a copy of the error annotated with channel context.
func (e *Error) WithChannel(channelID string, nonce uint64) *Error {
	dup := *e
	dup.ChannelID = channelID
	dup.Nonce = nonce
	return &dup
}

// KindOf extracts the Kind from any error, defaulting to KindFatal for
// untyped errors so nothing escapes the taxonomy unnoticed.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindFatal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the failure is transient from the caller's
// point of view.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindLockUnavailable, KindOverloaded, KindTimeout, KindStore:
		return true
	}
	return false
}
