// Package errs defines the typed error kinds surfaced by the engines.
// Errors wrap freely with fmt.Errorf("...: %w", err); the kind of a chain is
// the kind of the outermost *Error in it.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch without string matching.
type Kind string

const (
	// Input.
	InvalidArgument   Kind = "INVALID_ARGUMENT"
	SessionNotFound   Kind = "SESSION_NOT_FOUND"
	UnsupportedFormat Kind = "UNSUPPORTED_FORMAT"

	// Crypto.
	InvalidSignature   Kind = "INVALID_SIGNATURE"
	DecryptFailure     Kind = "DECRYPT_FAILURE"
	UnknownCompression Kind = "UNKNOWN_COMPRESSION"

	// Transport.
	RelayPublishFailed Kind = "RELAY_PUBLISH_FAILED"
	RelayTimeout       Kind = "RELAY_TIMEOUT"

	// Protocol.
	QuoteRejected  Kind = "QUOTE_REJECTED"
	QuoteTimeout   Kind = "QUOTE_TIMEOUT"
	ReplyTimeout   Kind = "REPLY_TIMEOUT"
	BadProof       Kind = "BAD_PROOF"
	AmountMismatch Kind = "AMOUNT_MISMATCH"

	// Payment.
	InsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	PaymentFailed       Kind = "PAYMENT_FAILED"
	InvoiceExpired      Kind = "INVOICE_EXPIRED"

	// Scheduling.
	NoWorkers          Kind = "NO_WORKERS"
	ExpertStartTimeout Kind = "EXPERT_START_TIMEOUT"
	WalletNotFound     Kind = "WALLET_NOT_FOUND"

	// Internal covers faults with no better classification, such as an
	// upstream model call failing mid-session.
	Internal Kind = "INTERNAL"
)

// Error is a failure tagged with a Kind. Err is the wrapped cause, if any.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" when
// the chain carries no typed error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ParseKind maps a wire string back to a Kind. Unknown strings come back
// as-is so foreign error kinds survive a round trip.
func ParseKind(s string) Kind {
	return Kind(s)
}
