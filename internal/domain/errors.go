package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a fault so callers can switch on it without string
// matching. The set mirrors what the HTTP layer surfaces to tenants.
type Kind string

const (
	KindInvalidSender     Kind = "invalid_sender"
	KindInvalidRecipients Kind = "invalid_recipients"
	KindNoRecipients      Kind = "no_recipients"
	KindInvalidReplyTo    Kind = "invalid_reply_to"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindQueueFailed       Kind = "queue_failed"
	KindCrossTenant       Kind = "cross_tenant"
	KindNotFound          Kind = "not_found"
	KindInternal          Kind = "internal"
)

// Fault is a tagged error. Quota violations and validation failures travel
// as values, not panics; repositories wrap their errors as KindInternal so
// driver details never leak to callers.
type Fault struct {
	Kind Kind
	Msg  string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Msg, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault creates a fault with the given kind and message.
func NewFault(kind Kind, msg string) *Fault {
	return &Fault{Kind: kind, Msg: msg}
}

// Faultf creates a fault with a formatted message.
func Faultf(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapFault wraps an underlying error with a kind and message.
func WrapFault(kind Kind, msg string, err error) *Fault {
	return &Fault{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain. Errors that are not faults
// are reported as KindInternal.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
