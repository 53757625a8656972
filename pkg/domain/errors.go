package domain

import "fmt"

// ErrorKind classifies operation failures. Every failure the engine
// returns belongs to exactly one kind; callers branch on kinds with
// errors.Is against the Err* sentinels below.
type ErrorKind string

// Failure kinds surfaced by ledger operations.
const (
	// KindUnauthorized means the caller lacks the required role.
	KindUnauthorized ErrorKind = "unauthorized"
	// KindNotFound means a referenced batch, listing, or identity does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindInvalidArgument means a zero or out-of-range amount, royalty, or other malformed input.
	KindInvalidArgument ErrorKind = "invalid_argument"
	// KindInsufficientBalance means a transfer, listing, or retirement exceeds the holder's balance.
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	// KindInsufficientSupply means a mint exceeds the batch's remaining available units.
	KindInsufficientSupply ErrorKind = "insufficient_supply"
	// KindNotOpen means an operation targeted a closed or cancelled listing.
	KindNotOpen ErrorKind = "not_open"
)

// Error is the typed failure returned by every ledger operation. It is
// detected before any mutation commits, so a returned Error implies no
// state change.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

// Is matches any *Error with the same kind, so errors.Is(err, ErrNotFound)
// works regardless of operation or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Kind sentinels for errors.Is matching.
var (
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrInsufficientSupply  = &Error{Kind: KindInsufficientSupply}
	ErrNotOpen             = &Error{Kind: KindNotOpen}
)

// Errorf builds a typed error with a formatted message. Op is filled in
// by the service layer via WithOp.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WithOp returns a copy of the error annotated with the operation name.
func (e *Error) WithOp(op string) *Error {
	cp := *e
	cp.Op = op
	return &cp
}
