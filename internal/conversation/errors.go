package conversation

import (
	"errors"
	"fmt"
)

// Kind classifies a turn or store failure so callers can react without
// string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindTruncation
	KindUpstream
	KindTimeout
	KindStorage
)

// String returns the wire name of the kind
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindTruncation:
		return "truncation_error"
	case KindUpstream:
		return "upstream_error"
	case KindTimeout:
		return "timeout"
	case KindStorage:
		return "storage_error"
	default:
		return "unknown"
	}
}

// Sentinels matched with errors.Is against any *Error of the same kind.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrTruncation = &Error{Kind: KindTruncation}
	ErrUpstream   = &Error{Kind: KindUpstream}
	ErrTimeout    = &Error{Kind: KindTimeout}
	ErrStorage    = &Error{Kind: KindStorage}
)

// ErrDetached is returned when acquiring a context that has been removed
// from its store. Callers re-resolve the conversation id.
var ErrDetached = errors.New("conversation detached from store")

// Error is the error type surfaced for every failed operation.
type Error struct {
	Kind           Kind
	Op             string
	ConversationID string
	Err            error
}

// NewError builds an *Error of the given kind
func NewError(kind Kind, op, conversationID string, err error) *Error {
	return &Error{Kind: kind, Op: op, ConversationID: conversationID, Err: err}
}

// Errorf builds an *Error with a formatted cause
func Errorf(kind Kind, op, conversationID, format string, args ...any) *Error {
	return NewError(kind, op, conversationID, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ConversationID != "" {
		msg += " (conversation " + e.ConversationID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind so that errors.Is(err, ErrNotFound) works for any
// not-found error regardless of op or id.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
