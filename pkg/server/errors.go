package server

import "errors"

// ErrorKind classifies why a connection terminated, so the log-level
// policy of spec.md's error taxonomy (§7) can be applied without string
// matching.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidRevision
	KindDocumentTooLarge
	KindOTFailure
	KindDecodeError
	KindTransportError
	KindSubscriberLag
)

// classifiedError is implemented by every error Handle can return that
// carries a known taxonomy kind.
type classifiedError interface {
	error
	Kind() ErrorKind
}

// classify returns err's taxonomy kind, or KindUnknown if none of err's
// wrapped causes implement classifiedError.
func classify(err error) ErrorKind {
	var ce classifiedError
	if errors.As(err, &ce) {
		return ce.Kind()
	}
	return KindUnknown
}

// sessionError wraps a cause with an explicit taxonomy kind, for causes
// that aren't already their own named error type (decode, transport, lag).
type sessionError struct {
	kind ErrorKind
	err  error
}

func newSessionError(kind ErrorKind, err error) *sessionError {
	return &sessionError{kind: kind, err: err}
}

func (e *sessionError) Error() string   { return e.err.Error() }
func (e *sessionError) Unwrap() error   { return e.err }
func (e *sessionError) Kind() ErrorKind { return e.kind }

// ErrOTFailure wraps an internal Transform/Apply failure. This should never
// happen against a well-formed, in-range edit, so it is treated the same as
// a rejected edit: terminate the connection, log at warn.
type ErrOTFailure struct {
	Err error
}

func (e *ErrOTFailure) Error() string   { return "ot failure: " + e.Err.Error() }
func (e *ErrOTFailure) Unwrap() error   { return e.Err }
func (e *ErrOTFailure) Kind() ErrorKind { return KindOTFailure }
