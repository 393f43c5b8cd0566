package merr

import (
	"github.com/cockroachdb/errors"
)

// Wire codes carried by the error event and REST error bodies.
const (
	CodeInvalidSession         = "InvalidSession"
	CodeInvalidUsername        = "InvalidUsername"
	CodeUnknownConnection      = "UnknownConnection"
	CodeUnknownSession         = "UnknownSession"
	CodeAlreadyJoined          = "AlreadyJoined"
	CodeNotJoined              = "NotJoined"
	CodeTransportFailure       = "TransportFailure"
	CodePersistenceUnavailable = "PersistenceUnavailable"
	CodeInvalidToken           = "InvalidToken"
	CodeMalformedMessage       = "MalformedMessage"
	CodeInternal               = "Internal"
)

// Leaf errors. Wrap them with the helpers below so callers can still match
// with errors.Is.
var (
	ErrInvalidSession         = newCollabError("invalid session id", CodeInvalidSession)
	ErrInvalidUsername        = newCollabError("invalid username", CodeInvalidUsername)
	ErrUnknownConnection      = newCollabError("unknown connection", CodeUnknownConnection)
	ErrUnknownSession         = newCollabError("unknown session", CodeUnknownSession)
	ErrAlreadyJoined          = newCollabError("connection already joined a session", CodeAlreadyJoined)
	ErrNotJoined              = newCollabError("connection has not joined a session", CodeNotJoined)
	ErrTransportFailure       = newCollabError("transport failure", CodeTransportFailure)
	ErrPersistenceUnavailable = newCollabError("persistence store unavailable", CodePersistenceUnavailable)
	ErrInvalidToken           = newCollabError("invalid or expired token", CodeInvalidToken)
	ErrMalformedMessage       = newCollabError("malformed message", CodeMalformedMessage)
)

var leafErrors = []*collabError{
	ErrInvalidSession, ErrInvalidUsername, ErrUnknownConnection, ErrUnknownSession,
	ErrAlreadyJoined, ErrNotJoined, ErrTransportFailure, ErrPersistenceUnavailable,
	ErrInvalidToken, ErrMalformedMessage,
}

type collabError struct {
	msg  string
	code string
}

func newCollabError(msg, code string) *collabError {
	return &collabError{msg: msg, code: code}
}

func (e *collabError) Error() string {
	return e.msg
}

// Code returns the wire code of err, or CodeInternal when err does not
// originate from one of the leaf errors above.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var ce *collabError
	if errors.As(err, &ce) {
		return ce.code
	}
	for _, leaf := range leafErrors {
		if errors.Is(err, leaf) {
			return leaf.code
		}
	}
	return CodeInternal
}

// IsRetriable reports whether a client may retry the request that produced err.
func IsRetriable(err error) bool {
	return errors.IsAny(err, ErrInvalidSession, ErrInvalidUsername, ErrTransportFailure, ErrNotJoined)
}

func WrapErrInvalidSession(id string) error {
	return errors.Wrapf(ErrInvalidSession, "session=%q", id)
}

func WrapErrUnknownSession(id string) error {
	return errors.Wrapf(ErrUnknownSession, "session=%q", id)
}

func WrapErrUnknownConnection(connID string) error {
	return errors.Wrapf(ErrUnknownConnection, "connection=%s", connID)
}

func WrapErrAlreadyJoined(connID, sessionID string) error {
	return errors.Wrapf(ErrAlreadyJoined, "connection=%s session=%q", connID, sessionID)
}

func WrapErrPersistenceUnavailable(err error, msg string) error {
	return wrapCause(ErrPersistenceUnavailable, err, msg)
}

func WrapErrTransportFailure(err error, connID string) error {
	return wrapCause(ErrTransportFailure, err, "connection="+connID)
}

// WrapErrDialFailure marks a failed attempt to reach target as a transport failure.
func WrapErrDialFailure(err error, target string) error {
	return wrapCause(ErrTransportFailure, err, "dial "+target)
}

func WrapErrMalformedMessage(err error, msg string) error {
	return wrapCause(ErrMalformedMessage, err, msg)
}

// wrapCause keeps leaf on the Unwrap chain so both this package's errors.Is
// and the standard library's match it. cause is folded into the message and
// kept as a secondary error for reports.
func wrapCause(leaf, cause error, msg string) error {
	if cause == nil {
		return errors.Wrap(leaf, msg)
	}
	return errors.WithSecondaryError(errors.Wrapf(leaf, "%s: %v", msg, cause), cause)
}
