package merr

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
)

type ErrSuite struct {
	suite.Suite
}

func TestErrors(t *testing.T) {
	suite.Run(t, new(ErrSuite))
}

func (s *ErrSuite) TestCode() {
	err := WrapErrInvalidSession("  ")
	s.ErrorIs(err, ErrInvalidSession)
	s.Equal(CodeInvalidSession, Code(err))

	wrapped := errors.Wrap(WrapErrUnknownSession("abc"), "dispatch codeChange")
	s.ErrorIs(wrapped, ErrUnknownSession)
	s.Equal(CodeUnknownSession, Code(wrapped))

	s.Equal("", Code(nil))
	s.Equal(CodeInternal, Code(context.Canceled))
}

func (s *ErrSuite) TestMarkedErrors() {
	cause := errors.New("dial tcp: connection refused")
	err := WrapErrPersistenceUnavailable(cause, "ping mongo")
	s.ErrorIs(err, ErrPersistenceUnavailable)
	s.Equal(CodePersistenceUnavailable, Code(err))
	s.Contains(err.Error(), "connection refused")

	err = WrapErrTransportFailure(cause, "c-1")
	s.ErrorIs(err, ErrTransportFailure)
	s.Equal(CodeTransportFailure, Code(err))

	err = WrapErrMalformedMessage(cause, "decode envelope")
	s.ErrorIs(err, ErrMalformedMessage)
	s.Equal(CodeMalformedMessage, Code(err))
}

func (s *ErrSuite) TestWrappedCause_VisibleToBothMatchers() {
	// Given a cause wrapped as a persistence failure and wrapped again by a caller
	cause := errors.New("i/o timeout")
	err := errors.Wrap(WrapErrPersistenceUnavailable(cause, "ping redis"), "start relay")

	// Then the standard library and cockroachdb both find the leaf
	s.True(stderrors.Is(err, ErrPersistenceUnavailable))
	s.True(errors.Is(err, ErrPersistenceUnavailable))
	s.False(stderrors.Is(err, ErrTransportFailure))

	// And the cause stays in the message
	s.Contains(err.Error(), "i/o timeout")
	s.Contains(err.Error(), "persistence store unavailable")

	// A dial failure is a transport failure
	s.True(stderrors.Is(WrapErrDialFailure(cause, "localhost:8080"), ErrTransportFailure))
}

func (s *ErrSuite) TestIsRetriable() {
	s.True(IsRetriable(WrapErrInvalidSession("")))
	s.False(IsRetriable(WrapErrAlreadyJoined("c-1", "abc")))
	s.False(IsRetriable(WrapErrPersistenceUnavailable(errors.New("x"), "connect")))
}
