package client

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"codeground/internal/merr"
)

// Supervise runs s and, whenever its connection drops, dials a new one with
// exponential backoff and rejoins. It returns nil once ctx is done or s is
// closed, and an error when reconnecting gives up after maxElapsed.
func Supervise(ctx context.Context, s *Session, dial DialFunc, maxElapsed time.Duration) error {
	for {
		err := s.Run(ctx)
		if ctx.Err() != nil || s.isClosed() {
			return nil
		}
		s.log.Warn("connection lost", zap.Error(err))
		s.notifier.Notify(Notification{
			Kind:    NotifyReconnecting,
			Code:    merr.Code(err),
			Message: "connection lost, reconnecting",
		})

		var conn Conn
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 250 * time.Millisecond
		bo.MaxElapsedTime = maxElapsed
		op := func() error {
			c, err := dial(ctx)
			if err != nil {
				s.log.Debug("reconnect attempt failed", zap.Error(err))
				return err
			}
			conn = c
			return nil
		}
		if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			_ = s.Close()
			return merr.WrapErrDialFailure(err, "relay after retries")
		}
		if err := s.replaceConn(conn); err != nil {
			return nil
		}
	}
}
