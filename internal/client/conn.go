package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"codeground/internal/merr"
)

const writeWait = 10 * time.Second

// Conn is the transport a Session owns. Send may be called concurrently
// with Receive.
type Conn interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// DialFunc opens a fresh connection to the relay.
type DialFunc func(ctx context.Context) (Conn, error)

// WSConn is a Conn over a gorilla WebSocket.
type WSConn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the relay at rawURL, adding token as a query param when set.
func Dial(ctx context.Context, rawURL, token string) (*WSConn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse relay url %q", rawURL)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, merr.WrapErrDialFailure(err, fmt.Sprintf("%s: status %d", u.Host, resp.StatusCode))
		}
		return nil, merr.WrapErrDialFailure(err, u.Host)
	}
	return &WSConn{ws: ws}, nil
}

// Dialer returns a DialFunc bound to rawURL and token.
func Dialer(rawURL, token string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		return Dial(ctx, rawURL, token)
	}
}

func (c *WSConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *WSConn) Receive() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// Close sends a close frame and closes the socket. Safe to call more than once.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
