package msmq

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/zmap/zmsmq"
)

// Transport carries one probe message to the target and reads its reply.
// A Transport is connected, used and closed once per phase.
type Transport interface {
	Connect(ctx context.Context) error
	Send(msg []byte) error
	// Receive returns at most maxBytes bytes. Data returned together with a
	// timeout or EOF is a response; an empty read with a timeout or EOF is no
	// response.
	Receive(maxBytes int, timeout time.Duration) ([]byte, error)
	Close() error
}

// moreDataTimeout bounds the wait for the rest of a reply once its first
// bytes have arrived.
const moreDataTimeout = 100 * time.Millisecond

// tcpTransport dials the target with the framework dialer, so the blocklist,
// the per-IP rate limit and the connect timeout apply.
type tcpTransport struct {
	target *zmsmq.ScanTarget
	flags  *zmsmq.BaseFlags
	conn   net.Conn
}

// NewTCPTransport returns a Transport to target, using the port and timeouts
// in flags.
func NewTCPTransport(target *zmsmq.ScanTarget, flags *zmsmq.BaseFlags) Transport {
	return &tcpTransport{target: target, flags: flags}
}

func (t *tcpTransport) Connect(ctx context.Context) error {
	if t.conn != nil {
		return errors.New("already connected")
	}
	conn, err := t.target.Open(ctx, t.flags)
	if err != nil {
		return errors.Wrap(err, "error opening connection")
	}
	t.conn = conn
	return nil
}

func (t *tcpTransport) Send(msg []byte) error {
	if t.conn == nil {
		return errors.New("not connected")
	}
	if _, err := t.conn.Write(msg); err != nil {
		return errors.Wrap(err, "error sending message")
	}
	return nil
}

func (t *tcpTransport) Receive(maxBytes int, timeout time.Duration) ([]byte, error) {
	if t.conn == nil {
		return nil, errors.New("not connected")
	}
	if timeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, errors.Wrap(err, "error setting read deadline")
		}
	}
	data, err := zmsmq.ReadAvailableWithOptions(t.conn, maxBytes, moreDataTimeout, timeout, maxBytes)
	if err != nil {
		return data, errors.Wrap(err, "error reading response")
	}
	return data, nil
}

// Close closes the connection, if any. The transport can be connected again
// afterwards.
func (t *tcpTransport) Close() error {
	zmsmq.CloseConnAndHandleError(t.conn)
	t.conn = nil
	return nil
}
