package wire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"
)

// Conn exchanges envelopes over a stream connection. Send and Receive
// may be used from different goroutines.
type Conn struct {
	nc    net.Conn
	r     *bufio.Reader
	limit int

	wmu sync.Mutex
}

// NewConn wraps nc. limit bounds frame size; <= 0 uses the default.
func NewConn(nc net.Conn, limit int) *Conn {
	if limit <= 0 {
		limit = DefaultMaxFrameSize
	}
	return &Conn{nc: nc, r: bufio.NewReaderSize(nc, 64<<10), limit: limit}
}

// Dial connects to addr, retrying until ctx ends or timeout elapses.
func Dial(ctx context.Context, addr string, timeout time.Duration, limit int) (*Conn, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	backoff := 50 * time.Millisecond
	for {
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return NewConn(nc, limit), nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

// Limit returns the frame size limit.
func (c *Conn) Limit() int { return c.limit }

// Send writes one envelope.
func (c *Conn) Send(env *Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.nc, env, c.limit)
}

// Receive reads one envelope.
func (c *Conn) Receive() (*Envelope, error) {
	return ReadFrame(c.r, c.limit)
}

// Call sends req and waits for the reply. A KindError reply is returned
// as an error.
func (c *Conn) Call(req *Envelope) (*Envelope, error) {
	if err := c.Send(req); err != nil {
		return nil, err
	}
	resp, err := c.Receive()
	if err != nil {
		return nil, err
	}
	if resp.Kind == KindError {
		var p ErrorPayload
		if err := resp.Decode(&p); err != nil {
			return nil, err
		}
		return nil, &RemoteError{Message: p.Message}
	}
	return resp, nil
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Close closes the connection.
func (c *Conn) Close() error { return c.nc.Close() }

// RemoteError is an error reported by the peer.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "remote: " + e.Message }

// IsClosed reports whether err means the peer or this side closed the
// connection.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
