package server

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// maxCommandLength bounds a single command line, mirroring the
// loopback POP3 server's conservative line-length cap.
const maxCommandLength = 512

// Connection wraps an accepted net.Conn with the buffered
// reader/writer, timeout, and TLS-upgrade surface the session layers
// (internal/popserver) drive a connection through.
type Connection struct {
	raw  net.Conn
	cfg  ListenerConfig
	lim  *io.LimitedReader
	rd   *bufio.Reader
	wr   *bufio.Writer
	isTLS  atomic.Bool
	closed atomic.Bool
}

func newConnection(raw net.Conn, cfg ListenerConfig) *Connection {
	c := &Connection{raw: raw, cfg: cfg}
	c.lim = &io.LimitedReader{R: raw, N: maxCommandLength}
	c.rd = bufio.NewReader(c.lim)
	c.wr = bufio.NewWriter(raw)
	if _, ok := raw.(*tls.Conn); ok {
		c.isTLS.Store(true)
	}
	return c
}

// Reader returns the buffered reader commands are parsed from.
func (c *Connection) Reader() *bufio.Reader { return c.rd }

// Writer returns the buffered writer responses are written to.
func (c *Connection) Writer() *bufio.Writer { return c.wr }

// Flush flushes any buffered response bytes to the client.
func (c *Connection) Flush() error {
	return c.wr.Flush()
}

// IsTLS reports whether the connection is currently running over TLS,
// either from accepting on a POP3S listener or a prior STLS upgrade.
func (c *Connection) IsTLS() bool {
	return c.isTLS.Load()
}

// IsClosed reports whether Close has been called on this connection.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// SetCommandTimeout arms the deadline a single command line must be
// read within.
func (c *Connection) SetCommandTimeout() error {
	if c.cfg.CommandTimeout <= 0 {
		return nil
	}
	return c.raw.SetReadDeadline(time.Now().Add(c.cfg.CommandTimeout))
}

// ResetIdleTimeout re-arms the deadline for the next command after a
// successful read, using the looser idle timeout rather than the
// per-command one.
func (c *Connection) ResetIdleTimeout() error {
	c.lim.N = maxCommandLength
	if c.cfg.IdleTimeout <= 0 {
		return nil
	}
	return c.raw.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
}

// UpgradeToTLS performs a server-side TLS handshake on the existing
// connection in place, used after a successful STLS command.
func (c *Connection) UpgradeToTLS(cfg *tls.Config) error {
	if c.isTLS.Load() {
		return ErrAlreadyTLS
	}
	tlsConn := tls.Server(c.raw, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	c.raw = tlsConn
	c.lim = &io.LimitedReader{R: tlsConn, N: maxCommandLength}
	c.rd = bufio.NewReader(c.lim)
	c.wr = bufio.NewWriter(tlsConn)
	c.isTLS.Store(true)
	return nil
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.raw.Close()
}

// RemoteAddr returns the client's network address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}
