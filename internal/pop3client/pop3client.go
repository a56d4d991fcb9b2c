// Package pop3client implements the upstream-facing POP3 client the
// DITM session drives to fetch mail on the user's behalf (spec.md
// §4.2): connect/login, UIDL enumeration, streaming RETR/body
// delivery, and pass-through DELE/RSET/QUIT.
package pop3client

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/splintermail/ditm/internal/errs"
	"github.com/splintermail/ditm/internal/pop3wire"
)

// maxLineLength bounds a single line read from upstream, modeling the
// fixed receive buffer the original client parses status lines and
// UIDL entries into. A line longer than this is a protocol error, not
// a memory error: callers remap errs.FIXEDSIZE to errs.RESPONSE.
const maxLineLength = 8192

// readChunkSize is the size of raw reads performed while streaming a
// message body through the dot-stuffing decoder.
const readChunkSize = 4096

// Client is an upstream POP3 connection in AUTHORIZATION or
// TRANSACTION state. Zero value is not usable; use New.
type Client struct {
	conn net.Conn
	rd   *bufio.Reader
	wr   *bufio.Writer

	banner string

	uids []string
	idxs []int

	bodyDecoder *pop3wire.Decoder
	pending     []byte
	bodyDone    bool
}

// New wraps an already-open connection (typically returned by Connect,
// but exposed separately for tests that supply a net.Pipe).
func New(conn net.Conn) *Client {
	return &Client{
		conn: conn,
		rd:   bufio.NewReader(conn),
		wr:   bufio.NewWriter(conn),
	}
}

// Connect dials host:port over TLS and consumes the single-line
// banner. statusOK is false only if the upstream itself is healthy but
// rejects the connection with a POP3-level "-ERR" banner; transport
// and certificate failures are returned as errs.CONN/errs.SSL.
func Connect(ctx context.Context, host string, port int) (c *Client, statusOK bool, message string, err error) {
	dialer := &tls.Dialer{}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, derr := dialer.DialContext(ctx, "tcp", addr)
	if derr != nil {
		if _, ok := derr.(*net.OpError); ok {
			return nil, false, "", errs.Wrap(errs.CONN, derr, "connecting to upstream %s", addr)
		}
		return nil, false, "", errs.Wrap(errs.SSL, derr, "TLS handshake with upstream %s", addr)
	}

	c = New(conn)
	ok, msg, err := c.readStatusLine()
	if err != nil {
		conn.Close()
		return nil, false, "", errs.Propagate(err, "reading upstream banner")
	}
	if !ok {
		conn.Close()
		return nil, false, "", errs.New(errs.VALUE, "upstream banner was -ERR: %s", msg)
	}
	c.banner = msg
	return c, true, msg, nil
}

// Banner returns the banner text stored by Connect, so the caller
// (internal/ditm) can parse the embedded DITMv<maj>.<min>.<bld> token.
func (c *Client) Banner() string { return c.banner }

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) readLine() (string, error) {
	line, err := c.rd.ReadString('\n')
	if err != nil {
		return "", errs.Wrap(errs.CONN, err, "reading from upstream")
	}
	if len(line) > maxLineLength {
		return "", errs.New(errs.FIXEDSIZE, "upstream line exceeds receive buffer (%d bytes)", len(line))
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readStatusLine reads one line and classifies it as +OK/-ERR.
func (c *Client) readStatusLine() (ok bool, message string, err error) {
	line, err := c.readLine()
	if err != nil {
		return false, "", err
	}
	switch {
	case strings.HasPrefix(line, "+OK"):
		return true, strings.TrimSpace(strings.TrimPrefix(line, "+OK")), nil
	case strings.HasPrefix(line, "-ERR"):
		return false, strings.TrimSpace(strings.TrimPrefix(line, "-ERR")), nil
	default:
		return false, "", errs.New(errs.VALUE, "malformed upstream response: %q", line)
	}
}

func (c *Client) sendCommand(format string, args ...any) error {
	if _, err := fmt.Fprintf(c.wr, format+"\r\n", args...); err != nil {
		return errs.Wrap(errs.CONN, err, "writing command to upstream")
	}
	if err := c.wr.Flush(); err != nil {
		return errs.Wrap(errs.CONN, err, "flushing command to upstream")
	}
	return nil
}

// Username sends USER u. statusOK=false for a faithful -ERR is not an
// error: a bad username is an expected outcome, not a fault.
func (c *Client) Username(u string) (statusOK bool, message string, err error) {
	if err := c.sendCommand("USER %s", u); err != nil {
		return false, "", err
	}
	return c.readStatusLine()
}

// Password sends PASS p.
func (c *Client) Password(p string) (statusOK bool, message string, err error) {
	if err := c.sendCommand("PASS %s", p); err != nil {
		return false, "", err
	}
	return c.readStatusLine()
}

// UIDL issues UIDL and populates the ordered uid/index pair. Indices
// are the upstream's 1-based message numbers.
func (c *Client) UIDL() error {
	if err := c.sendCommand("UIDL"); err != nil {
		return err
	}
	ok, msg, err := c.readStatusLine()
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.RESPONSE, "UIDL rejected: %s", msg)
	}

	var uids []string
	var idxs []int
	for {
		line, err := c.readLine()
		if err != nil {
			if errs.Is(err, errs.FIXEDSIZE) {
				return errs.Rethrow(err, errs.RESPONSE, "UIDL line too long")
			}
			return err
		}
		if line == "." {
			break
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			return errs.New(errs.RESPONSE, "malformed UIDL line: %q", line)
		}
		idx, perr := strconv.Atoi(fields[0])
		if perr != nil {
			return errs.Wrap(errs.RESPONSE, perr, "malformed UIDL index: %q", fields[0])
		}
		idxs = append(idxs, idx)
		uids = append(uids, fields[1])
	}

	c.uids = uids
	c.idxs = idxs
	return nil
}

// UIDs returns the ordered unique-IDs populated by the last UIDL call.
func (c *Client) UIDs() []string { return c.uids }

// Indexes returns the parallel 1-based server indices from the last
// UIDL call.
func (c *Client) Indexes() []int { return c.idxs }

// Retrieve issues RETR i and, if accepted, arms the streaming decoder
// GetBody reads from. Returns ok=false (not an error) for a faithful
// -ERR, e.g. a message deleted between UIDL and RETR.
func (c *Client) Retrieve(i int) (statusOK bool, message string, err error) {
	if err := c.sendCommand("RETR %d", i); err != nil {
		return false, "", err
	}
	ok, msg, err := c.readStatusLine()
	if err != nil {
		return false, "", err
	}
	if ok {
		c.bodyDecoder = pop3wire.NewDecoder()
		c.pending = nil
		c.bodyDone = false
	}
	return ok, msg, nil
}

// GetBody streams the dot-unstuffed RFC-822 body into buf, returning
// the number of bytes written and whether the terminator has now been
// consumed. Call repeatedly until end is true; buf need not be large
// enough to hold the whole message.
func (c *Client) GetBody(buf []byte) (n int, end bool, err error) {
	if c.bodyDecoder == nil {
		return 0, false, errs.New(errs.INTERNAL, "GetBody called without a successful Retrieve")
	}

	for {
		if len(c.pending) > 0 {
			copied := copy(buf[n:], c.pending)
			c.pending = c.pending[copied:]
			n += copied
			if n == len(buf) {
				return n, false, nil
			}
		}
		if c.bodyDone && len(c.pending) == 0 {
			return n, true, nil
		}

		chunk := make([]byte, readChunkSize)
		nr, rerr := c.rd.Read(chunk)
		if rerr != nil {
			return n, false, errs.Wrap(errs.CONN, rerr, "reading message body")
		}
		out, foundEnd := c.bodyDecoder.Feed(chunk[:nr])
		c.pending = append(c.pending, out...)
		if foundEnd {
			c.bodyDone = true
		}
	}
}

// Delete issues DELE i.
func (c *Client) Delete(i int) (statusOK bool, message string, err error) {
	if err := c.sendCommand("DELE %d", i); err != nil {
		return false, "", err
	}
	return c.readStatusLine()
}

// Reset issues RSET.
func (c *Client) Reset() (statusOK bool, message string, err error) {
	if err := c.sendCommand("RSET"); err != nil {
		return false, "", err
	}
	return c.readStatusLine()
}

// Quit issues QUIT and reports whether the upstream acknowledged with
// +OK (updateOK), i.e. whether it is safe to assume deletions were
// committed to the upstream maildrop.
func (c *Client) Quit() (updateOK bool, err error) {
	if err := c.sendCommand("QUIT"); err != nil {
		return false, err
	}
	ok, _, err := c.readStatusLine()
	if err != nil {
		return false, err
	}
	return ok, nil
}
