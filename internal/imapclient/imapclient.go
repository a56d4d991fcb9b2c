// Package imapclient implements the IMAP up-connection driver (spec.md
// §4.6): the DITM-side IMAP client that logs in to the upstream,
// selects a mailbox with QRESYNC when possible, and runs the sync loop
// that fills internal/imapstore from UID FETCH responses.
//
// The original's up_t drove this over a coroutine-style
// cmd/release/unselected/synced callback object with a FIFO of pending
// per-tag callbacks — a pattern spec.md §9 flags for re-architecture
// ("Coroutine-style hooks callbacks"). Because each send_xxx in that
// design only ever awaited its own tagged response before issuing the
// next command, the callback queue never held more than one entry in
// practice; Go's blocking I/O lets Sync express the same sequencing as
// an ordinary function, with no queue at all.
package imapclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/splintermail/ditm/internal/errs"
)

// maxLineLength bounds a single non-literal line, mirroring
// pop3client's fixed receive buffer modeling.
const maxLineLength = 8192

// Client is an upstream IMAP connection, not yet logged in or
// mailbox-selected. Zero value is not usable; use New.
type Client struct {
	conn net.Conn
	rd   *bufio.Reader
	wr   *bufio.Writer
	tag  int
}

// New wraps an already-open connection.
func New(conn net.Conn) *Client {
	return &Client{conn: conn, rd: bufio.NewReader(conn), wr: bufio.NewWriter(conn)}
}

// Connect dials host:port over TLS and consumes the server greeting.
func Connect(ctx context.Context, host string, port int) (*Client, error) {
	dialer := &tls.Dialer{}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if _, ok := err.(*net.OpError); ok {
			return nil, errs.Wrap(errs.CONN, err, "connecting to upstream %s", addr)
		}
		return nil, errs.Wrap(errs.SSL, err, "TLS handshake with upstream %s", addr)
	}

	c := New(conn)
	if _, err := c.readLine(); err != nil {
		conn.Close()
		return nil, errs.Propagate(err, "reading IMAP greeting")
	}
	return c, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// nextTag formats the next command tag as maildir_up<N>, per spec.md
// §4.6 ("each outgoing command is tagged maildir_up<N>").
func (c *Client) nextTag() string {
	c.tag++
	return fmt.Sprintf("maildir_up%d", c.tag)
}

func (c *Client) writeLine(line string) error {
	if _, err := fmt.Fprintf(c.wr, "%s\r\n", line); err != nil {
		return errs.Wrap(errs.CONN, err, "writing command to upstream")
	}
	if err := c.wr.Flush(); err != nil {
		return errs.Wrap(errs.CONN, err, "flushing command to upstream")
	}
	return nil
}

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

func (c *Client) readExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.rd, buf); err != nil {
		return nil, errs.Wrap(errs.CONN, err, "reading literal from upstream")
	}
	return buf, nil
}

// runTagged sends a command under a freshly minted tag and collects
// every untagged line until the matching tagged response arrives. A
// mismatched tag is never possible here since commands are issued
// strictly one at a time (see the package doc); a malformed upstream
// response is errs.RESPONSE.
func (c *Client) runTagged(format string, args ...any) (tag string, untagged []string, err error) {
	tag = c.nextTag()
	if err := c.writeLine(fmt.Sprintf("%s %s", tag, fmt.Sprintf(format, args...))); err != nil {
		return tag, nil, err
	}
	for {
		line, err := c.readLine()
		if err != nil {
			return tag, untagged, err
		}
		if strings.HasPrefix(line, tag+" ") {
			if !strings.Contains(strings.ToUpper(line), "OK") {
				return tag, untagged, errs.New(errs.RESPONSE, "command failed: %s", line)
			}
			return tag, untagged, nil
		}
		untagged = append(untagged, line)
	}
}

// Login sends LOGIN "user" "pass".
func (c *Client) Login(user, pass string) error {
	_, _, err := c.runTagged(`LOGIN "%s" "%s"`, user, pass)
	return err
}

// CloseMailbox sends CLOSE, committing any pending EXPUNGE (spec.md
// §4.6 "Close"). Any further command after this must not be issued.
func (c *Client) CloseMailbox() error {
	_, _, err := c.runTagged("CLOSE")
	return err
}
