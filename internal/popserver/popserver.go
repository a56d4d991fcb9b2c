// Package popserver implements the MUA-facing POP3 protocol engine
// (spec.md §4.3): the AUTHORIZATION→TRANSACTION→UPDATE→closed state
// machine, command parsing and dot-stuffed response framing, and
// bounds-checked dispatch to a nine-hook Hooks implementation supplied
// by the caller (internal/ditm).
package popserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// State is a position in the POP3 session state machine.
type State int

const (
	StateAuthorization State = iota
	StateTransaction
	StateUpdate
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAuthorization:
		return "AUTHORIZATION"
	case StateTransaction:
		return "TRANSACTION"
	case StateUpdate:
		return "UPDATE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ErrNoSuchMessage and ErrDeleted are the two sentinel failures a Hooks
// implementation may return from any per-message hook; the server
// turns either into the matching "-ERR" text rather than treating them
// as faults.
var (
	ErrNoSuchMessage = errors.New("no such message")
	ErrDeleted       = errors.New("message already deleted")
)

// MessageInfo is one entry of a LIST/UIDL response.
type MessageInfo struct {
	Index int
	UID   string
	Size  int64
}

// Hooks is the nine-operation surface a session implements; popserver
// owns parsing, framing, state transitions, and index bounds checking,
// so hooks may assume any idx they receive is in range.
type Hooks interface {
	// Login authenticates user/pass. A faithful rejection is
	// (false, message, nil), not an error.
	Login(ctx context.Context, user, pass string) (ok bool, message string, err error)
	// Stat returns the message count and total size for the session;
	// called once on a successful Login to size index validation.
	Stat(ctx context.Context) (count int, totalSize int64, err error)
	// List returns all non-deleted messages when idx is 0, or the
	// single message at idx (1-based) otherwise.
	List(ctx context.Context, idx int) ([]MessageInfo, error)
	// Retr returns the full RFC-822 content of message idx.
	Retr(ctx context.Context, idx int) (io.Reader, error)
	// Dele marks message idx deleted for this session.
	Dele(ctx context.Context, idx int) error
	// Rset clears all deletion marks made this session.
	Rset(ctx context.Context) error
	// Top returns the full content of message idx; popserver itself
	// truncates the body to the requested line count.
	Top(ctx context.Context, idx int) (io.Reader, error)
	// Uidl returns unique-IDs for all non-deleted messages when idx is
	// 0, or the single message at idx otherwise.
	Uidl(ctx context.Context, idx int) ([]MessageInfo, error)
	// Quit is called once, on a TRANSACTION-state QUIT, before the
	// connection closes; it should expunge deleted messages.
	Quit(ctx context.Context) error
}

// Conn is the connection surface popserver drives a session over.
// internal/server.Connection satisfies this directly.
type Conn interface {
	Reader() *bufio.Reader
	Writer() *bufio.Writer
	Flush() error
	IsTLS() bool
	IsClosed() bool
	SetCommandTimeout() error
	ResetIdleTimeout() error
	UpgradeToTLS(cfg *tls.Config) error
}

// Response is a single POP3 reply: one status line, optionally
// followed by a dot-terminated multi-line body.
type Response struct {
	OK      bool
	Message string
	Lines   []string
}

func (r Response) String() string {
	var sb strings.Builder
	if r.OK {
		sb.WriteString("+OK")
	} else {
		sb.WriteString("-ERR")
	}
	if r.Message != "" {
		sb.WriteString(" ")
		sb.WriteString(r.Message)
	}
	sb.WriteString("\r\n")
	if r.Lines != nil {
		for _, line := range r.Lines {
			if strings.HasPrefix(line, ".") {
				sb.WriteString(".")
			}
			sb.WriteString(line)
			sb.WriteString("\r\n")
		}
		sb.WriteString(".\r\n")
	}
	return sb.String()
}

func okResp(format string, args ...any) Response {
	return Response{OK: true, Message: fmt.Sprintf(format, args...)}
}

func errResp(format string, args ...any) Response {
	return Response{OK: false, Message: fmt.Sprintf(format, args...)}
}

// parseCommand splits a trimmed command line into an uppercased name
// and its arguments.
func parseCommand(line string) (name string, args []string, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty command")
	}
	return strings.ToUpper(fields[0]), fields[1:], nil
}

// Serve drives one connection through the full POP3 session to QUIT or
// disconnect. The caller is responsible for sending any greeting
// before calling Serve (spec.md §4.7's synthetic banner is session
// glue, not part of this generic engine).
func Serve(ctx context.Context, conn Conn, hooks Hooks, tlsConfig *tls.Config) error {
	state := StateAuthorization
	var username string
	count := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if conn.IsClosed() {
			return nil
		}

		if err := conn.SetCommandTimeout(); err != nil {
			return err
		}
		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := conn.ResetIdleTimeout(); err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		name, args, err := parseCommand(line)
		if err != nil {
			if werr := writeResponse(conn, errResp("invalid command")); werr != nil {
				return werr
			}
			continue
		}

		var resp Response
		switch state {
		case StateAuthorization:
			resp, state, username, count, err = dispatchAuthorization(ctx, hooks, name, args, username)
		case StateTransaction:
			resp, state, err = dispatchTransaction(ctx, hooks, name, args, count)
		default:
			return nil
		}
		if err != nil {
			return err
		}

		if err := writeResponse(conn, resp); err != nil {
			return err
		}

		switch {
		case name == "STLS" && resp.OK && state == StateAuthorization:
			if tlsConfig == nil {
				continue
			}
			if err := conn.UpgradeToTLS(tlsConfig); err != nil {
				return err
			}
		case state == StateUpdate:
			if err := hooks.Quit(ctx); err != nil {
				return err
			}
			return nil
		}
	}
}

func writeResponse(conn Conn, resp Response) error {
	if _, err := conn.Writer().WriteString(resp.String()); err != nil {
		return err
	}
	return conn.Flush()
}

func dispatchAuthorization(ctx context.Context, hooks Hooks, name string, args []string, username string) (Response, State, string, int, error) {
	switch name {
	case "USER":
		if len(args) != 1 {
			return errResp("USER requires a name"), StateAuthorization, "", 0, nil
		}
		return okResp("%s is welcome here", args[0]), StateAuthorization, args[0], 0, nil
	case "PASS":
		if len(args) != 1 {
			return errResp("PASS requires a password"), StateAuthorization, username, 0, nil
		}
		if username == "" {
			return errResp("USER required first"), StateAuthorization, username, 0, nil
		}
		ok, msg, err := hooks.Login(ctx, username, args[0])
		if err != nil {
			return Response{}, StateAuthorization, username, 0, err
		}
		if !ok {
			return errResp("%s", msg), StateAuthorization, "", 0, nil
		}
		count, _, err := hooks.Stat(ctx)
		if err != nil {
			return Response{}, StateAuthorization, username, 0, err
		}
		return okResp("%s", msg), StateTransaction, username, count, nil
	case "CAPA":
		return Response{OK: true, Message: "capability list follows", Lines: []string{"USER", "UIDL", "TOP", "STLS"}}, StateAuthorization, username, 0, nil
	case "STLS":
		return okResp("begin TLS negotiation"), StateAuthorization, username, 0, nil
	case "QUIT":
		return okResp("closing connection"), StateClosed, username, 0, nil
	default:
		return errResp("command not valid in this state"), StateAuthorization, username, 0, nil
	}
}

func dispatchTransaction(ctx context.Context, hooks Hooks, name string, args []string, count int) (Response, State, error) {
	switch name {
	case "STAT":
		if len(args) != 0 {
			return errResp("STAT takes no arguments"), StateTransaction, nil
		}
		n, size, err := hooks.Stat(ctx)
		if err != nil {
			return Response{}, StateTransaction, err
		}
		return okResp("%d %d", n, size), StateTransaction, nil

	case "LIST":
		idx, ok, resp := parseOptionalIndex(args, count)
		if !ok {
			return resp, StateTransaction, nil
		}
		infos, err := hooks.List(ctx, idx)
		if err != nil {
			return respondIndexError(err), StateTransaction, nil
		}
		if idx != 0 {
			if len(infos) != 1 {
				return errResp("no such message"), StateTransaction, nil
			}
			return okResp("%d %d", infos[0].Index, infos[0].Size), StateTransaction, nil
		}
		lines := make([]string, len(infos))
		for i, m := range infos {
			lines[i] = fmt.Sprintf("%d %d", m.Index, m.Size)
		}
		return Response{OK: true, Message: fmt.Sprintf("%d messages", len(infos)), Lines: lines}, StateTransaction, nil

	case "RETR":
		idx, ok, resp := requireIndex(args, count)
		if !ok {
			return resp, StateTransaction, nil
		}
		r, err := hooks.Retr(ctx, idx)
		if err != nil {
			return respondIndexError(err), StateTransaction, nil
		}
		content, err := io.ReadAll(r)
		if err != nil {
			return errResp("failed to read message"), StateTransaction, err
		}
		return Response{OK: true, Message: "message follows", Lines: splitMessageLines(string(content))}, StateTransaction, nil

	case "DELE":
		idx, ok, resp := requireIndex(args, count)
		if !ok {
			return resp, StateTransaction, nil
		}
		if err := hooks.Dele(ctx, idx); err != nil {
			return respondIndexError(err), StateTransaction, nil
		}
		return okResp("message %d deleted", idx), StateTransaction, nil

	case "RSET":
		if len(args) != 0 {
			return errResp("RSET takes no arguments"), StateTransaction, nil
		}
		if err := hooks.Rset(ctx); err != nil {
			return Response{}, StateTransaction, err
		}
		return okResp(""), StateTransaction, nil

	case "TOP":
		if len(args) != 2 {
			return errResp("TOP requires message number and line count"), StateTransaction, nil
		}
		idx, err := strconv.Atoi(args[0])
		if err != nil || idx < 1 || idx > count {
			return errResp("no such message"), StateTransaction, nil
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return errResp("invalid line count"), StateTransaction, nil
		}
		r, err := hooks.Top(ctx, idx)
		if err != nil {
			return respondIndexError(err), StateTransaction, nil
		}
		lines, err := extractTopLines(r, n)
		if err != nil {
			return errResp("failed to read message"), StateTransaction, err
		}
		return Response{OK: true, Lines: lines}, StateTransaction, nil

	case "UIDL":
		idx, ok, resp := parseOptionalIndex(args, count)
		if !ok {
			return resp, StateTransaction, nil
		}
		infos, err := hooks.Uidl(ctx, idx)
		if err != nil {
			return respondIndexError(err), StateTransaction, nil
		}
		if idx != 0 {
			if len(infos) != 1 {
				return errResp("no such message"), StateTransaction, nil
			}
			return okResp("%d %s", infos[0].Index, infos[0].UID), StateTransaction, nil
		}
		lines := make([]string, len(infos))
		for i, m := range infos {
			lines[i] = fmt.Sprintf("%d %s", m.Index, m.UID)
		}
		return Response{OK: true, Message: "unique-id listing follows", Lines: lines}, StateTransaction, nil

	case "NOOP":
		return okResp(""), StateTransaction, nil

	case "QUIT":
		return okResp("closing connection"), StateUpdate, nil

	default:
		return errResp("command not valid in this state"), StateTransaction, nil
	}
}

func requireIndex(args []string, count int) (idx int, ok bool, resp Response) {
	if len(args) != 1 {
		return 0, false, errResp("command requires a message number")
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil || idx < 1 || idx > count {
		return 0, false, errResp("no such message")
	}
	return idx, true, Response{}
}

func parseOptionalIndex(args []string, count int) (idx int, ok bool, resp Response) {
	if len(args) == 0 {
		return 0, true, Response{}
	}
	if len(args) != 1 {
		return 0, false, errResp("command takes at most one argument")
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil || idx < 1 || idx > count {
		return 0, false, errResp("no such message")
	}
	return idx, true, Response{}
}

func respondIndexError(err error) Response {
	if errors.Is(err, ErrDeleted) {
		return errResp("message already deleted")
	}
	if errors.Is(err, ErrNoSuchMessage) {
		return errResp("no such message")
	}
	return errResp("internal error")
}

// splitMessageLines splits message content into lines for a POP3
// multi-line response body, normalizing both LF and CRLF endings.
func splitMessageLines(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// extractTopLines implements TOP's header+n-body-lines truncation:
// every header line passes through verbatim until the blank-line
// terminator, after which at most bodyLines lines of body are kept.
func extractTopLines(r io.Reader, bodyLines int) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	inBody := false
	bodyCount := 0
	for scanner.Scan() {
		line := scanner.Text()
		if !inBody {
			lines = append(lines, line)
			if line == "" {
				inBody = true
			}
			continue
		}
		if bodyCount >= bodyLines {
			break
		}
		lines = append(lines, line)
		bodyCount++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
