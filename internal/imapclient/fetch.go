package imapclient

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/splintermail/ditm/internal/errs"
	"github.com/splintermail/ditm/internal/maildirname"
)

// FetchedMessage is one UID FETCH response: either a full
// header+body+metadata record, or (HasContent false) a bare
// UID/FLAGS/MODSEQ update for a UID already on disk.
type FetchedMessage struct {
	UID          string
	Flags        maildirname.Flags
	InternalDate time.Time
	ModSeq       uint64
	Content      []byte
	HasContent   bool
}

// UIDSearchAll runs UID SEARCH UID 1:*, the initial-population query
// used when no prior MODSEQ is known (spec.md §4.6 "Initial search").
func (c *Client) UIDSearchAll() ([]string, error) {
	_, untagged, err := c.runTagged("UID SEARCH UID 1:*")
	if err != nil {
		return nil, errs.Propagate(err, "UID SEARCH UID 1:*")
	}
	var uids []string
	for _, line := range untagged {
		if !strings.HasPrefix(strings.ToUpper(line), "* SEARCH") {
			continue
		}
		fields := strings.Fields(line)
		for _, f := range fields[2:] {
			uids = append(uids, f)
		}
	}
	return uids, nil
}

// UIDFetch runs UID FETCH <set> (UID FLAGS RFC822 INTERNALDATE MODSEQ)
// for the given UIDs, grounded on the eSlider sync client's
// fetchBatch: literal bodies are read with readExact once the
// "{size}" length is parsed out of the untagged FETCH line, since
// ReadString can't safely span embedded CRLFs inside a message body.
func (c *Client) UIDFetch(uids []string) ([]FetchedMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	set := strings.Join(uids, ",")

	tag := c.nextTag()
	cmd := fmt.Sprintf("%s UID FETCH %s (UID FLAGS RFC822 INTERNALDATE MODSEQ)", tag, set)
	if err := c.writeLine(cmd); err != nil {
		return nil, err
	}

	var out []FetchedMessage
	for {
		line, err := c.readLine()
		if err != nil {
			return out, err
		}
		if strings.HasPrefix(line, tag+" ") {
			if !strings.Contains(strings.ToUpper(line), "OK") {
				return out, errs.New(errs.RESPONSE, "UID FETCH failed: %s", line)
			}
			return out, nil
		}
		if !strings.HasPrefix(line, "* ") || !strings.Contains(strings.ToUpper(line), "FETCH") {
			continue
		}

		msg, literalLen, hasLiteral := parseFetchHeader(line)
		if hasLiteral {
			body, err := c.readExact(literalLen)
			if err != nil {
				return out, err
			}
			msg.Content = body
			msg.HasContent = true
			// drain the line-terminator and trailing ")" the server
			// appends after the literal.
			if _, err := c.readLine(); err != nil {
				return out, err
			}
		}
		if msg.UID == "" {
			return out, errs.New(errs.RESPONSE, "FETCH response missing UID: %s", line)
		}
		out = append(out, msg)
	}
}

// parseFetchHeader extracts UID, FLAGS, INTERNALDATE and MODSEQ from an
// untagged "* N FETCH (...)" line, and reports the byte length of a
// trailing "RFC822 {N}" literal announcement, if present.
func parseFetchHeader(line string) (msg FetchedMessage, literalLen int, hasLiteral bool) {
	if idx := strings.Index(line, "UID "); idx >= 0 {
		rest := strings.TrimSpace(line[idx+len("UID "):])
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		msg.UID = rest[:end]
	}

	if idx := strings.Index(line, "FLAGS ("); idx >= 0 {
		rest := line[idx+len("FLAGS ("):]
		if end := strings.Index(rest, ")"); end >= 0 {
			msg.Flags = parseIMAPFlags(rest[:end])
		}
	}

	if idx := strings.Index(line, "INTERNALDATE \""); idx >= 0 {
		rest := line[idx+len("INTERNALDATE \""):]
		if end := strings.Index(rest, "\""); end >= 0 {
			if t, err := time.Parse("02-Jan-2006 15:04:05 -0700", rest[:end]); err == nil {
				msg.InternalDate = t
			}
		}
	}

	if idx := strings.Index(strings.ToUpper(line), "MODSEQ ("); idx >= 0 {
		rest := line[idx+len("MODSEQ ("):]
		if end := strings.Index(rest, ")"); end >= 0 {
			if v, err := strconv.ParseUint(strings.TrimSpace(rest[:end]), 10, 64); err == nil {
				msg.ModSeq = v
			}
		}
	}

	if idx := strings.LastIndex(line, "{"); idx >= 0 {
		if end := strings.Index(line[idx:], "}"); end >= 0 {
			if n, err := strconv.Atoi(line[idx+1 : idx+end]); err == nil {
				literalLen = n
				hasLiteral = true
			}
		}
	}

	return msg, literalLen, hasLiteral
}

// parseIMAPFlags maps IMAP system flag tokens onto maildirname.Flags;
// unrecognized tokens (keywords, $Forwarded, etc.) are ignored rather
// than rejected, since the maildir grammar has no representation for
// them.
func parseIMAPFlags(s string) maildirname.Flags {
	var f maildirname.Flags
	for _, tok := range strings.Fields(s) {
		switch strings.ToLower(tok) {
		case `\answered`:
			f.Answered = true
		case `\draft`:
			f.Draft = true
		case `\flagged`:
			f.Flagged = true
		case `\seen`:
			f.Seen = true
		case `\deleted`:
			f.Deleted = true
		}
	}
	return f
}
