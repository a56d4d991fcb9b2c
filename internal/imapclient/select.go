package imapclient

import (
	"strconv"
	"strings"

	"github.com/splintermail/ditm/internal/errs"
)

// SelectResult reports the mailbox state returned by a SELECT, per
// spec.md §4.6 "Select": a fresh UIDVALIDITY means the store must be
// wiped before anything is trusted, and HighestModSeq drives the
// decision to run a full UID SEARCH versus a QRESYNC-narrowed one.
type SelectResult struct {
	UIDValidity   uint32
	HighestModSeq uint64
	UIDNext       uint32
	HaveCondstore bool
}

// Select opens mailbox read-write. When knownUIDValidity and
// knownHighestModSeq are both nonzero, QRESYNC is requested so the
// server can report only what changed since the last sync; otherwise a
// plain SELECT is sent and the caller must fall back to a full UID
// SEARCH (spec.md §4.6: "QRESYNC only if both the UID validity and the
// last-synced MODSEQ are already known from the log").
func (c *Client) Select(mailbox string, knownUIDValidity uint32, knownHighestModSeq uint64) (SelectResult, error) {
	var res SelectResult

	var untagged []string
	var err error
	if knownUIDValidity != 0 && knownHighestModSeq != 0 {
		_, untagged, err = c.runTagged(
			`SELECT "%s" (QRESYNC (%d %d))`, mailbox, knownUIDValidity, knownHighestModSeq)
	} else {
		_, untagged, err = c.runTagged(`SELECT "%s"`, mailbox)
	}
	if err != nil {
		return res, errs.Propagate(err, "SELECT %s", mailbox)
	}

	for _, line := range untagged {
		upper := strings.ToUpper(line)
		switch {
		case strings.Contains(upper, "UIDVALIDITY"):
			if v, ok := extractParenUint(line, "UIDVALIDITY"); ok {
				res.UIDValidity = uint32(v)
			}
		case strings.Contains(upper, "HIGHESTMODSEQ"):
			if v, ok := extractParenUint(line, "HIGHESTMODSEQ"); ok {
				res.HighestModSeq = v
				res.HaveCondstore = true
			}
		case strings.Contains(upper, "UIDNEXT"):
			if v, ok := extractParenUint(line, "UIDNEXT"); ok {
				res.UIDNext = uint32(v)
			}
		}
	}

	if res.UIDValidity == 0 {
		return res, errs.New(errs.RESPONSE, "SELECT response never reported UIDVALIDITY")
	}
	return res, nil
}

// extractParenUint pulls the integer following "KEYWORD " out of an
// untagged response line such as "* OK [UIDVALIDITY 12345] ..." or
// "* OK [HIGHESTMODSEQ 67890] ...".
func extractParenUint(line, keyword string) (uint64, bool) {
	idx := strings.Index(strings.ToUpper(line), keyword)
	if idx < 0 {
		return 0, false
	}
	rest := strings.TrimSpace(line[idx+len(keyword):])
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	v, err := strconv.ParseUint(rest[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
