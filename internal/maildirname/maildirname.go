// Package maildirname implements the on-disk maildir filename grammar:
//
//	EPOCH "." LENGTH "," UID [ "," FLAGSET ] "." MODHOST [ ":" INFO ]
//
// The POP path omits FLAGSET; the IMAP path always includes it (even
// when empty, it still contributes the comma). UID is an opaque string
// (unlike the original C implementation, which assumed a numeric UID;
// real POP3/IMAP UIDs are strings, so this codec treats it as such
// throughout).
package maildirname

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/splintermail/ditm/internal/errs"
)

// Flags is the IMAP flag subset {answered, draft, flagged, seen, deleted},
// written in alphabetical order as A, D, F, S, X.
type Flags struct {
	Answered bool
	Draft    bool
	Flagged  bool
	Seen     bool
	Deleted  bool
}

// String renders the flags in the grammar's required alphabetical order.
func (f Flags) String() string {
	var b strings.Builder
	if f.Answered {
		b.WriteByte('A')
	}
	if f.Draft {
		b.WriteByte('D')
	}
	if f.Flagged {
		b.WriteByte('F')
	}
	if f.Seen {
		b.WriteByte('S')
	}
	if f.Deleted {
		b.WriteByte('X')
	}
	return b.String()
}

// ParseFlags validates and parses a flag-set string. An empty string is
// a valid (all-false) flag set.
func ParseFlags(s string) (Flags, error) {
	var f Flags
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 'A':
			f.Answered = true
		case 'D':
			f.Draft = true
		case 'F':
			f.Flagged = true
		case 'S':
			f.Seen = true
		case 'X':
			f.Deleted = true
		default:
			return Flags{}, errs.New(errs.PARAM, "invalid flag %q", s[i])
		}
	}
	return f, nil
}

// Name is a fully parsed maildir filename.
type Name struct {
	Epoch     uint64
	Length    uint64
	UID       string
	HasFlags  bool
	Flags     Flags
	ModHost   string
	Info      string
	HasInfo   bool
}

var hostEscapes = []struct{ from, to string }{
	{"/", "057"},
	{":", "072"},
}

// ModHostname escapes '/' and ':' out of host so it can appear as the
// MODHOST grammar element.
func ModHostname(host string) string {
	out := host
	for _, e := range hostEscapes {
		out = strings.ReplaceAll(out, e.from, e.to)
	}
	return out
}

// Write renders a Name back into its on-disk filename. Info is omitted
// from the output when empty.
func Write(n Name) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d,%s", n.Epoch, n.Length, n.UID)
	if n.HasFlags {
		b.WriteByte(',')
		b.WriteString(n.Flags.String())
	}
	b.WriteByte('.')
	b.WriteString(ModHostname(n.ModHost))
	if n.Info != "" {
		b.WriteByte(':')
		b.WriteString(n.Info)
	}
	return b.String()
}

// Parse parses name according to the maildir filename grammar. It
// returns a VALUE error (not PARAM) on malformed input so that callers
// at the store layer can cheaply distinguish "not a maildir name at
// all" (which is never an error to the caller, just a filter) from a
// true protocol violation; see popstore/imapstore discovery.
func Parse(name string) (Name, error) {
	if len(name) < 5 {
		return Name{}, errs.New(errs.VALUE, "name too short: %q", name)
	}

	// split off :INFO (hard split on first colon)
	uniq := name
	var info string
	var hasInfo bool
	if i := strings.IndexByte(name, ':'); i >= 0 {
		uniq = name[:i]
		info = name[i+1:]
		hasInfo = true
	}

	// split UNIQ into EPOCH.DELIV_ID.HOST - soft split on '.' so HOST
	// may itself contain dots. There are always exactly 3 minor tokens:
	// the first dot separates epoch, the remaining text up to the last
	// unconsumed comma-group belongs to DELIV_ID, everything after the
	// next dot is HOST. Since HOST may contain '.', we instead find the
	// DELIV_ID boundaries directly: EPOCH is digits up to the first '.',
	// then DELIV_ID runs up to the next '.' that is NOT part of the
	// comma-delimited numeric/uid/flags fields. We rely on the grammar
	// guarantee that DELIV_ID itself never contains '.'; so the first
	// '.' after EPOCH ends DELIV_ID, and everything after that (up to
	// :INFO, already stripped) is HOST, dots and all.
	firstDot := strings.IndexByte(uniq, '.')
	if firstDot < 0 {
		return Name{}, errs.New(errs.VALUE, "missing epoch separator: %q", name)
	}
	epochStr := uniq[:firstDot]
	rest := uniq[firstDot+1:]

	secondDot := strings.IndexByte(rest, '.')
	if secondDot < 0 {
		return Name{}, errs.New(errs.VALUE, "missing host separator: %q", name)
	}
	delivID := rest[:secondDot]
	host := rest[secondDot+1:]
	if host == "" {
		return Name{}, errs.New(errs.VALUE, "empty host: %q", name)
	}

	epoch, err := strconv.ParseUint(epochStr, 10, 64)
	if err != nil {
		return Name{}, errs.New(errs.VALUE, "bad epoch %q: %v", epochStr, err)
	}

	fields := strings.Split(delivID, ",")
	if len(fields) != 2 && len(fields) != 3 {
		return Name{}, errs.New(errs.VALUE, "wrong number of fields: %q", delivID)
	}

	length, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Name{}, errs.New(errs.VALUE, "bad length %q: %v", fields[0], err)
	}

	uid := fields[1]
	if uid == "" {
		return Name{}, errs.New(errs.VALUE, "empty uid: %q", name)
	}

	n := Name{
		Epoch:   epoch,
		Length:  length,
		UID:     uid,
		ModHost: host,
		Info:    info,
		HasInfo: hasInfo,
	}

	if len(fields) == 3 {
		flags, err := ParseFlags(fields[2])
		if err != nil {
			return Name{}, err
		}
		n.HasFlags = true
		n.Flags = flags
	}

	return n, nil
}

// SortByEpoch sorts names oldest-first, the order new() discovery walks
// messages in.
func SortByEpoch(names []Name) {
	sort.Slice(names, func(i, j int) bool { return names[i].Epoch < names[j].Epoch })
}
