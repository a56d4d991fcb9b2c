// Package ignorelist implements the per-user "not for me" UID ignore
// list (spec.md §4.10): a JSON array on disk plus an in-memory seen
// bitmap used to garbage-collect entries the upstream has itself
// removed.
package ignorelist

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/splintermail/ditm/internal/errs"
)

// List is a persisted set of UIDs known not to be encrypted to this
// device, with seen-tracking for garbage collection on Write.
type List struct {
	path    string
	uids    []string
	seen    []bool
	byValue map[string]int
}

// Load reads "<userdir>/ignore.json". Any read or parse failure
// degrades silently to an empty list (spec.md §4.10: "Any read or
// parse failure degrades silently to an empty list").
func Load(userdir string) *List {
	path := filepath.Join(userdir, "ignore.json")
	l := &List{path: path, byValue: make(map[string]int)}

	data, err := os.ReadFile(path)
	if err != nil {
		return l
	}
	var uids []string
	if err := json.Unmarshal(data, &uids); err != nil {
		return l
	}

	l.uids = uids
	l.seen = make([]bool, len(uids))
	for i, u := range uids {
		l.byValue[u] = i
	}
	return l
}

// ShouldIgnore reports whether uid is on the list. On a hit it marks the
// entry seen, so a subsequent Write retains it.
func (l *List) ShouldIgnore(uid string) bool {
	idx, ok := l.byValue[uid]
	if !ok {
		return false
	}
	l.seen[idx] = true
	return true
}

// Add appends uid to the list, marked seen immediately (a freshly added
// entry should survive the next Write).
func (l *List) Add(uid string) {
	if _, ok := l.byValue[uid]; ok {
		l.seen[l.byValue[uid]] = true
		return
	}
	l.byValue[uid] = len(l.uids)
	l.uids = append(l.uids, uid)
	l.seen = append(l.seen, true)
}

// Write persists only the seen entries: UIDs never observed via
// ShouldIgnore or Add since Load represent UIDs the upstream has itself
// removed, and are dropped (spec.md §4.10, TESTABLE PROPERTIES #4).
func (l *List) Write(userdir string) error {
	var kept []string
	for i, u := range l.uids {
		if l.seen[i] {
			kept = append(kept, u)
		}
	}
	if kept == nil {
		kept = []string{}
	}

	data, err := json.Marshal(kept)
	if err != nil {
		return errs.Wrap(errs.INTERNAL, err, "marshaling ignore list")
	}

	path := filepath.Join(userdir, "ignore.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errs.Wrap(errs.FS, err, "writing ignore list tmp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.FS, err, "installing ignore list")
	}
	return nil
}
