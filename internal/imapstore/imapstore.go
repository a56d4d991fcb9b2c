// Package imapstore implements the IMAP maildir + log subsystem
// (spec.md §4.5): a persistent message/expunge/mod index layered over a
// maildir directory, UID-validity handling, and the two highest-modseq
// counters the up-connection driver consumes.
package imapstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/splintermail/ditm/internal/errs"
	"github.com/splintermail/ditm/internal/maildirname"
)

// Entry describes one message known to the log, filled or not.
type Entry struct {
	UID          string             `json:"uid"`
	InternalDate time.Time          `json:"internal_date"`
	Length       int64              `json:"length"`
	Flags        maildirname.Flags  `json:"flags"`
	Subdir       string             `json:"subdir"` // "cur" or "new"; empty if not filled
	Filename     string             `json:"filename"`
	ModSeq       uint64             `json:"modseq"`
	Filled       bool               `json:"filled"`
}

type logFile struct {
	UIDValidity  uint32           `json:"uid_validity"`
	Entries      map[string]Entry `json:"entries"`
	Expunged     []string         `json:"expunged"`
	SyncedModSeq uint64           `json:"synced_modseq"`
}

// Store is a persistent, log-backed maildir index for one IMAP mailbox.
// Per spec.md §5, callers serialize access with an external content
// RWMutex when multiple up-connections share a Store; the internal mutex
// here only protects the in-process struct fields during that critical
// section.
type Store struct {
	mu sync.RWMutex

	dir      string
	hostname string
	logPath  string

	uidValidity  uint32
	entries      map[string]Entry // all known UIDs, filled or not
	expunged     []string         // ordered tombstones
	syncedModSeq uint64
}

// Open loads the on-disk log (if any) and reconciles it against the
// maildir's cur/ and new/ trees (spec.md §4.5 "Discovery algorithm").
func Open(dir, hostname string) (*Store, error) {
	for _, sub := range []string{"cur", "new", "tmp", "corrupt"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, errs.Wrap(errs.FS, err, "creating imap maildir %s", sub)
		}
	}

	s := &Store{
		dir:      dir,
		hostname: hostname,
		logPath:  filepath.Join(dir, "imap.log.json"),
		entries:  make(map[string]Entry),
	}
	if err := s.loadLog(); err != nil {
		return nil, errs.Propagate(err, "imapstore.Open")
	}
	if err := s.discover(); err != nil {
		return nil, errs.Propagate(err, "imapstore.Open")
	}
	return s, nil
}

func (s *Store) loadLog() error {
	data, err := os.ReadFile(s.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // fresh mailbox: UID-validity 0, empty entries
		}
		return errs.Wrap(errs.FS, err, "reading imap log")
	}
	var lf logFile
	if err := json.Unmarshal(data, &lf); err != nil {
		// a corrupt log is treated the same as uid-validity change:
		// drop and resync from scratch, per the discovery algorithm's
		// general invariant that the log is a cache, not a source of
		// truth the on-disk tree can't rebuild.
		return nil
	}
	s.uidValidity = lf.UIDValidity
	if lf.Entries != nil {
		s.entries = lf.Entries
	}
	s.expunged = lf.Expunged
	s.syncedModSeq = lf.SyncedModSeq
	return nil
}

func (s *Store) persistLog() error {
	lf := logFile{
		UIDValidity:  s.uidValidity,
		Entries:      s.entries,
		Expunged:     s.expunged,
		SyncedModSeq: s.syncedModSeq,
	}
	data, err := json.Marshal(lf)
	if err != nil {
		return errs.Wrap(errs.INTERNAL, err, "marshaling imap log")
	}
	tmp := s.logPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errs.Wrap(errs.FS, err, "writing imap log tmp file")
	}
	if err := os.Rename(tmp, s.logPath); err != nil {
		return errs.Wrap(errs.FS, err, "installing imap log")
	}
	return nil
}

// discover walks cur/ and new/, reconciling on-disk files against the
// log (spec.md §4.5). Unparseable filenames are quarantined into
// corrupt/ rather than left untouched (resolving open question 1 from
// spec.md §9).
func (s *Store) discover() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for _, sub := range []string{"cur", "new"} {
		dirPath := filepath.Join(s.dir, sub)
		dirents, err := os.ReadDir(dirPath)
		if err != nil {
			return errs.Wrap(errs.FS, err, "reading %s", dirPath)
		}
		for _, de := range dirents {
			if de.IsDir() {
				continue
			}
			n, perr := maildirname.Parse(de.Name())
			if perr != nil {
				quarantine(filepath.Join(dirPath, de.Name()), filepath.Join(s.dir, "corrupt", de.Name()))
				continue
			}
			e, ok := s.entries[n.UID]
			if !ok {
				e = Entry{UID: n.UID}
			}
			e.InternalDate = time.Unix(int64(n.Epoch), 0)
			e.Length = int64(n.Length)
			if n.HasFlags {
				e.Flags = n.Flags
			}
			e.Subdir = sub
			e.Filename = de.Name()
			e.Filled = true
			s.entries[n.UID] = e
			seen[n.UID] = true
		}
	}

	// entries not backed by a file become (or remain) msgs_empty.
	for uid, e := range s.entries {
		if !seen[uid] {
			e.Filled = false
			e.Subdir = ""
			e.Filename = ""
			s.entries[uid] = e
		}
	}
	return nil
}

func quarantine(from, to string) {
	os.Rename(from, to)
}

// UIDValidity returns the currently recorded UID-validity token.
func (s *Store) UIDValidity() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uidValidity
}

// SetUIDValidity compares newValidity against the recorded token. If it
// differs (including the initial "never set" case going to a nonzero
// value for the first time, which is not a change), the log and the
// entire on-disk tree are dropped and both modseq counters reset to
// zero (spec.md §4.6 "UID-validity change").
func (s *Store) SetUIDValidity(newValidity uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.uidValidity == 0 {
		s.uidValidity = newValidity
		return s.persistLogLocked()
	}
	if s.uidValidity == newValidity {
		return nil
	}

	for _, sub := range []string{"cur", "new", "tmp"} {
		dirPath := filepath.Join(s.dir, sub)
		dirents, err := os.ReadDir(dirPath)
		if err != nil {
			return errs.Wrap(errs.FS, err, "reading %s during uid-validity reset", dirPath)
		}
		for _, de := range dirents {
			os.Remove(filepath.Join(dirPath, de.Name()))
		}
	}

	s.uidValidity = newValidity
	s.entries = make(map[string]Entry)
	s.expunged = nil
	s.syncedModSeq = 0
	return s.persistLogLocked()
}

func (s *Store) persistLogLocked() error {
	return s.persistLog()
}

// NeedsDownload returns the UIDs known to the log but not yet present on
// disk (spec.md's msgs_empty tree), in ascending UID-string order for
// determinism.
func (s *Store) NeedsDownload() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for uid, e := range s.entries {
		if !e.Filled {
			out = append(out, uid)
		}
	}
	sort.Strings(out)
	return out
}

// RegisterEmpty adds a UID known from a SEARCH/FETCH response but not
// yet downloaded, without touching the filesystem.
func (s *Store) RegisterEmpty(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[uid]; ok {
		return nil
	}
	s.entries[uid] = Entry{UID: uid}
	return s.persistLogLocked()
}

// Entry returns the current entry for uid.
func (s *Store) Entry(uid string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[uid]
	return e, ok
}

// Filled returns all filled entries.
func (s *Store) Filled() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Filled {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModSeq < out[j].ModSeq })
	return out
}

// Expunged returns the ordered set of expunged UIDs.
func (s *Store) Expunged() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.expunged))
	copy(out, s.expunged)
	return out
}

// nextModSeq returns one past the highest modseq currently assigned.
func (s *Store) nextModSeqLocked() uint64 {
	var max uint64
	for _, e := range s.entries {
		if e.ModSeq > max {
			max = e.ModSeq
		}
	}
	return max + 1
}

// ServeModSeq is the downstream-facing highest modseq: max(mods.last, 1)
// (spec.md §4.5).
func (s *Store) ServeModSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max uint64
	for _, e := range s.entries {
		if e.ModSeq > max {
			max = e.ModSeq
		}
	}
	if max < 1 {
		return 1
	}
	return max
}

// SyncedModSeq is what has been synced from upstream so far.
func (s *Store) SyncedModSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncedModSeq
}

// AdvanceSyncedModSeq records that a fetch delivering MODSEQ up to n
// completed successfully. It is a no-op if n does not advance the
// counter (spec.md: "advanced only after a fetch ... completes
// successfully").
func (s *Store) AdvanceSyncedModSeq(n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= s.syncedModSeq {
		return nil
	}
	s.syncedModSeq = n
	return s.persistLogLocked()
}

// Install writes content for uid into cur/ under a freshly built maildir
// name with the given flags and internal date, journals the log entry
// before the rename (spec.md §4.6: "Flags and modseq updates are
// journalled via the log before any file rename"), and marks the UID
// filled.
func (s *Store) Install(uid string, flags maildirname.Flags, internalDate time.Time, content []byte) error {
	tmpPath := filepath.Join(s.dir, "tmp", uid+".install")
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return errs.Wrap(errs.FS, err, "writing imap message %s", uid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	modseq := s.nextModSeqLocked()
	name := maildirname.Write(maildirname.Name{
		Epoch:    uint64(internalDate.Unix()),
		Length:   uint64(len(content)),
		UID:      uid,
		HasFlags: true,
		Flags:    flags,
		ModHost:  s.hostname,
	})

	e := s.entries[uid]
	e.UID = uid
	e.InternalDate = internalDate
	e.Length = int64(len(content))
	e.Flags = flags
	e.Subdir = "cur"
	e.Filename = name
	e.ModSeq = modseq
	e.Filled = true
	s.entries[uid] = e

	if err := s.persistLogLocked(); err != nil {
		os.Remove(tmpPath)
		return errs.Propagate(err, "Install")
	}

	finalPath := filepath.Join(s.dir, "cur", name)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return errs.Wrap(errs.FS, err, "installing imap message %s", uid)
	}
	return nil
}

// UpdateFlags changes the flag set for an already-filled UID, renaming
// its on-disk file to reflect the new flags and bumping its modseq.
func (s *Store) UpdateFlags(uid string, flags maildirname.Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[uid]
	if !ok || !e.Filled {
		return errs.New(errs.VALUE, "UpdateFlags: uid %q not filled", uid)
	}

	oldPath := filepath.Join(s.dir, e.Subdir, e.Filename)
	newName := maildirname.Write(maildirname.Name{
		Epoch:    uint64(e.InternalDate.Unix()),
		Length:   uint64(e.Length),
		UID:      uid,
		HasFlags: true,
		Flags:    flags,
		ModHost:  s.hostname,
	})
	newPath := filepath.Join(s.dir, "cur", newName)

	e.Flags = flags
	e.ModSeq = s.nextModSeqLocked()
	e.Subdir = "cur"
	e.Filename = newName
	s.entries[uid] = e

	if err := s.persistLogLocked(); err != nil {
		return errs.Propagate(err, "UpdateFlags")
	}
	if oldPath != newPath {
		if err := os.Rename(oldPath, newPath); err != nil {
			return errs.Wrap(errs.FS, err, "renaming %s for flag update", uid)
		}
	}
	return nil
}

// Expunge removes uid from the filled set, deletes its file, and
// records a tombstone.
func (s *Store) Expunge(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[uid]
	if !ok {
		return nil
	}
	if e.Filled {
		path := filepath.Join(s.dir, e.Subdir, e.Filename)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.FS, err, "expunging %s", uid)
		}
	}
	delete(s.entries, uid)
	s.expunged = append(s.expunged, uid)
	return s.persistLogLocked()
}
