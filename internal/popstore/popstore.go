// Package popstore implements the maildir-backed message store for the
// POP3 path (spec.md §4.4): filename parsing, UID index, temp-file
// allocation, atomic install, and delete, with index-aligned
// filenames/uids/lengths slices.
package popstore

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/splintermail/ditm/internal/errs"
	"github.com/splintermail/ditm/internal/maildirname"
)

const maxTmpAttempts = 1000

// Store is a maildir-backed message store for one user's POP3 mailbox.
// It is not safe for concurrent use (spec.md §5: the POP3 path is
// single-threaded per connection, one connection at a time); the mutex
// guards only against accidental concurrent misuse, not a supported
// concurrency model.
type Store struct {
	mu sync.Mutex

	dir      string // maildir root: dir/{cur,new,tmp}
	hostname string

	filenames []string
	uids      []string
	lengths   []int64
}

// New discovers existing messages under dir (which must contain cur/,
// new/, tmp/, creating them if absent) and returns a ready Store.
func New(dir, hostname string) (*Store, error) {
	for _, sub := range []string{"cur", "new", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, errs.Wrap(errs.FS, err, "creating maildir %s", sub)
		}
	}

	s := &Store{dir: dir, hostname: hostname}
	if err := s.discover(); err != nil {
		return nil, errs.Propagate(err, "popstore.New")
	}
	return s, nil
}

type discovered struct {
	name maildirname.Name
	path string
}

func (s *Store) discover() error {
	var found []discovered
	for _, sub := range []string{"cur", "new"} {
		dirPath := filepath.Join(s.dir, sub)
		entries, err := os.ReadDir(dirPath)
		if err != nil {
			return errs.Wrap(errs.FS, err, "reading %s", dirPath)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			n, err := maildirname.Parse(e.Name())
			if err != nil {
				// not a maildir name: silently ignored, never an
				// error (spec.md TESTABLE PROPERTIES #2).
				continue
			}
			found = append(found, discovered{name: n, path: filepath.Join(dirPath, e.Name())})
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].name.Epoch < found[j].name.Epoch })

	s.filenames = make([]string, 0, len(found))
	s.uids = make([]string, 0, len(found))
	s.lengths = make([]int64, 0, len(found))
	for _, d := range found {
		s.filenames = append(s.filenames, d.path)
		s.uids = append(s.uids, d.name.UID)
		s.lengths = append(s.lengths, int64(d.name.Length))
	}
	return nil
}

// Len returns the current message count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uids)
}

// UIDs returns a copy of the index-aligned UID slice.
func (s *Store) UIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.uids))
	copy(out, s.uids)
	return out
}

// Length returns the byte length of message at idx (0-based).
func (s *Store) Length(idx int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.lengths) {
		return 0, errs.New(errs.BADIDX, "index %d out of range [0,%d)", idx, len(s.lengths))
	}
	return s.lengths[idx], nil
}

// TotalSize returns the sum of all message lengths.
func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, l := range s.lengths {
		total += l
	}
	return total
}

// NewTmpFile allocates a collision-free file under tmp/ and returns its
// path and an open *os.File for writing. It gives up after
// maxTmpAttempts collisions.
func (s *Store) NewTmpFile() (path string, f *os.File, err error) {
	tmpDir := filepath.Join(s.dir, "tmp")
	for i := 0; i < maxTmpAttempts; i++ {
		candidate := filepath.Join(tmpDir, strconv.FormatInt(int64(i), 10)+"-"+randSuffix())
		fh, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err == nil {
			return candidate, fh, nil
		}
		if !os.IsExist(err) {
			return "", nil, errs.Wrap(errs.FS, err, "creating tmp file")
		}
	}
	return "", nil, errs.New(errs.FS, "giving up after %d tmp file collisions", maxTmpAttempts)
}

// Rename builds the final maildir name for uid (using length and the
// store's hostname) and atomically moves tmpPath into new/, registering
// the message in the index.
func (s *Store) Rename(tmpPath, uid string, length int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := maildirname.Write(maildirname.Name{
		Epoch:   uint64(nowUnix()),
		Length:  uint64(length),
		UID:     uid,
		ModHost: s.hostname,
	})
	finalPath := filepath.Join(s.dir, "new", name)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return errs.Wrap(errs.FS, err, "installing message %s", uid)
	}

	s.filenames = append(s.filenames, finalPath)
	s.uids = append(s.uids, uid)
	s.lengths = append(s.lengths, length)
	return nil
}

// Open returns a read-only handle to the message at idx.
func (s *Store) Open(idx int) (io.ReadCloser, error) {
	s.mu.Lock()
	if idx < 0 || idx >= len(s.filenames) {
		s.mu.Unlock()
		return nil, errs.New(errs.BADIDX, "index %d out of range [0,%d)", idx, len(s.filenames))
	}
	path := s.filenames[idx]
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.FS, err, "opening message at index %d", idx)
	}
	return f, nil
}

// Delete unlinks the message at idx and removes its registry entry,
// shifting filenames/uids/lengths to stay index-aligned (spec.md §4.4:
// "deletion from the middle shifts all three").
func (s *Store) Delete(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.filenames) {
		return errs.New(errs.BADIDX, "index %d out of range [0,%d)", idx, len(s.filenames))
	}
	path := s.filenames[idx]
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.FS, err, "deleting message at index %d", idx)
	}

	s.filenames = append(s.filenames[:idx], s.filenames[idx+1:]...)
	s.uids = append(s.uids[:idx], s.uids[idx+1:]...)
	s.lengths = append(s.lengths[:idx], s.lengths[idx+1:]...)
	return nil
}

// InstallLocal writes content to a tmp file and renames it in under a
// freshly-minted LOCAL-<hex32> UID (spec.md §4.7 "Local-mail injection"),
// returning the assigned UID.
func (s *Store) InstallLocal(content []byte) (uid string, err error) {
	path, f, err := s.NewTmpFile()
	if err != nil {
		return "", errs.Propagate(err, "InstallLocal")
	}
	if _, werr := f.Write(content); werr != nil {
		f.Close()
		os.Remove(path)
		return "", errs.Wrap(errs.FS, werr, "writing local message")
	}
	if cerr := f.Close(); cerr != nil {
		os.Remove(path)
		return "", errs.Wrap(errs.FS, cerr, "closing local message tmp file")
	}

	uid = LocalUID()
	if err := s.Rename(path, uid, int64(len(content))); err != nil {
		return "", errs.Propagate(err, "InstallLocal")
	}
	return uid, nil
}
