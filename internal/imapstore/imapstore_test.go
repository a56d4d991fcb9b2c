package imapstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/splintermail/ditm/internal/maildirname"
)

func TestOpenCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "testhost")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, sub := range []string{"cur", "new", "tmp", "corrupt"} {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err != nil || !fi.IsDir() {
			t.Errorf("missing dir %s: %v", sub, err)
		}
	}
	if len(s.NeedsDownload()) != 0 {
		t.Errorf("NeedsDownload on fresh store: want empty, got %v", s.NeedsDownload())
	}
}

func TestInstallMarksFilledAndAdvancesModSeq(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "testhost")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	flags := maildirname.Flags{Seen: true}
	if err := s.Install("uid-1", flags, time.Unix(1700000000, 0), []byte("hello")); err != nil {
		t.Fatalf("Install: %v", err)
	}

	e, ok := s.Entry("uid-1")
	if !ok || !e.Filled {
		t.Fatalf("Entry(uid-1) = %+v, %v; want filled", e, ok)
	}
	if e.ModSeq != 1 {
		t.Errorf("ModSeq = %d, want 1", e.ModSeq)
	}
	if s.ServeModSeq() != 1 {
		t.Errorf("ServeModSeq() = %d, want 1", s.ServeModSeq())
	}

	path := filepath.Join(dir, e.Subdir, e.Filename)
	if _, err := os.Stat(path); err != nil {
		t.Errorf("installed file missing: %v", err)
	}
}

func TestRegisterEmptyThenInstallMovesOutOfNeedsDownload(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "testhost")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.RegisterEmpty("uid-2"); err != nil {
		t.Fatalf("RegisterEmpty: %v", err)
	}
	need := s.NeedsDownload()
	if len(need) != 1 || need[0] != "uid-2" {
		t.Fatalf("NeedsDownload() = %v, want [uid-2]", need)
	}

	if err := s.Install("uid-2", maildirname.Flags{}, time.Now(), []byte("body")); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(s.NeedsDownload()) != 0 {
		t.Errorf("NeedsDownload() after install = %v, want empty", s.NeedsDownload())
	}
}

func TestExpungeRemovesFileAndRecordsTombstone(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "testhost")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Install("uid-3", maildirname.Flags{}, time.Now(), []byte("x")); err != nil {
		t.Fatalf("Install: %v", err)
	}
	e, _ := s.Entry("uid-3")
	path := filepath.Join(dir, e.Subdir, e.Filename)

	if err := s.Expunge("uid-3"); err != nil {
		t.Fatalf("Expunge: %v", err)
	}
	if _, ok := s.Entry("uid-3"); ok {
		t.Errorf("Entry(uid-3) still present after expunge")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expunged file still present: %v", err)
	}
	expunged := s.Expunged()
	if len(expunged) != 1 || expunged[0] != "uid-3" {
		t.Fatalf("Expunged() = %v, want [uid-3]", expunged)
	}
}

func TestSetUIDValidityChangeResyncs(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "testhost")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SetUIDValidity(100); err != nil {
		t.Fatalf("SetUIDValidity(100): %v", err)
	}
	if err := s.Install("uid-4", maildirname.Flags{}, time.Now(), []byte("y")); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := s.AdvanceSyncedModSeq(5); err != nil {
		t.Fatalf("AdvanceSyncedModSeq: %v", err)
	}

	if err := s.SetUIDValidity(200); err != nil {
		t.Fatalf("SetUIDValidity(200): %v", err)
	}

	if _, ok := s.Entry("uid-4"); ok {
		t.Errorf("uid-4 survived a uid-validity change")
	}
	if s.SyncedModSeq() != 0 {
		t.Errorf("SyncedModSeq() after resync = %d, want 0", s.SyncedModSeq())
	}
	if s.UIDValidity() != 200 {
		t.Errorf("UIDValidity() = %d, want 200", s.UIDValidity())
	}

	entries, err := os.ReadDir(filepath.Join(dir, "cur"))
	if err != nil {
		t.Fatalf("ReadDir cur: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("cur/ not emptied by resync: %v", entries)
	}
}

func TestReopenRediscoversFilledEntries(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, "testhost")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Install("uid-5", maildirname.Flags{Flagged: true}, time.Unix(1700000100, 0), []byte("reopen-me")); err != nil {
		t.Fatalf("Install: %v", err)
	}

	s2, err := Open(dir, "testhost")
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	e, ok := s2.Entry("uid-5")
	if !ok || !e.Filled {
		t.Fatalf("Entry(uid-5) after reopen = %+v, %v; want filled", e, ok)
	}
	if e.Length != int64(len("reopen-me")) {
		t.Errorf("Length after reopen = %d, want %d", e.Length, len("reopen-me"))
	}
}

func TestUnparseableFileIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "testhost")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	bogus := filepath.Join(dir, "new", "not-a-maildir-name")
	if err := os.WriteFile(bogus, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Open(dir, "testhost"); err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	_ = s

	if _, err := os.Stat(bogus); !os.IsNotExist(err) {
		t.Errorf("bogus file not removed from new/: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "corrupt", "not-a-maildir-name")); err != nil {
		t.Errorf("bogus file not quarantined: %v", err)
	}
}
