package ditm

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/splintermail/ditm/internal/apiclient"
	"github.com/splintermail/ditm/internal/ignorelist"
	"github.com/splintermail/ditm/internal/metrics"
	"github.com/splintermail/ditm/internal/popstore"
)

// fakeDecrypter satisfies the decrypter interface without any real
// cryptography, so hook-level tests don't need a genuine envelope.
type fakeDecrypter struct {
	foundExpired bool
	newPeers     int
}

func (f *fakeDecrypter) Decrypt(in io.Reader, out io.Writer) (int64, error) {
	n, err := io.Copy(out, in)
	return n, err
}
func (f *fakeDecrypter) SetFoundExpiredPeer()                                  { f.foundExpired = true }
func (f *fakeDecrypter) Update(context.Context, *apiclient.Client, string, string) error { return nil }
func (f *fakeDecrypter) NewPeerCount() int                                     { return f.newPeers }

func newTestSession(t *testing.T) *Session {
	t.Helper()
	dir := t.TempDir()
	store, err := popstore.New(dir, "testhost")
	if err != nil {
		t.Fatalf("popstore.New: %v", err)
	}
	return &Session{
		hostname:   "testhost",
		username:   "alice",
		store:      store,
		keytool:    &fakeDecrypter{},
		ignore:     ignorelist.Load(dir),
		metrics:    &metrics.NoopCollector{},
		userDir:    dir,
		loggedIn:   true,
		connIsLive: false, // no real upstream in these tests
	}
}

func installMessage(t *testing.T, s *Session, uid, content string) {
	t.Helper()
	if err := s.store.Rename(mustTmpFile(t, s, content), uid, int64(len(content))); err != nil {
		t.Fatalf("installMessage: %v", err)
	}
	s.deleted = append(s.deleted, false)
}

func mustTmpFile(t *testing.T, s *Session, content string) string {
	t.Helper()
	path, f, err := s.store.NewTmpFile()
	if err != nil {
		t.Fatalf("NewTmpFile: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing tmp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("closing tmp file: %v", err)
	}
	return path
}

func TestStatListRetrDele(t *testing.T) {
	s := newTestSession(t)
	installMessage(t, s, "uid-1", "Subject: one\r\n\r\nbody one\r\n")
	installMessage(t, s, "uid-2", "Subject: two\r\n\r\nbody two\r\n")

	count, size, err := s.Stat(context.Background())
	if err != nil || count != 2 {
		t.Fatalf("Stat = %d,%d,%v", count, size, err)
	}

	infos, err := s.List(context.Background(), 0)
	if err != nil || len(infos) != 2 {
		t.Fatalf("List(0) = %v, %v", infos, err)
	}

	r, err := s.Retr(context.Background(), 1)
	if err != nil {
		t.Fatalf("Retr: %v", err)
	}
	content, _ := io.ReadAll(r)
	if !strings.Contains(string(content), "body one") {
		t.Fatalf("Retr content = %q", content)
	}

	if err := s.Dele(context.Background(), 1); err != nil {
		t.Fatalf("Dele: %v", err)
	}
	if err := s.Dele(context.Background(), 1); err == nil {
		t.Fatal("second Dele of same message should fail")
	}

	count, _, err = s.Stat(context.Background())
	if err != nil || count != 1 {
		t.Fatalf("Stat after Dele = %d, %v", count, err)
	}

	if _, err := s.Retr(context.Background(), 1); err == nil {
		t.Fatal("Retr of deleted message should fail")
	}
}

func TestRsetUndeletesAndQuitExpunges(t *testing.T) {
	s := newTestSession(t)
	installMessage(t, s, "uid-1", "msg one\r\n")
	installMessage(t, s, "uid-2", "msg two\r\n")

	if err := s.Dele(context.Background(), 1); err != nil {
		t.Fatalf("Dele: %v", err)
	}
	if err := s.Rset(context.Background()); err != nil {
		t.Fatalf("Rset: %v", err)
	}
	count, _, _ := s.Stat(context.Background())
	if count != 2 {
		t.Fatalf("Stat after Rset = %d, want 2", count)
	}

	if err := s.Dele(context.Background(), 1); err != nil {
		t.Fatalf("Dele: %v", err)
	}
	if err := s.Quit(context.Background()); err != nil {
		t.Fatalf("Quit: %v", err)
	}
	if s.store.Len() != 1 {
		t.Fatalf("store length after Quit = %d, want 1", s.store.Len())
	}
	if s.store.UIDs()[0] != "uid-2" {
		t.Fatalf("remaining message = %v, want uid-2", s.store.UIDs())
	}
}

func TestUidlReportsUIDs(t *testing.T) {
	s := newTestSession(t)
	installMessage(t, s, "uid-abc", "msg\r\n")

	infos, err := s.Uidl(context.Background(), 0)
	if err != nil || len(infos) != 1 || infos[0].UID != "uid-abc" {
		t.Fatalf("Uidl = %v, %v", infos, err)
	}
}

func TestParseBannerVersion(t *testing.T) {
	cases := []struct {
		banner string
		want   clientVersion
		found  bool
	}{
		{"DITM ready DITMv1.2.3", clientVersion{1, 2, 3}, true},
		{"DITMv2", clientVersion{2, 0, 0}, true},
		{"no version here", clientVersion{}, false},
	}
	for _, c := range cases {
		got, found := parseBannerVersion(c.banner)
		if found != c.found || got != c.want {
			t.Errorf("parseBannerVersion(%q) = %v,%v want %v,%v", c.banner, got, found, c.want, c.found)
		}
	}
}

func TestVersionMeets(t *testing.T) {
	min := clientVersion{Major: 1, Minor: 2, Build: 3}
	if !(clientVersion{1, 2, 3}).meets(min) {
		t.Fatal("exact version should meet minimum")
	}
	if (clientVersion{1, 2, 2}).meets(min) {
		t.Fatal("lower build should not meet minimum")
	}
	if !(clientVersion{2, 0, 0}).meets(min) {
		t.Fatal("higher major should meet minimum")
	}
}

func TestMangleUnencryptedInsertsSubject(t *testing.T) {
	in := strings.NewReader("Subject: hello\r\nFrom: x\r\n\r\nbody\r\n")
	out, err := mangleUnencrypted(in)
	if err != nil {
		t.Fatalf("mangleUnencrypted: %v", err)
	}
	if !bytes.Contains(out, []byte("Subject: NOT ENCRYPTED: hello")) {
		t.Fatalf("mangled output = %q", out)
	}
}

func TestMangleUnencryptedSynthesizesSubject(t *testing.T) {
	in := strings.NewReader("From: x\r\n\r\nbody\r\n")
	out, err := mangleUnencrypted(in)
	if err != nil {
		t.Fatalf("mangleUnencrypted: %v", err)
	}
	if !bytes.Contains(out, []byte("Subject: NOT ENCRYPTED:")) {
		t.Fatalf("mangled output = %q", out)
	}
}

func TestMangleCorruptedPrependsWarning(t *testing.T) {
	in := strings.NewReader("garbage bytes")
	out, err := mangleCorrupted(in)
	if err != nil {
		t.Fatalf("mangleCorrupted: %v", err)
	}
	wantPrefix := "From: DITM <ditm@localhost>\r\n" +
		"To: Local User <email_user@localhost>\r\n"
	if !strings.HasPrefix(string(out), wantPrefix) {
		t.Fatalf("mangled output = %q", out)
	}
	if !strings.Contains(string(out), "Subject: DITM failed to decrypt message\r\n") {
		t.Fatalf("mangled output missing subject: %q", out)
	}
	if !strings.Contains(string(out), "The following message appears to be corrupted and cannot be decrypted:\r\n\r\n") {
		t.Fatalf("mangled output missing explanatory body: %q", out)
	}
	if !strings.HasSuffix(string(out), "garbage bytes") {
		t.Fatalf("mangled output lost original bytes: %q", out)
	}
}

func TestConfirmDeviceRegistration(t *testing.T) {
	var out bytes.Buffer
	yes, err := ConfirmDeviceRegistration(strings.NewReader("y\n"), &out, 2)
	if err != nil || !yes {
		t.Fatalf("ConfirmDeviceRegistration(y) = %v,%v", yes, err)
	}

	no, err := ConfirmDeviceRegistration(strings.NewReader("\n"), &out, 2)
	if err != nil || no {
		t.Fatalf("ConfirmDeviceRegistration(blank) = %v,%v, want false", no, err)
	}
}

func TestInjectLocalAddsDeletableMessage(t *testing.T) {
	s := newTestSession(t)
	if err := s.injectLocal("Test Subject", "hello there"); err != nil {
		t.Fatalf("injectLocal: %v", err)
	}
	if s.store.Len() != 1 {
		t.Fatalf("store length = %d, want 1", s.store.Len())
	}
	if !popstore.IsLocalUID(s.store.UIDs()[0]) {
		t.Fatalf("injected message UID = %q, want LOCAL- prefix", s.store.UIDs()[0])
	}
}
