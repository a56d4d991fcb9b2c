// Package ditm implements the interception session glue (spec.md
// §4.7): it wires internal/pop3client (upstream), internal/popstore
// (local maildir), internal/keytool (device/peer lifecycle), and
// internal/ignorelist into a popserver.Hooks implementation so that
// internal/popserver drives one full MUA-facing POP3 session through
// it. On a successful login it also drives internal/imapclient against
// internal/imapstore over a second upstream connection, mirroring the
// full mailbox into a decrypted IMAP maildir+log independent of the
// POP3 session (spec.md §4.5/§4.6).
package ditm

import (
	"context"
	"io"
	"sync"

	"github.com/splintermail/ditm/internal/apiclient"
	"github.com/splintermail/ditm/internal/config"
	"github.com/splintermail/ditm/internal/errs"
	"github.com/splintermail/ditm/internal/ignorelist"
	"github.com/splintermail/ditm/internal/metrics"
	"github.com/splintermail/ditm/internal/pop3client"
	"github.com/splintermail/ditm/internal/popserver"
	"github.com/splintermail/ditm/internal/popstore"
)

// decrypter is the subset of *keytool.Tool a Session depends on,
// narrowed to an interface so tests can substitute a fake without
// constructing real RSA-sealed envelopes.
type decrypter interface {
	Decrypt(in io.Reader, out io.Writer) (int64, error)
	SetFoundExpiredPeer()
	Update(ctx context.Context, client *apiclient.Client, user, pass string) error
	NewPeerCount() int
}

// Session is one DITM connection's state: it implements
// popserver.Hooks directly, translating POP3-to-MUA hook calls into
// operations against the upstream client and the local maildir store.
type Session struct {
	cfg      *config.Config
	hostname string

	upstream *pop3client.Client
	store    *popstore.Store
	keytool  decrypter
	ignore   *ignorelist.List
	metrics  metrics.Collector

	username   string
	userDir    string
	connIsLive bool
	loggedIn   bool

	mu      sync.Mutex
	deleted []bool
}

// New returns a Session ready to drive one connection's AUTHORIZATION
// state; upstream must already be connected (banner consumed).
func New(cfg *config.Config, upstream *pop3client.Client, collector metrics.Collector) *Session {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Session{cfg: cfg, hostname: cfg.Hostname, upstream: upstream, metrics: collector}
}

var _ popserver.Hooks = (*Session)(nil)

// Stat implements popserver.Hooks.
func (s *Session) Stat(ctx context.Context) (int, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	var size int64
	for i := 0; i < s.store.Len(); i++ {
		if s.deleted[i] {
			continue
		}
		length, err := s.store.Length(i)
		if err != nil {
			return 0, 0, errs.Propagate(err, "Stat")
		}
		count++
		size += length
	}
	return count, size, nil
}

// List implements popserver.Hooks. idx is 1-based POP3 numbering; 0
// means "all non-deleted messages".
func (s *Session) List(ctx context.Context, idx int) ([]popserver.MessageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx != 0 {
		zero := idx - 1
		if s.deleted[zero] {
			return nil, popserver.ErrDeleted
		}
		length, err := s.store.Length(zero)
		if err != nil {
			return nil, errs.Propagate(err, "List")
		}
		return []popserver.MessageInfo{{Index: idx, Size: length}}, nil
	}

	var out []popserver.MessageInfo
	for i := 0; i < s.store.Len(); i++ {
		if s.deleted[i] {
			continue
		}
		length, err := s.store.Length(i)
		if err != nil {
			return nil, errs.Propagate(err, "List")
		}
		out = append(out, popserver.MessageInfo{Index: i + 1, Size: length})
	}
	s.metrics.MessageListed(s.username)
	return out, nil
}

// Uidl implements popserver.Hooks.
func (s *Session) Uidl(ctx context.Context, idx int) ([]popserver.MessageInfo, error) {
	s.mu.Lock()
	uids := s.store.UIDs()
	s.mu.Unlock()

	infos, err := s.List(ctx, idx)
	if err != nil {
		return nil, err
	}
	for i := range infos {
		infos[i].UID = uids[infos[i].Index-1]
	}
	return infos, nil
}

// Retr implements popserver.Hooks, reading the already-decrypted
// message straight from the local maildir.
func (s *Session) Retr(ctx context.Context, idx int) (io.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero := idx - 1
	if s.deleted[zero] {
		return nil, popserver.ErrDeleted
	}
	f, err := s.store.Open(zero)
	if err != nil {
		return nil, errs.Propagate(err, "Retr")
	}
	if length, lerr := s.store.Length(zero); lerr == nil {
		s.metrics.MessageRetrieved(s.username, length)
	}
	return f, nil
}

// Top implements popserver.Hooks identically to Retr: popserver itself
// truncates the body to the requested line count (spec.md §4.3).
func (s *Session) Top(ctx context.Context, idx int) (io.Reader, error) {
	return s.Retr(ctx, idx)
}

// Dele implements popserver.Hooks (spec.md §4.7 "per-command hooks"):
// flips the local bit, and forwards DELE upstream unless the UID is a
// locally-injected message or the upstream connection is not live.
func (s *Session) Dele(ctx context.Context, idx int) error {
	s.mu.Lock()
	zero := idx - 1
	if s.deleted[zero] {
		s.mu.Unlock()
		return popserver.ErrDeleted
	}
	uid := s.store.UIDs()[zero]
	s.deleted[zero] = true
	connIsLive := s.connIsLive
	s.mu.Unlock()

	s.metrics.MessageDeleted(s.username)

	if popstore.IsLocalUID(uid) || !connIsLive {
		return nil
	}

	ok, msg, err := s.upstream.Delete(idx)
	if err != nil {
		return errs.Propagate(err, "Dele: upstream DELE")
	}
	if !ok {
		return errs.New(errs.VALUE, "upstream rejected DELE %d: %s", idx, msg)
	}
	return nil
}

// Rset implements popserver.Hooks: clears the deletion bitmap and
// relays RSET upstream, propagating a faithful -ERR by wrapping the
// upstream message in errs.VALUE (popserver maps any non-nil error
// from a hook to a generic "-ERR internal error"; spec.md leaves this
// command's -ERR relay best-effort since RSET practically never fails).
func (s *Session) Rset(ctx context.Context) error {
	s.mu.Lock()
	for i := range s.deleted {
		s.deleted[i] = false
	}
	connIsLive := s.connIsLive
	s.mu.Unlock()

	if !connIsLive {
		return nil
	}
	ok, msg, err := s.upstream.Reset()
	if err != nil {
		return errs.Propagate(err, "Rset: upstream RSET")
	}
	if !ok {
		return errs.New(errs.VALUE, "upstream rejected RSET: %s", msg)
	}
	return nil
}

// Quit implements popserver.Hooks (spec.md §4.7): issues upstream QUIT
// first, and only deletes locally — in reverse index order, to keep
// earlier indices valid — if the upstream committed the transaction
// and the session actually logged in.
func (s *Session) Quit(ctx context.Context) error {
	s.mu.Lock()
	connIsLive := s.connIsLive
	loggedIn := s.loggedIn
	s.mu.Unlock()

	updateOK := false
	if connIsLive {
		var err error
		updateOK, err = s.upstream.Quit()
		if err != nil {
			return errs.Propagate(err, "Quit: upstream QUIT")
		}
	}

	if !loggedIn || (connIsLive && !updateOK) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.deleted) - 1; i >= 0; i-- {
		if !s.deleted[i] {
			continue
		}
		if err := s.store.Delete(i); err != nil {
			return errs.Propagate(err, "Quit: local delete")
		}
		s.deleted = append(s.deleted[:i], s.deleted[i+1:]...)
	}
	return nil
}
