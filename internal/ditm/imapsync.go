package ditm

import (
	"context"
	"path/filepath"

	"github.com/splintermail/ditm/internal/errs"
	"github.com/splintermail/ditm/internal/imapclient"
	"github.com/splintermail/ditm/internal/imapstore"
)

// imapMailbox is the single upstream mailbox this build mirrors into
// the IMAP maildir+log (spec.md §4.5/§4.6 name no other mailbox; a
// multi-mailbox IMAP tree is out of this spec's scope).
const imapMailbox = "INBOX"

// syncIMAPMaildir implements loginhook's IMAP leg: alongside the
// per-session POP3 download pipeline (downloadNewMessages), it opens a
// second upstream connection over IMAP and runs internal/imapclient.Sync
// against a maildir+log rooted under the same per-user directory, so
// the full decrypted mailbox history accumulates there independent of
// whatever the MUA's POP3 session happens to touch (spec.md §4.5/§4.6,
// wired from §4.7's loginhook).
func (s *Session) syncIMAPMaildir(ctx context.Context, user, pass string) error {
	store, err := imapstore.Open(filepath.Join(s.userDir, "imap"), s.hostname)
	if err != nil {
		return errs.Propagate(err, "syncIMAPMaildir: opening imap store")
	}

	c, err := imapclient.Connect(ctx, s.cfg.Upstream.Host, s.cfg.Upstream.IMAPPort)
	if err != nil {
		return errs.Propagate(err, "syncIMAPMaildir: connecting upstream")
	}
	defer c.Close()

	if err := c.Login(user, pass); err != nil {
		return errs.Propagate(err, "syncIMAPMaildir: LOGIN")
	}

	if err := imapclient.Sync(ctx, c, imapMailbox, store, s.keytool); err != nil {
		return errs.Propagate(err, "syncIMAPMaildir: Sync")
	}
	return nil
}
