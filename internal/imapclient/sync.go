package imapclient

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/splintermail/ditm/internal/errs"
	"github.com/splintermail/ditm/internal/imapstore"
	"github.com/splintermail/ditm/internal/keytool"
)

// fetchBatchSize bounds how many UIDs are requested per UID FETCH, per
// spec.md §4.6 ("batched ... fetch, rather than one FETCH per
// message").
const fetchBatchSize = 50

// Decrypter is the subset of keytool.Tool's API Sync needs. The
// original's imaildir_decrypt used a raw one-shot decrypter_t with a
// standing "TODO: use key_tool_decrypt instead, it is more robust"
// comment; this interface is satisfied directly by *keytool.Tool, so
// the IMAP path gets the same sentinel-sniff-then-stream-decrypt
// pipeline as the POP3 path (internal/ditm/download.go), resolving
// that TODO rather than re-implementing a second decrypt path.
type Decrypter interface {
	Decrypt(in io.Reader, out io.Writer) (int64, error)
}

// Sync implements the up-connection sync loop (spec.md §4.6 "next_cmd"):
// select the mailbox (QRESYNC if the store already knows both the UID
// validity and a synced MODSEQ), discover UIDs with an initial UID
// SEARCH when nothing is known yet, then repeatedly UID FETCH whatever
// the store still needs until it needs nothing more, advancing the
// store's synced-MODSEQ high-water mark as each batch lands.
func Sync(ctx context.Context, c *Client, mailbox string, store *imapstore.Store, dec Decrypter) error {
	res, err := c.Select(mailbox, store.UIDValidity(), store.SyncedModSeq())
	if err != nil {
		return errs.Propagate(err, "Sync: SELECT %s", mailbox)
	}
	if err := store.SetUIDValidity(res.UIDValidity); err != nil {
		return errs.Propagate(err, "Sync: recording UID validity")
	}

	if store.SyncedModSeq() == 0 {
		uids, err := c.UIDSearchAll()
		if err != nil {
			return errs.Propagate(err, "Sync: initial UID SEARCH")
		}
		for _, uid := range uids {
			if _, ok := store.Entry(uid); ok {
				continue
			}
			if err := store.RegisterEmpty(uid); err != nil {
				return errs.Propagate(err, "Sync: registering discovered UID %s", uid)
			}
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pending := store.NeedsDownload()
		if len(pending) == 0 {
			break
		}
		if len(pending) > fetchBatchSize {
			pending = pending[:fetchBatchSize]
		}

		msgs, err := c.UIDFetch(pending)
		if err != nil {
			return errs.Propagate(err, "Sync: UID FETCH")
		}

		var highest uint64
		for _, msg := range msgs {
			if err := installFetched(store, dec, msg); err != nil {
				return errs.Propagate(err, "Sync: installing UID %s", msg.UID)
			}
			if msg.ModSeq > highest {
				highest = msg.ModSeq
			}
		}

		if highest == 0 {
			// Server didn't report MODSEQ on this batch (no CONDSTORE);
			// fall back to the mailbox-wide high-water mark so the
			// loop still makes progress instead of refetching the same
			// UIDs forever.
			highest = store.ServeModSeq()
		}
		if err := store.AdvanceSyncedModSeq(highest); err != nil {
			return errs.Propagate(err, "Sync: advancing synced modseq")
		}
	}

	return errs.Propagate(c.CloseMailbox(), "Sync: CLOSE")
}

// installFetched implements the per-message fetch handler (spec.md
// §4.6 "Fetch handling"): bare flag/modseq updates (no content) just
// update flags; a message body is sentinel-sniffed and either
// decrypted, mangled-as-corrupt, or mangled-as-unencrypted before
// being installed, mirroring internal/ditm/download.go's pipeline for
// the POP3 path.
func installFetched(store *imapstore.Store, dec Decrypter, msg FetchedMessage) error {
	if !msg.HasContent {
		return store.UpdateFlags(msg.UID, msg.Flags)
	}

	sentinel := []byte(keytool.EnvelopeSentinel)
	isEncrypted := bytes.HasPrefix(msg.Content, sentinel)

	var content []byte
	if isEncrypted {
		var out bytes.Buffer
		_, derr := dec.Decrypt(bytes.NewReader(msg.Content), &out)
		switch {
		case derr == nil:
			content = out.Bytes()
		case errs.Is(derr, errs.NOT4ME):
			return nil
		case errs.Is(derr, errs.PARAM):
			mangled, merr := mangleCorrupted(msg.Content)
			if merr != nil {
				return errs.Propagate(merr, "installFetched: mangling corrupted message")
			}
			content = mangled
		default:
			return errs.Propagate(derr, "installFetched: decrypt")
		}
	} else {
		mangled, err := mangleUnencrypted(msg.Content)
		if err != nil {
			return errs.Propagate(err, "installFetched: mangling unencrypted message")
		}
		content = mangled
	}

	return store.Install(msg.UID, msg.Flags, msg.InternalDate, content)
}

// mangleCorrupted mirrors internal/ditm/mangle.go's mangler of the same
// name: prepend an explanatory header to undecryptable bytes.
func mangleCorrupted(raw []byte) ([]byte, error) {
	var out bytes.Buffer
	out.WriteString("From: DITM <ditm@localhost>\r\n")
	out.WriteString("To: Local User <email_user@localhost>\r\n")
	out.WriteString("Date: " + time.Now().Format("Mon, 02 Jan 2006 15:04:05 -0700") + "\r\n")
	out.WriteString("Subject: DITM failed to decrypt message\r\n")
	out.WriteString("\r\n")
	out.WriteString("The following message appears to be corrupted and cannot be decrypted:\r\n")
	out.WriteString("\r\n")
	out.Write(raw)
	return out.Bytes(), nil
}

// mangleUnencrypted mirrors internal/ditm/mangle.go's mangler of the
// same name: insert "NOT ENCRYPTED:" into the Subject header,
// synthesizing one if absent.
func mangleUnencrypted(raw []byte) ([]byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out bytes.Buffer
	foundSubject := false
	inHeaders := true
	for scanner.Scan() {
		line := scanner.Text()
		if inHeaders {
			if line == "" {
				if !foundSubject {
					out.WriteString("Subject: NOT ENCRYPTED: (no subject)\r\n")
				}
				inHeaders = false
				out.WriteString("\r\n")
				continue
			}
			if strings.HasPrefix(strings.ToLower(line), "subject:") {
				foundSubject = true
				rest := line[len("subject:"):]
				out.WriteString("Subject: NOT ENCRYPTED:")
				out.WriteString(rest)
				out.WriteString("\r\n")
				continue
			}
			out.WriteString(line)
			out.WriteString("\r\n")
			continue
		}
		out.WriteString(line)
		out.WriteString("\r\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.FS, err, "mangleUnencrypted: scanning message")
	}
	return out.Bytes(), nil
}
