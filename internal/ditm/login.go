package ditm

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/splintermail/ditm/internal/apiclient"
	"github.com/splintermail/ditm/internal/errs"
	"github.com/splintermail/ditm/internal/ignorelist"
	"github.com/splintermail/ditm/internal/keytool"
	"github.com/splintermail/ditm/internal/popstore"
)

// clientVersion is the MUA-facing session's understanding of the
// upstream's advertised minimum-client-version token.
type clientVersion struct {
	Major, Minor, Build int
}

// parseBannerVersion extracts "DITMv<maj>.<min>.<bld>" from a POP3
// banner; missing minor/build segments default to 0 (spec.md §4.7).
func parseBannerVersion(banner string) (v clientVersion, found bool) {
	idx := strings.Index(banner, "DITMv")
	if idx < 0 {
		return clientVersion{}, false
	}
	rest := banner[idx+len("DITMv"):]
	end := 0
	for end < len(rest) && (rest[end] == '.' || (rest[end] >= '0' && rest[end] <= '9')) {
		end++
	}
	parts := strings.SplitN(rest[:end], ".", 3)
	nums := [3]int{}
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return clientVersion{}, false
		}
		nums[i] = n
	}
	return clientVersion{Major: nums[0], Minor: nums[1], Build: nums[2]}, true
}

func (v clientVersion) meets(min clientVersion) bool {
	if v.Major != min.Major {
		return v.Major > min.Major
	}
	if v.Minor != min.Minor {
		return v.Minor > min.Minor
	}
	return v.Build >= min.Build
}

// Login implements popserver.Hooks: forwards USER/PASS upstream
// verbatim, and on acceptance runs the full loginhook sequence
// (spec.md §4.7).
func (s *Session) Login(ctx context.Context, user, pass string) (ok bool, message string, err error) {
	uok, umsg, uerr := s.upstream.Username(user)
	if uerr != nil {
		return false, "", uerr
	}
	if !uok {
		return false, umsg, nil
	}

	pok, pmsg, perr := s.upstream.Password(pass)
	if perr != nil {
		return false, "", perr
	}
	s.metrics.AuthAttempt(user, pok)
	if !pok {
		return false, pmsg, nil
	}

	s.username = user
	s.connIsLive = true

	if err := s.afterLogin(ctx, user, pass); err != nil {
		return false, "", err
	}

	s.loggedIn = true
	return true, pmsg, nil
}

// afterLogin runs loginhook steps 1-7. Only CONN/NOMEM/OS/SSL escape
// to the caller (connection torn down); every other failure is
// absorbed into a local explanatory message so the MUA session
// continues in a degraded, offline mode (spec.md §4.7 error table).
func (s *Session) afterLogin(ctx context.Context, user, pass string) error {
	s.userDir = filepath.Join(s.cfg.Maildir, user)
	store, err := popstore.New(s.userDir, s.hostname)
	if err != nil {
		return errs.Propagate(err, "afterLogin: opening maildir")
	}
	s.store = store

	kt, err := keytool.New(s.cfg.Device.Dir, s.cfg.Device.KeyBits)
	if err != nil {
		return errs.Propagate(err, "afterLogin: loading key tool")
	}
	s.keytool = kt
	s.ignore = ignorelist.Load(s.userDir)

	minVer := clientVersion{Major: s.cfg.MinClientMajor, Minor: s.cfg.MinClientMinor, Build: s.cfg.MinClientBuild}
	upstreamVer, found := parseBannerVersion(s.upstream.Banner())

	if minVer != (clientVersion{}) && (!found || !upstreamVer.meets(minVer)) {
		if err := s.injectLocal("Splintermail Software Update",
			"This account's mail server requires a newer Splintermail client "+
				"than this DITM instance implements. Messages will not be "+
				"decrypted until it is updated."); err != nil {
			return errs.Propagate(err, "afterLogin: injecting update-required mail")
		}
		s.connIsLive = false
	} else if downloadErr := s.downloadNewMessages(ctx); downloadErr != nil {
		if !s.handleDegraded(downloadErr) {
			return downloadErr
		}
	} else if imapErr := s.syncIMAPMaildir(ctx, user, pass); imapErr != nil {
		if !s.handleDegraded(imapErr) {
			return imapErr
		}
	}

	s.mu.Lock()
	s.deleted = make([]bool, s.store.Len())
	s.mu.Unlock()

	if err := s.ignore.Write(s.userDir); err != nil {
		return errs.Propagate(err, "afterLogin: persisting ignore list")
	}

	client := apiclient.New(s.cfg.Upstream.APIHost, s.cfg.Upstream.APIPort)
	peersBefore := s.keytool.NewPeerCount()
	updErr := s.keytool.Update(ctx, client, user, pass)
	s.metrics.APICall("key_tool_update", updErr == nil)
	if updErr != nil {
		if errs.Is(updErr, errs.PARAM) {
			// spec.md §4.8: "log and continue" — hostname-too-long should
			// not occur in practice, so there is nowhere useful to surface
			// it but a log line.
		} else if !s.handleDegraded(updErr) {
			return updErr
		}
	} else if n := s.keytool.NewPeerCount(); n != peersBefore {
		s.metrics.PeerReconciliation(n)
	}

	return nil
}

// handleDegraded classifies a loginhook-stage error: CONN/NOMEM/OS/SSL
// are reported back to the caller for propagation (returns false);
// everything else is absorbed into a local explanatory mail and
// conn_is_live is cleared (returns true).
func (s *Session) handleDegraded(err error) (absorbed bool) {
	switch errs.KindOf(err) {
	case errs.CONN, errs.NOMEM, errs.OS, errs.SSL:
		return false
	case errs.FS:
		s.injectLocal("DITM File System Issue", "A local file system error "+
			"occurred while fetching mail: "+err.Error())
	case errs.RESPONSE:
		s.injectLocal("DITM Invalid Server Response", "The mail server sent "+
			"a response DITM did not understand: "+err.Error())
	default:
		s.injectLocal("DITM Internal Error", "An internal error occurred "+
			"while fetching mail: "+err.Error())
	}
	s.connIsLive = false
	return true
}

// downloadNewMessages implements loginhook step 4: UIDL upstream, and
// run the download pipeline for every UID not already local and not
// ignored.
func (s *Session) downloadNewMessages(ctx context.Context) error {
	if err := s.upstream.UIDL(); err != nil {
		return errs.Propagate(err, "downloadNewMessages: UIDL")
	}

	local := map[string]bool{}
	for _, uid := range s.store.UIDs() {
		local[uid] = true
	}

	uids := s.upstream.UIDs()
	idxs := s.upstream.Indexes()
	for i, uid := range uids {
		if local[uid] || s.ignore.ShouldIgnore(uid) {
			continue
		}
		if err := s.downloadOne(idxs[i], uid); err != nil {
			return errs.Propagate(err, "downloadNewMessages: uid %s", uid)
		}
	}
	return nil
}
