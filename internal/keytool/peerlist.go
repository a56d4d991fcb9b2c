package keytool

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/splintermail/ditm/internal/errs"
)

// PeerListState mirrors key_tool.c's KT_PL_NEW/KT_PL_OLD.
type PeerListState int

const (
	// PeerListNew means no peer list was found on disk.
	PeerListNew PeerListState = iota
	// PeerListOld means a peer list was successfully loaded from disk.
	PeerListOld
)

const peerListFilename = "peer_list.json"

func peerListPath(dir string) string {
	return filepath.Join(dir, peerListFilename)
}

// loadPeerList reads "<dir>/peer_list.json" (a JSON array of 64-hex-char
// SHA-256 fingerprints). A missing or malformed file degrades to an
// empty list with state PeerListNew (mirrors key_tool_new's
// "CATCH(E_FS | E_PARAM)" handling).
func loadPeerList(dir string) ([]string, PeerListState) {
	data, err := os.ReadFile(peerListPath(dir))
	if err != nil {
		return nil, PeerListNew
	}
	var peers []string
	if err := json.Unmarshal(data, &peers); err != nil {
		return nil, PeerListNew
	}
	return peers, PeerListOld
}

// writePeerList atomically persists peers as a JSON array.
func writePeerList(dir string, peers []string) error {
	if peers == nil {
		peers = []string{}
	}
	data, err := json.Marshal(peers)
	if err != nil {
		return errs.Wrap(errs.INTERNAL, err, "marshaling peer list")
	}
	path := peerListPath(dir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errs.Wrap(errs.FS, err, "writing peer list tmp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.FS, err, "installing peer list")
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
