package ditm

import (
	"bufio"
	"bytes"
	"io"
	"os"

	"github.com/splintermail/ditm/internal/errs"
	"github.com/splintermail/ditm/internal/keytool"
)

const getBodyBufSize = 4096

// downloadOne implements the download pipeline for one upstream
// message (spec.md §4.7 "Download pipeline per UID").
func (s *Session) downloadOne(idx int, uid string) error {
	ok, msg, err := s.upstream.Retrieve(idx)
	if err != nil {
		return errs.Propagate(err, "downloadOne: RETR")
	}
	if !ok {
		return errs.New(errs.RESPONSE, "upstream rejected RETR %d: %s", idx, msg)
	}

	rawPath, rawFile, err := s.store.NewTmpFile()
	if err != nil {
		return errs.Propagate(err, "downloadOne: allocating raw tmp file")
	}
	defer os.Remove(rawPath)

	sentinel := []byte(keytool.EnvelopeSentinel)
	sniff := make([]byte, 0, len(sentinel))
	buf := make([]byte, getBodyBufSize)
	for {
		n, end, gerr := s.upstream.GetBody(buf)
		if gerr != nil {
			rawFile.Close()
			return errs.Propagate(gerr, "downloadOne: GetBody")
		}
		if len(sniff) < len(sentinel) {
			need := len(sentinel) - len(sniff)
			if need > n {
				need = n
			}
			sniff = append(sniff, buf[:need]...)
		}
		if n > 0 {
			if _, werr := rawFile.Write(buf[:n]); werr != nil {
				rawFile.Close()
				return errs.Wrap(errs.FS, werr, "downloadOne: writing raw tmp file")
			}
		}
		if end {
			break
		}
	}
	if err := rawFile.Close(); err != nil {
		return errs.Wrap(errs.FS, err, "downloadOne: closing raw tmp file")
	}

	if bytes.HasPrefix(sniff, sentinel) {
		return s.installEncrypted(rawPath, uid)
	}
	return s.installUnencrypted(rawPath, uid)
}

// installEncrypted decrypts rawPath and installs the result, handling
// the three outcomes of spec.md §4.7 step 4.
func (s *Session) installEncrypted(rawPath, uid string) error {
	raw, err := os.Open(rawPath)
	if err != nil {
		return errs.Wrap(errs.FS, err, "installEncrypted: reopening raw tmp file")
	}
	defer raw.Close()

	outPath, outFile, err := s.store.NewTmpFile()
	if err != nil {
		return errs.Propagate(err, "installEncrypted: allocating output tmp file")
	}

	outLen, derr := s.keytool.Decrypt(raw, outFile)
	outFile.Close()

	switch {
	case derr == nil:
		s.metrics.MessageDownloaded("decrypted")
		return s.store.Rename(outPath, uid, outLen)

	case errs.Is(derr, errs.NOT4ME):
		s.metrics.MessageDownloaded("not4me")
		os.Remove(outPath)
		s.ignore.Add(uid)
		return nil

	case errs.Is(derr, errs.PARAM):
		os.Remove(outPath)
		if _, serr := raw.Seek(0, io.SeekStart); serr != nil {
			return errs.Wrap(errs.FS, serr, "installEncrypted: rewinding raw file")
		}
		content, merr := mangleCorrupted(raw)
		if merr != nil {
			return errs.Propagate(merr, "installEncrypted: mangling corrupted message")
		}
		s.metrics.MessageDownloaded("corrupted")
		return s.writeAndInstall(content, uid)

	default:
		os.Remove(outPath)
		return errs.Propagate(derr, "installEncrypted: decrypt")
	}
}

// installUnencrypted mangles a plaintext message to flag it as
// unencrypted and installs it, per spec.md §4.7 step 5.
func (s *Session) installUnencrypted(rawPath, uid string) error {
	raw, err := os.Open(rawPath)
	if err != nil {
		return errs.Wrap(errs.FS, err, "installUnencrypted: reopening raw tmp file")
	}
	defer raw.Close()

	content, err := mangleUnencrypted(raw)
	if err != nil {
		return errs.Propagate(err, "installUnencrypted: mangling message")
	}
	s.keytool.SetFoundExpiredPeer()
	s.metrics.MessageDownloaded("unencrypted")
	return s.writeAndInstall(content, uid)
}

func (s *Session) writeAndInstall(content []byte, uid string) error {
	path, f, err := s.store.NewTmpFile()
	if err != nil {
		return errs.Propagate(err, "writeAndInstall: allocating tmp file")
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(path)
		return errs.Wrap(errs.FS, err, "writeAndInstall: writing tmp file")
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return errs.Wrap(errs.FS, err, "writeAndInstall: closing tmp file")
	}
	return s.store.Rename(path, uid, int64(len(content)))
}

// bufReader is a small helper so mangle.go's line-oriented header scan
// shares one buffered-reader construction point.
func bufReader(r io.Reader) *bufio.Reader { return bufio.NewReader(r) }
