package ditm

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/splintermail/ditm/internal/errs"
)

// mangleCorrupted implements the corrupted-message mangler (spec.md
// §4.7 step 4 "PARAM (corrupt)"): prepend an explanatory header block
// to the raw, undecryptable bytes so the user at least sees that a
// message arrived.
func mangleCorrupted(in io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(in)
	if err != nil {
		return nil, errs.Wrap(errs.FS, err, "mangleCorrupted: reading raw message")
	}
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

// mangleUnencrypted implements the unencrypted-message mangler
// (spec.md §4.7 step 5): insert "NOT ENCRYPTED:" into the Subject
// header, synthesizing one if absent.
func mangleUnencrypted(in io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(bufReader(in))
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
