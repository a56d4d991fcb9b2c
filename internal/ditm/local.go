package ditm

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/splintermail/ditm/internal/errs"
)

// injectLocal builds a plausible RFC-822 message and installs it as a
// new, user-deletable message under a freshly minted LOCAL- UID
// (spec.md §4.7 "Local-mail injection").
func (s *Session) injectLocal(subject, body string) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: DITM <ditm@%s>\r\n", s.hostname)
	fmt.Fprintf(&sb, "To: %s\r\n", s.username)
	fmt.Fprintf(&sb, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&sb, "Subject: %s\r\n", subject)
	sb.WriteString("\r\n")
	sb.WriteString(body)
	sb.WriteString("\r\n")

	uid, err := s.store.InstallLocal([]byte(sb.String()))
	if err != nil {
		return errs.Propagate(err, "injectLocal")
	}

	s.mu.Lock()
	s.deleted = append(s.deleted, false)
	s.mu.Unlock()

	_ = uid
	return nil
}

// ConfirmDeviceRegistration implements the original's interactive
// first-run device-registration prompt (spec.md §4.7.1, expanded from
// original_source/console_input.c): a bare newline answers "no",
// matching console_input_get_confirmation's default.
func ConfirmDeviceRegistration(r io.Reader, w io.Writer, peerCount int) (bool, error) {
	fmt.Fprintf(w, "This device is not yet registered with %d known peer(s).\n", peerCount)
	fmt.Fprint(w, "Register this device now? [y/N]: ")

	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return false, errs.Wrap(errs.IO, err, "ConfirmDeviceRegistration: reading answer")
		}
		return false, nil
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes", nil
}
