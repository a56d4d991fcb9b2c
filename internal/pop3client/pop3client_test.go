package pop3client

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/splintermail/ditm/internal/errs"
)

// fakeUpstream returns a Client wired to one end of a net.Pipe and the
// other end wrapped for line-oriented scripting from the test.
func fakeUpstream(t *testing.T) (*Client, net.Conn, *bufio.Reader) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close(); serverSide.Close() })
	return New(clientSide), serverSide, bufio.NewReader(serverSide)
}

func TestUsernamePasswordPassThroughErr(t *testing.T) {
	c, srv, srvRd := fakeUpstream(t)

	go func() {
		srv.Write([]byte("+OK\r\n"))
	}()
	ok, _, err := c.Username("alice")
	if err != nil {
		t.Fatalf("Username: %v", err)
	}
	if !ok {
		t.Fatal("Username ok = false, want true")
	}
	line, _ := srvRd.ReadString('\n')
	if strings.TrimSpace(line) != "USER alice" {
		t.Fatalf("server saw %q, want USER alice", line)
	}

	go func() {
		srv.Write([]byte("-ERR invalid password\r\n"))
	}()
	ok, msg, err := c.Password("wrong")
	if err != nil {
		t.Fatalf("Password: %v", err)
	}
	if ok {
		t.Fatal("Password ok = true, want false (faithful -ERR propagation)")
	}
	if msg != "invalid password" {
		t.Fatalf("Password message = %q", msg)
	}
}

func TestUIDLParsesListing(t *testing.T) {
	c, srv, _ := fakeUpstream(t)

	go func() {
		srv.Write([]byte("+OK\r\n1 aaa\r\n2 bbb\r\n.\r\n"))
	}()

	if err := c.UIDL(); err != nil {
		t.Fatalf("UIDL: %v", err)
	}
	if got := c.UIDs(); len(got) != 2 || got[0] != "aaa" || got[1] != "bbb" {
		t.Fatalf("UIDs = %v", got)
	}
	if got := c.Indexes(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("Indexes = %v", got)
	}
}

func TestRetrieveAndGetBodyUnstuffsDots(t *testing.T) {
	c, srv, _ := fakeUpstream(t)

	go func() {
		srv.Write([]byte("+OK message follows\r\n"))
		srv.Write([]byte("Subject: hi\r\n\r\n..leading dot line\r\nbody\r\n.\r\n"))
	}()

	ok, _, err := c.Retrieve(1)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !ok {
		t.Fatal("Retrieve ok = false")
	}

	var out []byte
	buf := make([]byte, 16)
	for {
		n, end, err := c.GetBody(buf)
		if err != nil {
			t.Fatalf("GetBody: %v", err)
		}
		out = append(out, buf[:n]...)
		if end {
			break
		}
	}
	want := "Subject: hi\r\n\r\n.leading dot line\r\nbody\r\n"
	if string(out) != want {
		t.Fatalf("GetBody output = %q, want %q", out, want)
	}
}

func TestRetrieveErrDoesNotArmDecoder(t *testing.T) {
	c, srv, _ := fakeUpstream(t)

	go func() {
		srv.Write([]byte("-ERR no such message\r\n"))
	}()

	ok, _, err := c.Retrieve(99)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if ok {
		t.Fatal("Retrieve ok = true, want false")
	}

	_, _, err = c.GetBody(make([]byte, 16))
	if errs.KindOf(err) != errs.INTERNAL {
		t.Fatalf("KindOf(err) = %v, want INTERNAL", errs.KindOf(err))
	}
}

func TestDeleteResetQuit(t *testing.T) {
	c, srv, srvRd := fakeUpstream(t)

	go func() {
		srv.Write([]byte("+OK deleted\r\n"))
		srv.Write([]byte("+OK\r\n"))
		srv.Write([]byte("+OK bye\r\n"))
	}()

	if ok, _, err := c.Delete(1); err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}
	if ok, _, err := c.Reset(); err != nil || !ok {
		t.Fatalf("Reset: ok=%v err=%v", ok, err)
	}
	updateOK, err := c.Quit()
	if err != nil || !updateOK {
		t.Fatalf("Quit: ok=%v err=%v", updateOK, err)
	}

	lines := []string{}
	for i := 0; i < 3; i++ {
		l, _ := srvRd.ReadString('\n')
		lines = append(lines, strings.TrimSpace(l))
	}
	want := []string{"DELE 1", "RSET", "QUIT"}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("command %d = %q, want %q", i, lines[i], want[i])
		}
	}
}
