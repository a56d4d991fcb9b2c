package imapclient

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
)

// fakeUpstream returns a Client wired to one end of a net.Pipe and the
// other end wrapped for line-oriented scripting from the test.
func fakeUpstream(t *testing.T) (*Client, net.Conn, *bufio.Reader) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close(); serverSide.Close() })
	return New(clientSide), serverSide, bufio.NewReader(serverSide)
}

func TestLoginSendsTaggedCommand(t *testing.T) {
	c, srv, srvRd := fakeUpstream(t)

	go func() {
		line, _ := srvRd.ReadString('\n')
		if !strings.Contains(line, `LOGIN "alice" "s3cret"`) {
			t.Errorf("server saw %q, want a LOGIN command", line)
		}
		srv.Write([]byte("maildir_up1 OK LOGIN completed\r\n"))
	}()

	if err := c.Login("alice", "s3cret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestLoginPropagatesFailure(t *testing.T) {
	c, srv, _ := fakeUpstream(t)

	go func() {
		srv.Write([]byte("maildir_up1 NO invalid credentials\r\n"))
	}()

	if err := c.Login("alice", "wrong"); err == nil {
		t.Fatal("Login: want error on NO response")
	}
}

func TestSelectParsesQresyncAttrs(t *testing.T) {
	c, srv, srvRd := fakeUpstream(t)

	go func() {
		line, _ := srvRd.ReadString('\n')
		if !strings.Contains(line, "QRESYNC") {
			t.Errorf("server saw %q, want QRESYNC SELECT", line)
		}
		srv.Write([]byte("* OK [UIDVALIDITY 42] UIDs valid\r\n"))
		srv.Write([]byte("* OK [HIGHESTMODSEQ 100] highest\r\n"))
		srv.Write([]byte("* OK [UIDNEXT 55] next\r\n"))
		srv.Write([]byte("maildir_up1 OK [READ-WRITE] SELECT completed\r\n"))
	}()

	res, err := c.Select("INBOX", 42, 90)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.UIDValidity != 42 || res.HighestModSeq != 100 || res.UIDNext != 55 || !res.HaveCondstore {
		t.Fatalf("Select result = %+v", res)
	}
}

func TestSelectWithoutKnownStateOmitsQresync(t *testing.T) {
	c, srv, srvRd := fakeUpstream(t)

	go func() {
		line, _ := srvRd.ReadString('\n')
		if strings.Contains(line, "QRESYNC") {
			t.Errorf("server saw %q, want plain SELECT", line)
		}
		srv.Write([]byte("* OK [UIDVALIDITY 7] UIDs valid\r\n"))
		srv.Write([]byte("maildir_up1 OK SELECT completed\r\n"))
	}()

	res, err := c.Select("INBOX", 0, 0)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.UIDValidity != 7 || res.HaveCondstore {
		t.Fatalf("Select result = %+v", res)
	}
}

func TestUIDSearchAllParsesSearchLine(t *testing.T) {
	c, srv, _ := fakeUpstream(t)

	go func() {
		srv.Write([]byte("* SEARCH 1 2 3\r\n"))
		srv.Write([]byte("maildir_up1 OK SEARCH completed\r\n"))
	}()

	uids, err := c.UIDSearchAll()
	if err != nil {
		t.Fatalf("UIDSearchAll: %v", err)
	}
	if len(uids) != 3 || uids[0] != "1" || uids[2] != "3" {
		t.Fatalf("UIDSearchAll = %v", uids)
	}
}

func TestUIDFetchParsesLiteralAndMetadata(t *testing.T) {
	c, srv, _ := fakeUpstream(t)

	body := "Subject: hi\r\n\r\nhello\r\n"
	go func() {
		srv.Write([]byte("* 1 FETCH (UID 9 FLAGS (\\Seen) INTERNALDATE \"01-Jan-2024 00:00:00 +0000\" MODSEQ (5) RFC822 {" +
			strconv.Itoa(len(body)) + "}\r\n"))
		srv.Write([]byte(body))
		srv.Write([]byte(")\r\n"))
		srv.Write([]byte("maildir_up1 OK FETCH completed\r\n"))
	}()

	msgs, err := c.UIDFetch([]string{"9"})
	if err != nil {
		t.Fatalf("UIDFetch: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("UIDFetch returned %d messages, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.UID != "9" || !msg.Flags.Seen || msg.ModSeq != 5 || !msg.HasContent {
		t.Fatalf("UIDFetch message = %+v", msg)
	}
	if string(msg.Content) != body {
		t.Fatalf("UIDFetch content = %q, want %q", msg.Content, body)
	}
}
