package server

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/splintermail/ditm/internal/config"
)

func TestListenerAcceptsAndHandles(t *testing.T) {
	done := make(chan struct{})
	handler := func(ctx context.Context, conn *Connection) {
		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			t.Errorf("reading command: %v", err)
			close(done)
			return
		}
		if line != "PING\r\n" {
			t.Errorf("line = %q, want PING", line)
		}
		conn.Writer().WriteString("+OK\r\n")
		conn.Flush()
		close(done)
	}

	l := NewListener(ListenerConfig{
		Address: "127.0.0.1:0",
		Mode:    config.ModePop3,
		Handler: handler,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start on a fixed port via a pre-bound listener would be cleaner,
	// but net.Listen(":0") inside Start assigns the port; dial by
	// polling Address() after a short wait instead.
	go l.Start(ctx)

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", l.Address())
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("PING\r\n"))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if reply != "+OK\r\n" {
		t.Fatalf("reply = %q, want +OK", reply)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never completed")
	}
}

func TestConnectionIdleAndCommandTimeoutsAreSettable(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	cfg := ListenerConfig{
		CommandTimeout: 50 * time.Millisecond,
		IdleTimeout:    100 * time.Millisecond,
	}
	conn := newConnection(server, cfg)
	defer conn.Close()

	if conn.IsTLS() {
		t.Error("IsTLS() on a plain net.Pipe connection = true, want false")
	}
	if err := conn.SetCommandTimeout(); err != nil {
		t.Errorf("SetCommandTimeout: %v", err)
	}
	if err := conn.ResetIdleTimeout(); err != nil {
		t.Errorf("ResetIdleTimeout: %v", err)
	}
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	conn := newConnection(server, ListenerConfig{})
	if conn.IsClosed() {
		t.Fatal("IsClosed() = true before Close")
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if !conn.IsClosed() {
		t.Fatal("IsClosed() = false after Close")
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
