package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/splintermail/ditm/internal/config"
)

// ConnectionHandler processes a single accepted connection. It is
// called in its own goroutine and must return when the connection
// should be closed.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// ListenerConfig configures a single Listener.
type ListenerConfig struct {
	Address        string
	Mode           config.ListenerMode
	TLSConfig      *tls.Config
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	LogTransaction bool
	Logger         *slog.Logger
	Handler        ConnectionHandler
	Limiter        *ConnectionLimiter
}

// Listener accepts connections on one address and hands each off to a
// ConnectionHandler, enforcing idle/command timeouts and an optional
// connection limit.
type Listener struct {
	cfg ListenerConfig

	mu sync.Mutex
	ln net.Listener
}

// NewListener creates a Listener from cfg. The underlying socket is not
// opened until Start is called.
func NewListener(cfg ListenerConfig) *Listener {
	return &Listener{cfg: cfg}
}

// Address returns the configured listen address.
func (l *Listener) Address() string {
	return l.cfg.Address
}

// Start opens the listening socket and accepts connections until ctx is
// cancelled or the listener is closed.
func (l *Listener) Start(ctx context.Context) error {
	var ln net.Listener
	var err error
	if l.cfg.TLSConfig != nil && l.cfg.Mode == config.ModePop3s {
		ln, err = tls.Listen("tcp", l.cfg.Address, l.cfg.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", l.cfg.Address)
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return context.Canceled
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		if l.cfg.Limiter != nil && !l.cfg.Limiter.TryAcquire() {
			raw.Close()
			continue
		}

		conn := newConnection(raw, l.cfg)
		go func() {
			if l.cfg.Limiter != nil {
				defer l.cfg.Limiter.Release()
			}
			defer conn.Close()
			l.cfg.Handler(ctx, conn)
		}()
	}
}

// Close stops accepting new connections. Connections already in
// progress are left running.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	err := l.ln.Close()
	l.ln = nil
	return err
}
