package ditm

import (
	"context"
	"crypto/tls"
	"log/slog"

	"github.com/splintermail/ditm/internal/config"
	"github.com/splintermail/ditm/internal/logging"
	"github.com/splintermail/ditm/internal/metrics"
	"github.com/splintermail/ditm/internal/pop3client"
	"github.com/splintermail/ditm/internal/popserver"
	"github.com/splintermail/ditm/internal/server"
)

// Server wraps internal/server.Server, supplying the DITM connection
// handler that dials upstream and drives internal/popserver against a
// fresh Session for every accepted connection.
type Server struct {
	cfg       *config.Config
	srv       *server.Server
	logger    *slog.Logger
	metrics   metrics.Collector
	tlsConfig *tls.Config
}

// Config configures a new Server.
type Config struct {
	Cfg       *config.Config
	TLSConfig *tls.Config
	Logger    *slog.Logger
	Metrics   metrics.Collector
}

// New builds a Server ready to Run.
func New(sc Config) (*Server, error) {
	logger := sc.Logger
	if logger == nil {
		logger = logging.NewLogger(sc.Cfg.LogLevel)
	}
	collector := sc.Metrics
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	underlying, err := server.New(server.Config{Cfg: sc.Cfg, TLSConfig: sc.TLSConfig, Logger: logger})
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: sc.Cfg, srv: underlying, logger: logger, metrics: collector, tlsConfig: sc.TLSConfig}
	underlying.SetHandler(s.handleConnection)
	return s, nil
}

// Run starts all configured listeners and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.srv.Run(ctx)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() { s.srv.Shutdown() }

// handleConnection implements spec.md §4.7's connect sequence: dial
// upstream, greet the MUA accordingly, then hand off to popserver.
func (s *Server) handleConnection(ctx context.Context, conn *server.Connection) {
	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()
	if conn.IsTLS() {
		s.metrics.TLSConnectionEstablished()
	}

	upstream, ok, _, err := pop3client.Connect(ctx, s.cfg.Upstream.Host, s.cfg.Upstream.Port)
	if err != nil || !ok {
		conn.Writer().WriteString("+OK error connecting to remote server\r\n")
		conn.Flush()
		return
	}
	defer upstream.Close()

	if _, err := conn.Writer().WriteString("+OK DITM ready.\r\n"); err != nil {
		return
	}
	if err := conn.Flush(); err != nil {
		return
	}

	session := New(s.cfg, upstream, s.metrics)
	if err := popserver.Serve(ctx, conn, session, s.tlsConfig); err != nil {
		s.logger.Debug("session ended", slog.String("error", err.Error()))
	}
}
