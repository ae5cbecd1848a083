// Package server exposes rendered metrics over HTTP for Prometheus to
// scrape. A Server is created Unbound, becomes Bound on Start and returns
// to Unbound on Stop.
package server

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/canonical/chopsticks/errs"
	"github.com/canonical/chopsticks/storage"
)

const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 8090

	// DefaultStopBudget bounds graceful shutdown before connections are
	// closed forcibly.
	DefaultStopBudget = 5 * time.Second
)

// Renderer produces the exposition text served on /metrics.
type Renderer interface {
	Export() string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStopBudget overrides the graceful shutdown budget.
func WithStopBudget(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.stopBudget = d
		}
	}
}

// Server serves / and /metrics. Start and Stop may be called from any
// goroutine.
type Server struct {
	host       string
	port       int
	renderer   Renderer
	logger     *slog.Logger
	stopBudget time.Duration

	mu        sync.Mutex
	http      *http.Server
	addr      net.Addr
	serveDone chan struct{}
}

// New creates an unbound server. Port 0 asks the kernel for a free port.
func New(host string, port int, renderer Renderer, opts ...Option) *Server {
	s := &Server{
		host:       host,
		port:       port,
		renderer:   renderer,
		logger:     slog.Default(),
		stopBudget: DefaultStopBudget,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listener and serves on a background goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	address := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	if s.http != nil {
		return errs.Newf(errs.KindBind, "server.start", "already serving on %s", s.addr)
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errs.Wrap(errs.KindBind, "server.start", "listening on "+address, err)
	}

	srv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped unexpectedly", "error", err)
		}
	}()

	s.http = srv
	s.addr = listener.Addr()
	s.serveDone = done
	s.logger.Info("metrics server listening", "address", s.addr.String())
	return nil
}

// Stop shuts the server down, waiting for in-flight scrapes up to the stop
// budget, and returns once the port is released. Stopping an unbound
// server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.http, s.serveDone
	s.http, s.addr, s.serveDone = nil, nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.stopBudget)
	defer cancel()

	err := srv.Shutdown(ctx)
	if err != nil {
		s.logger.Warn("graceful shutdown exceeded budget, closing connections", "budget", s.stopBudget, "error", err)
		err = srv.Close()
	}
	<-done
	s.logger.Info("metrics server stopped")
	return err
}

// Addr returns the bound address, or nil while unbound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Port returns the bound TCP port, or the configured port while unbound.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tcp, ok := s.addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return s.port
}

// Bound reports whether the server is currently serving.
func (s *Server) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.http != nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

var indexPage = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>Chopsticks Metrics</title></head>
<body>
<h1>Chopsticks Metrics Server</h1>
<p>Serving on {{.}}</p>
<p><a href="/metrics">Metrics</a></p>
</body>
</html>
`))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if !allowGet(w, r) {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexPage.Execute(w, r.Host); err != nil {
		s.logger.Warn("writing index page", "error", err)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	body := storage.NoDataText
	if s.renderer != nil {
		body = s.renderer.Export()
	}
	w.Header().Set("Content-Type", storage.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := fmt.Fprint(w, body); err != nil {
		s.logger.Debug("writing metrics response", "error", err)
	}
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}
