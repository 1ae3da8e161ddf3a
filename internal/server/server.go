// Package server exposes the gauge registry over HTTP at GET /metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	logx "speedtest-exporter/pkg/logx"
)

const MetricsPath = "/metrics"

// Config controls the HTTP listener.
type Config struct {
	// Addr is host:port. An empty host binds all interfaces.
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	gatherer prometheus.Gatherer
	handler  http.Handler

	ln  net.Listener
	srv *http.Server

	// scrapeLog throttles per-request debug lines.
	scrapeLog *rate.Limiter
}

func New(cfg Config, g prometheus.Gatherer, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	s := &Server{
		cfg:       cfg,
		log:       log,
		gatherer:  g,
		scrapeLog: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the router. Only GET (and HEAD) on /metrics is served; the
// mux answers 404 for other paths and 405 for other methods.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	metrics := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorLog:      promLogger{log: s.log},
		ErrorHandling: promhttp.HTTPErrorOnError,
	})

	mux := http.NewServeMux()
	mux.Handle("GET "+MetricsPath, s.logScrape(metrics))
	return mux
}

func (s *Server) logScrape(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.log.Enabled(logx.LevelDebug) && s.scrapeLog.Allow() {
			s.log.Debug("metrics scraped",
				logx.String("remote", r.RemoteAddr),
				logx.String("user_agent", r.UserAgent()),
				logx.Duration("took", time.Since(start)),
			)
		}
	})
}

// promLogger routes promhttp's gather and encode errors to the error log.
type promLogger struct{ log logx.Logger }

func (l promLogger) Println(v ...any) {
	l.log.Error("metrics render failed", logx.String("err", strings.TrimSpace(fmt.Sprintln(v...))))
}

// Listen binds the configured address. A bind failure is returned as is.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// Serve blocks serving requests until Shutdown is called or ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln, srv := s.ln, s.srv
	s.mu.Unlock()
	if ln == nil || srv == nil {
		return errors.New("server: Serve called before Listen")
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			// Keep this bounded; Shutdown(ctx) does the real graceful drain.
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(cctx)
			cancel()
		case <-stop:
		}
	}()

	s.log.Info("metrics server started",
		logx.String("addr", ln.Addr().String()),
		logx.String("hint", fmt.Sprintf("http://%s%s", ln.Addr().String(), MetricsPath)),
	)
	err := srv.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests until
// ctx expires, then closes what is left.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln, srv := s.ln, s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	start := time.Now()
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	// Serve may never have run.
	_ = ln.Close()
	s.log.Info("metrics server stopped", logx.Duration("took", time.Since(start)))
	return err
}
