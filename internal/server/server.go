// SPDX-License-Identifier: MPL-2.0

package server

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aicalamba/aicalamba/internal/calendar"
	"github.com/aicalamba/aicalamba/internal/screenshot"
)

const (
	// DefaultAddr is used when Config.Addr is empty.
	DefaultAddr = "0.0.0.0:3000"
	// DefaultBodyLimit is large enough for phone photos.
	DefaultBodyLimit int64 = 10_000_000
	// DefaultStartupTimeout bounds binding the listener.
	DefaultStartupTimeout = 10 * time.Second
	// DefaultShutdownTimeout bounds draining in-flight requests.
	DefaultShutdownTimeout = 10 * time.Second

	msgInternalError = "Internal server error"
	msgBadImage      = "Failed to read image file"
	msgNoImage       = "No image available"
	msgTooLarge      = "Request body too large"
)

//go:embed index.html
var indexHTML []byte

var (
	// ErrNoExtractor is returned by New without an Extractor.
	ErrNoExtractor = errors.New("server needs an extractor")
	// ErrNoFetcher is returned when a URL arrives and no screenshot
	// service is configured.
	ErrNoFetcher = errors.New("screenshot service is not configured")
)

type (
	// Extractor turns an event description into iCalendar text.
	Extractor interface {
		Extract(ctx context.Context, in calendar.Input) (string, error)
	}

	// Config configures a Server.
	Config struct {
		// Addr is the listen address (host:port).
		Addr string
		// BodyLimit caps request bodies in bytes.
		BodyLimit int64
		// StartupTimeout bounds Start.
		StartupTimeout time.Duration
		// ShutdownTimeout bounds Stop.
		ShutdownTimeout time.Duration
	}

	// Server is the HTTP front end. A Server is single-use: once stopped
	// or failed, create a new one.
	Server struct {
		lifecycle

		cfg       Config
		extractor Extractor
		fetcher   screenshot.Fetcher
		images    *ImageStore
		metrics   *Metrics
		logger    *log.Logger
		router    chi.Router

		srvMu    sync.Mutex
		srv      *http.Server
		listener net.Listener
		addr     string
	}

	// Option configures a Server.
	Option func(*Server)
)

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Addr:            DefaultAddr,
		BodyLimit:       DefaultBodyLimit,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// WithFetcher enables screenshots of URLs posted to /text.
func WithFetcher(f screenshot.Fetcher) Option {
	return func(s *Server) {
		s.fetcher = f
	}
}

// WithMetrics uses m instead of a fresh Metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a Server. It does not listen until Start.
func New(cfg Config, extractor Extractor, opts ...Option) (*Server, error) {
	if extractor == nil {
		return nil, ErrNoExtractor
	}
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = def.BodyLimit
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = def.StartupTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	s := &Server{
		lifecycle: newLifecycle(),
		cfg:       cfg,
		extractor: extractor,
		images:    &ImageStore{},
		logger:    log.NewWithOptions(os.Stderr, log.Options{Prefix: "server"}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the router, for serving without the lifecycle.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Images returns the last-screenshot slot.
func (s *Server) Images() *ImageStore {
	return s.images
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.countRequests)
	r.Use(s.logRequests)

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/image/last", s.handleLastImage)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequestSize(s.cfg.BodyLimit))
		r.Post("/text", s.handleText)
		r.Post("/image", s.handleImage)
	})
	return r
}

// Start binds the listener and returns once the server accepts requests.
// Serving errors after that arrive on Err.
func (s *Server) Start(ctx context.Context) error {
	if err := s.toStarting(ctx); err != nil {
		return err
	}

	startupCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancel()

	var lc net.ListenConfig
	listener, err := lc.Listen(startupCtx, "tcp", s.cfg.Addr)
	if err != nil {
		s.toFailed(fmt.Errorf("listen on %s: %w", s.cfg.Addr, err))
		return s.LastError()
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          s.logger.StandardLog(log.StandardLogOptions{ForceLevel: log.WarnLevel}),
	}

	s.srvMu.Lock()
	if s.State() != StateStarting {
		s.srvMu.Unlock()
		_ = listener.Close()
		return fmt.Errorf("server %s during startup", s.State())
	}
	s.srv = srv
	s.listener = listener
	s.addr = listener.Addr().String()
	s.wg.Add(1)
	s.srvMu.Unlock()

	go s.serve(srv, listener)

	select {
	case <-s.startedCh:
		s.logger.Info("listening", "addr", s.Address())
		return nil
	case <-startupCtx.Done():
		_ = listener.Close()
		if s.State() != StateStarting {
			return fmt.Errorf("server %s during startup", s.State())
		}
		s.toFailed(fmt.Errorf("startup timeout: %w", startupCtx.Err()))
		return s.LastError()
	}
}

func (s *Server) serve(srv *http.Server, listener net.Listener) {
	defer s.wg.Done()

	s.toRunning()
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		s.toFailed(fmt.Errorf("serve: %w", err))
	}
}

// Stop drains in-flight requests and stops the server. Calling it again,
// or before Start, is a no-op.
func (s *Server) Stop() error {
	if !s.toStopping() {
		s.wg.Wait()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.srvMu.Lock()
	srv := s.srv
	s.srvMu.Unlock()

	var err error
	if srv != nil {
		if err = srv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown", "err", err)
			_ = srv.Close()
		}
	}
	s.wg.Wait()
	s.toStopped()
	s.logger.Info("stopped")
	return err
}

// Address returns the bound address, or "" before the server is running.
func (s *Server) Address() string {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	return s.addr
}

// Wait blocks until the serving goroutine exits and returns the failure,
// if any.
func (s *Server) Wait() error {
	s.wg.Wait()
	if s.State() == StateFailed {
		return s.LastError()
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "bytes", ww.BytesWritten(), "took", time.Since(start))
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		if tooLarge(err) {
			http.Error(w, msgTooLarge, http.StatusRequestEntityTooLarge)
			return
		}
		s.internalError(w, fmt.Errorf("parse form: %w", err))
		return
	}
	text := strings.TrimSpace(r.PostForm.Get("text"))

	if page, ok := PageURL(text); ok {
		s.logger.Debug("text input is a URL", "url", page.String())
		ical, err := s.extractURL(r.Context(), page)
		if err != nil {
			s.internalError(w, err)
			return
		}
		writeICal(w, ical)
		return
	}

	s.logger.Debug("text input is raw text")
	started := time.Now()
	ical, err := s.extractor.Extract(r.Context(), calendar.Text(text))
	s.metrics.observeExtraction("text", started, err)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeICal(w, ical)
}

// extractURL screenshots page, remembers the image and extracts from it.
func (s *Server) extractURL(ctx context.Context, page *url.URL) (string, error) {
	if s.fetcher == nil {
		return "", ErrNoFetcher
	}
	img, err := s.fetcher.Fetch(ctx, page)
	s.metrics.observeScreenshot(err)
	if err != nil {
		return "", fmt.Errorf("screenshot %s: %w", page, err)
	}
	s.images.Set(img)

	started := time.Now()
	ical, err := s.extractor.Extract(ctx, calendar.Image(img))
	s.metrics.observeExtraction("url", started, err)
	return ical, err
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	// An upload over the body limit is a failed read like any other.
	img, err := firstPart(r)
	if err != nil {
		s.logger.Error("failed to read image file", "err", err, "too_large", tooLarge(err))
		http.Error(w, msgBadImage, http.StatusBadRequest)
		return
	}

	started := time.Now()
	ical, err := s.extractor.Extract(r.Context(), calendar.Image(img))
	s.metrics.observeExtraction("image", started, err)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeICal(w, ical)
}

func (s *Server) handleLastImage(w http.ResponseWriter, _ *http.Request) {
	img, ok := s.images.Last()
	if !ok {
		http.Error(w, msgNoImage, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(img)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error("server ran into an error", "err", err)
	http.Error(w, msgInternalError, http.StatusInternalServerError)
}

// firstPart reads the bytes of the first part of a multipart body.
func firstPart(r *http.Request) ([]byte, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	part, err := mr.NextPart()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("no parts in multipart body")
		}
		return nil, err
	}
	defer part.Close()
	return io.ReadAll(part)
}

// PageURL reports whether text is a single absolute http(s) URL.
func PageURL(text string) (*url.URL, bool) {
	if text == "" || strings.ContainsAny(text, " \t\r\n") {
		return nil, false
	}
	u, err := url.Parse(text)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	return u, true
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func writeICal(w http.ResponseWriter, ical string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, ical)
}
