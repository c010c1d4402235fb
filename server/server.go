package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/net/netutil"
)

// Server is the FTP server.
//
// It listens for control connections and runs one session goroutine per
// client. Sessions share no mutable state with each other.
//
// Lifecycle:
//  1. Create the server with NewServer()
//  2. Start it with ListenAndServe() or Serve()
//  3. Stop it with Close() (abrupt) or Shutdown() (orderly)
//
// Basic example:
//
//	s, err := server.NewServer(":21",
//	    server.WithRootDir("/srv/ftp"),
//	    server.WithAnonymous(true),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
type Server struct {
	// addr is the TCP address to listen on (e.g., ":21").
	addr string

	// rootDir is the initial working directory of every session.
	rootDir string

	// anonymous enables the "anonymous" user.
	anonymous bool

	// auth verifies PASS credentials. Wrapped for anonymous access by NewServer.
	auth Authenticator

	// lister enumerates directories for LIST.
	lister Lister

	logger *slog.Logger

	// welcomeMessage is the text of the 220 greeting.
	welcomeMessage string

	// Passive mode settings.
	publicHost      string
	pasvMinPort     int
	pasvMaxPort     int
	nextPassivePort atomic.Int32

	idleTimeout time.Duration
	dataTimeout time.Duration

	maxConnections int
	reuseAddr      bool

	metricsCollector MetricsCollector

	// Shutdown handling
	mu         sync.Mutex
	listener   net.Listener
	sessions   map[*session]struct{}
	sessionWG  sync.WaitGroup
	inShutdown atomic.Bool
}

// ErrServerClosed is returned by Serve and ListenAndServe after a call to
// Shutdown or Close.
var ErrServerClosed = errors.New("ftp: Server closed")

// ErrRootRequired is returned by NewServer when no root directory is set.
var ErrRootRequired = errors.New("root directory is required (use WithRootDir option)")

// NewServer creates a new FTP server with the given address and options.
// The address should be in the form ":port" or "host:port".
// The root directory must be provided via the WithRootDir option.
//
// Default values:
//   - Logger: slog.Default()
//   - Authentication: anonymous only, and only with WithAnonymous(true)
//   - Lister: FSLister
//   - DataTimeout: 10 seconds
//   - IdleTimeout: none
//   - MaxConnections: 0 (unlimited)
//
// With an administrator account:
//
//	auth, _ := server.NewStaticAuthenticator("admin", "secret", bcrypt.DefaultCost)
//	s, _ := server.NewServer(":21",
//	    server.WithRootDir("/srv/ftp"),
//	    server.WithAnonymous(true),
//	    server.WithAuthenticator(auth),
//	)
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:           addr,
		logger:         slog.Default(),
		lister:         FSLister{},
		welcomeMessage: "Welcome to Simple FTP Server",
		dataTimeout:    10 * time.Second,
		reuseAddr:      true,
		sessions:       make(map[*session]struct{}),
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.rootDir == "" {
		return nil, ErrRootRequired
	}

	if s.anonymous {
		s.auth = WithAnonymousAccess(s.auth)
	} else if s.auth == nil {
		s.auth = denyAll{}
	}

	return s, nil
}

// ListenAndServe listens on the configured address and calls Serve.
// It blocks until the server stops or an error occurs.
func (s *Server) ListenAndServe() error {
	lc := net.ListenConfig{}
	if s.reuseAddr {
		lc.Control = reuseAddrControl
	}

	ln, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("ftp_server_listening",
		"addr", ln.Addr().String(),
		"root", s.rootDir,
		"anonymous", s.anonymous,
	)
	return s.Serve(ln)
}

// Serve accepts control connections on l and starts a session for each one.
// It blocks until the listener fails or the server is closed, and always
// closes l before returning.
func (s *Server) Serve(l net.Listener) error {
	if s.maxConnections > 0 {
		l = netutil.LimitListener(l, s.maxConnections)
	}

	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.listener == l {
			s.listener = nil
		}
		s.mu.Unlock()
		l.Close()
	}()

	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.logger.Warn("accept error", "error", err, "retry_in", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		backoff = 0

		s.handleConnection(conn)
	}
}

// Addr returns the address the server is listening on, or nil when it is not
// serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleConnection registers a session for conn and starts its goroutine.
// It never waits for the session itself.
func (s *Server) handleConnection(conn net.Conn) {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		conn.Close()
		s.recordConnection(false, "shutdown")
		return
	}
	sess := newSession(s, conn)
	s.sessions[sess] = struct{}{}
	s.sessionWG.Add(1)
	s.mu.Unlock()

	s.recordConnection(true, "accepted")

	go func() {
		defer s.sessionWG.Done()
		defer s.removeSession(sess)
		sess.serve()
	}()
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

func (s *Server) activeSessions() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Collect(maps.Keys(s.sessions))
}

func (s *Server) recordConnection(accepted bool, reason string) {
	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(accepted, reason)
	}
}

// closeListener marks the server as shutting down and closes its listener.
func (s *Server) closeListener() error {
	s.mu.Lock()
	s.inShutdown.Store(true)
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Close stops accepting new control connections and returns immediately.
//
// Sessions already running are left alone; they end on their own or when the
// process exits. Use Shutdown to wait for them.
func (s *Server) Close() error {
	return s.closeListener()
}

// Shutdown stops the server in an orderly way.
//
// It closes the listener, then asks every session to stop: sessions waiting
// for a command are closed right away, and a session in the middle of a
// command finishes it first. Shutdown waits for all sessions to end or for
// ctx to expire, in which case the remaining control connections are closed
// forcibly and ctx's error is included in the result.
func (s *Server) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	if err := s.closeListener(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("failed to close listener: %w", err))
	}

	for _, sess := range s.activeSessions() {
		sess.stop()
	}

	done := make(chan struct{})
	go func() {
		s.sessionWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
		for _, sess := range s.activeSessions() {
			if err := sess.forceClose(); err != nil && !errors.Is(err, net.ErrClosed) {
				result = multierror.Append(result, fmt.Errorf("session %s: %w", sess.sessionID, err))
			}
		}
	}

	return result.ErrorOrNil()
}
