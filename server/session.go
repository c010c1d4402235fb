package server

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// MaxCommandLength is the maximum length of a command line.
const MaxCommandLength = 4096

var (
	// errQuit ends the session loop after QUIT has been answered.
	errQuit = errors.New("client quit")

	errLineTooLong = errors.New("command too long")
)

// session represents one FTP client, from accept to close.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	// Session tracking
	sessionID string
	remoteIP  string

	// ctx is cancelled when the server asks the session to stop.
	ctx    context.Context
	cancel context.CancelFunc

	// abortCtx is cancelled when the session is torn down without waiting
	// for the current command. It closes any data listener or connection.
	abortCtx context.Context
	abort    context.CancelFunc

	// mu orders the busy flag and read deadline against stop().
	mu   sync.Mutex
	busy bool

	// State
	isLoggedIn   bool
	user         string
	workDir      string
	transferType string
	data         dataChannel

	// lastCode is the most recent reply code, reported to metrics.
	lastCode int
}

// generateSessionID generates a unique 8-character session ID.
func generateSessionID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%08x", b)
}

func newSession(server *Server, conn net.Conn) *session {
	remoteAddr := conn.RemoteAddr().String()
	remoteIP, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		remoteIP = remoteAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	abortCtx, abort := context.WithCancel(context.Background())

	return &session{
		server:       server,
		conn:         conn,
		reader:       bufio.NewReader(newTelnetReader(conn)),
		writer:       bufio.NewWriter(conn),
		sessionID:    generateSessionID(),
		remoteIP:     remoteIP,
		ctx:          ctx,
		cancel:       cancel,
		abortCtx:     abortCtx,
		abort:        abort,
		workDir:      server.rootDir,
		transferType: "I",
	}
}

// serve runs the session loop: greet, then read one line at a time and
// dispatch it until QUIT, a control-channel error, or a stop request.
//
// Everything here runs on the session's own goroutine, so session state needs
// no locking. The only cross-goroutine interaction is stop(), which may be
// called by Server.Shutdown at any time; mu and busy make sure a session
// waiting for input is woken while one executing a command is allowed to
// finish it.
func (s *session) serve() {
	defer s.close()

	s.server.logger.Info("session_started",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
	)

	if err := s.reply(220, s.server.welcomeMessage); err != nil {
		return
	}

	for {
		if !s.awaitCommand() {
			return
		}

		line, err := s.readCommand()
		if err != nil {
			s.handleReadError(err)
			return
		}

		s.mu.Lock()
		s.busy = true
		s.mu.Unlock()

		if err := s.handleCommand(line); err != nil {
			if !errors.Is(err, errQuit) {
				s.server.logger.Debug("control write failed",
					"session_id", s.sessionID,
					"remote_ip", s.remoteIP,
					"error", err,
				)
			}
			return
		}
	}
}

// awaitCommand arms the read deadline and marks the session idle.
// It returns false if the session has been asked to stop.
func (s *session) awaitCommand() bool {
	s.mu.Lock()
	if s.server.idleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.server.idleTimeout))
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	s.busy = false
	s.mu.Unlock()

	if s.ctx.Err() != nil {
		_ = s.reply(421, "Service shutting down, closing control connection.")
		return false
	}
	return true
}

// stop asks the session to end. An idle session is woken out of its read;
// a busy one notices after the current command.
func (s *session) stop() {
	s.cancel()

	s.mu.Lock()
	if !s.busy {
		_ = s.conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()
}

// forceClose ends the session even if it is in the middle of a command:
// the control connection is closed and a pending data accept, dial or write
// is interrupted.
func (s *session) forceClose() error {
	s.cancel()
	s.abort()
	return s.conn.Close()
}

func (s *session) handleReadError(err error) {
	var ne net.Error
	switch {
	case errors.Is(err, errLineTooLong):
		_ = s.reply(500, "Command line too long.")
	case s.ctx.Err() != nil:
		_ = s.reply(421, "Service shutting down, closing control connection.")
	case errors.As(err, &ne) && ne.Timeout():
		s.server.logger.Info("session_idle_timeout",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"user", s.user,
		)
		_ = s.reply(421, "Idle timeout, closing control connection.")
	case errors.Is(err, io.EOF):
	default:
		s.server.logger.Warn("read error",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"user", s.user,
			"error", err,
		)
	}
}

// readCommand reads one line, without its terminator, up to MaxCommandLength
// bytes.
func (s *session) readCommand() (string, error) {
	var line []byte
	for {
		b, err := s.reader.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			return strings.TrimRight(string(line), "\r\n"), nil
		}
		if len(line) >= MaxCommandLength {
			return "", errLineTooLong
		}
		line = append(line, b)
	}
}

// handleCommand parses and dispatches one line. A non-nil error ends the
// session.
func (s *session) handleCommand(line string) error {
	verb, arg := parseCommand(line)

	logArg := arg
	if verb == "PASS" {
		logArg = "***"
	}
	s.server.logger.Debug("command received",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user,
		"cmd", verb,
		"arg", logArg,
	)

	start := time.Now()
	err := s.dispatch(verb, arg)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordCommand(verb, s.lastCode, time.Since(start))
	}
	return err
}

// reply sends "<code> <text>\r\n" on the control channel in a single flush.
// An error means the peer is gone and the session must end.
func (s *session) reply(code int, text string) error {
	s.lastCode = code
	if _, err := fmt.Fprintf(s.writer, "%d %s\r\n", code, text); err != nil {
		return err
	}
	return s.writer.Flush()
}

// close releases both channels. It runs exactly once, when serve returns.
func (s *session) close() {
	s.cancel()
	s.abort()
	s.closeData()
	s.closePassiveListener()
	s.conn.Close()

	s.server.logger.Info("session_closed",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user,
	)
}
