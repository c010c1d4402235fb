package server

import (
	"bufio"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// commandHandler is one entry of the dispatch table. Handlers send their own
// replies and return an error only when the control channel has failed (or
// errQuit after QUIT).
type commandHandler struct {
	fn func(*session, string) error

	// public commands are accepted before login.
	public bool
}

// commandHandlers maps verbs to handlers. Any verb not listed here gets 502
// once logged in, and 530 before.
var commandHandlers = map[string]commandHandler{
	// Access control
	"USER": {fn: (*session).handleUSER, public: true},
	"PASS": {fn: (*session).handlePASS, public: true},
	"QUIT": {fn: (*session).handleQUIT, public: true},

	// Navigation
	"PWD": {fn: (*session).handlePWD},
	"CWD": {fn: (*session).handleCWD},

	// Transfer parameters
	"TYPE": {fn: (*session).handleTYPE},
	"PASV": {fn: (*session).handlePASV},
	"PORT": {fn: (*session).handlePORT},

	// Listing
	"LIST": {fn: (*session).handleLIST},
}

// dispatch applies login gating and runs the handler for verb.
func (s *session) dispatch(verb, arg string) error {
	if verb == "" {
		return s.reply(502, "Command not recognized.")
	}

	cmd, ok := commandHandlers[verb]
	if !s.isLoggedIn && (!ok || !cmd.public) {
		return s.reply(530, "Not logged in.")
	}
	if !ok {
		return s.reply(502, "Command not implemented.")
	}
	return cmd.fn(s, arg)
}

func (s *session) handleUSER(user string) error {
	s.user = user
	return s.reply(331, "User name okay, need password.")
}

func (s *session) handlePASS(pass string) error {
	ok := s.server.auth.Verify(s.user, pass)

	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordAuthentication(ok, s.user)
	}

	if !ok {
		// Security audit: failed authentication
		s.server.logger.Warn("authentication_failed",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"user", s.user,
		)
		return s.reply(530, "Login incorrect.")
	}

	s.isLoggedIn = true
	s.server.logger.Info("authentication_success",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user,
	)
	return s.reply(230, "User logged in, proceed.")
}

func (s *session) handleQUIT(_ string) error {
	_ = s.reply(221, "Goodbye.")
	return errQuit
}

func (s *session) handlePWD(_ string) error {
	return s.reply(257, `"`+s.workDir+`"`)
}

// handleCWD changes the working directory without checking that it exists.
// An absolute path replaces the working directory; a relative one is appended
// to it. Neither is cleaned, so PWD echoes exactly what the client sent.
func (s *session) handleCWD(dir string) error {
	switch {
	case dir == "":
	case filepath.IsAbs(dir):
		s.workDir = dir
	case strings.HasSuffix(s.workDir, string(filepath.Separator)):
		s.workDir += dir
	default:
		s.workDir += string(filepath.Separator) + dir
	}
	return s.reply(250, "Directory changed.")
}

// handleTYPE accepts any representation type. Listings are always sent as
// CRLF-terminated text, so the type only affects the reply.
func (s *session) handleTYPE(arg string) error {
	if fields := strings.Fields(arg); len(fields) > 0 {
		s.transferType = strings.ToUpper(fields[0])
	}
	return s.reply(200, fmt.Sprintf("Type set to %s.", s.transferType))
}

func (s *session) handlePASV(_ string) error {
	s.closePassiveListener()

	ln, err := s.listenPassive()
	if err != nil {
		s.server.logger.Warn("passive_listen_failed",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"error", err,
		)
		return s.reply(425, "Can't open passive connection.")
	}

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	s.data.mode = modePassive
	s.data.pasvList = ln
	s.data.passivePort = port

	return s.reply(227, fmt.Sprintf("Entering Passive Mode (%s).", encodeHostPort(s.passiveIP(), port)))
}

// handlePORT sets the active-mode target from "h1,h2,h3,h4,p1,p2".
func (s *session) handlePORT(arg string) error {
	ip, port, err := decodeHostPort(arg)
	if err != nil {
		return s.reply(501, "Syntax error in parameters or arguments.")
	}

	if !s.validateActiveIP(ip) {
		s.server.logger.Warn("port_rejected",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"target", ip.String(),
		)
		return s.reply(500, "Illegal PORT command.")
	}

	s.closePassiveListener()
	s.data.mode = modeActive
	s.data.activeAddr = net.JoinHostPort(ip.String(), strconv.Itoa(port))

	return s.reply(200, "PORT command successful.")
}

// handleLIST sends the names in the working directory over the data channel.
// The argument is ignored.
//
// Reply sequence: 150, then 226 on success, 425 if the data channel cannot be
// opened, or 451 if the directory cannot be read or the listing cannot be
// written. The data channel is closed before the final reply.
func (s *session) handleLIST(_ string) error {
	if err := s.reply(150, "File status okay; about to open data connection."); err != nil {
		return err
	}

	conn, err := s.openData()
	if err != nil {
		s.server.logger.Warn("data_connection_failed",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"user", s.user,
			"mode", s.data.mode.String(),
			"error", err,
		)
		return s.reply(425, "Can't open data connection.")
	}

	start := time.Now()
	names, err := s.server.lister.List(s.workDir)
	if err != nil {
		s.closeData()
		s.recordListing(0, false, time.Since(start))
		s.server.logger.Warn("list_failed",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"user", s.user,
			"dir", s.workDir,
			"error", err,
		)
		return s.reply(451, "Error reading directory.")
	}

	w := bufio.NewWriter(conn)
	for _, name := range names {
		if _, err = w.WriteString(name + "\r\n"); err != nil {
			break
		}
	}
	if err == nil {
		err = w.Flush()
	}
	s.closeData()
	duration := time.Since(start)

	if err != nil {
		s.recordListing(0, false, duration)
		s.server.logger.Warn("list_write_failed",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"user", s.user,
			"error", err,
		)
		return s.reply(451, "Error writing directory listing.")
	}

	s.recordListing(len(names), true, duration)
	s.server.logger.Info("list_complete",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user,
		"dir", s.workDir,
		"entries", len(names),
		"duration_ms", duration.Milliseconds(),
	)
	return s.reply(226, "Directory send OK.")
}

func (s *session) recordListing(entries int, ok bool, d time.Duration) {
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordListing(entries, ok, d)
	}
}
