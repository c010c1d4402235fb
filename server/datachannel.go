package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// transferMode selects who opens the data connection.
type transferMode int

const (
	// modeActive: the server dials the client (PORT target, or the RFC 959
	// default of the client's control address).
	modeActive transferMode = iota
	// modePassive: the client connects to the listener advertised by PASV.
	modePassive
)

func (m transferMode) String() string {
	if m == modePassive {
		return "passive"
	}
	return "active"
}

// dataChannel is the per-session data connection state.
type dataChannel struct {
	mode transferMode

	// Passive mode
	pasvList    net.Listener
	passivePort int

	// Active mode target from PORT; empty means the default data port.
	activeAddr string

	// conn is open only for the duration of one LIST.
	conn net.Conn

	// releaseConn detaches conn from the session's abort context.
	releaseConn func() bool
}

var errNoPassiveListener = errors.New("no passive listener (send PASV first)")

// openData establishes the data connection for the current transfer mode.
// Any connection left from a previous transfer is closed first.
func (s *session) openData() (net.Conn, error) {
	s.closeData()

	var (
		conn net.Conn
		err  error
	)
	if s.data.mode == modePassive {
		conn, err = s.acceptPassive()
	} else {
		conn, err = s.dialActive()
	}
	if err != nil {
		return nil, err
	}

	if s.server.dataTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.server.dataTimeout))
	}
	s.data.conn = conn
	s.data.releaseConn = context.AfterFunc(s.abortCtx, func() { conn.Close() })
	return conn, nil
}

// closeData closes the data connection if one is open. Safe to call twice.
func (s *session) closeData() {
	if s.data.conn != nil {
		s.data.releaseConn()
		s.data.conn.Close()
		s.data.conn = nil
		s.data.releaseConn = nil
	}
}

func (s *session) closePassiveListener() {
	if s.data.pasvList != nil {
		s.data.pasvList.Close()
		s.data.pasvList = nil
	}
}

// acceptPassive waits for the client on the PASV listener. The listener is
// single-use: it is closed once a connection arrives or the wait fails.
func (s *session) acceptPassive() (net.Conn, error) {
	ln := s.data.pasvList
	if ln == nil {
		return nil, errNoPassiveListener
	}
	defer s.closePassiveListener()

	// A forced close must not leave the session parked in Accept.
	stop := context.AfterFunc(s.abortCtx, func() { ln.Close() })
	defer stop()

	s.server.logger.Debug("waiting for passive connection",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"port", s.data.passivePort,
	)
	if t, ok := ln.(*net.TCPListener); ok && s.server.dataTimeout > 0 {
		_ = t.SetDeadline(time.Now().Add(s.server.dataTimeout))
	}
	return ln.Accept()
}

// dialActive connects to the PORT target, or to the client's control address
// when no PORT was given. A PORT target is used for one transfer only.
func (s *session) dialActive() (net.Conn, error) {
	addr := s.data.activeAddr
	if addr == "" {
		addr = s.conn.RemoteAddr().String()
	}
	s.data.activeAddr = ""

	s.server.logger.Debug("dialing active connection",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"addr", addr,
	)
	d := net.Dialer{Timeout: s.server.dataTimeout}
	return d.DialContext(s.abortCtx, "tcp", addr)
}

// listenPassive opens a listener in the configured port range, starting at a
// round-robin offset so concurrent sessions spread over the range.
func (s *session) listenPassive() (net.Listener, error) {
	minPort, maxPort := s.server.pasvMinPort, s.server.pasvMaxPort
	if maxPort == 0 {
		return net.Listen("tcp", ":0")
	}

	rangeLen := int32(maxPort - minPort + 1)
	startOffset := s.server.nextPassivePort.Add(1)

	for i := int32(0); i < rangeLen; i++ {
		offset := (startOffset + i) % rangeLen
		port := minPort + int(offset)

		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, nil
		}
	}
	return nil, fmt.Errorf("no available ports in range [%d, %d]", minPort, maxPort)
}

// passiveIP picks the IPv4 address advertised by PASV: the public host if
// configured, else the control connection's local address, else loopback.
func (s *session) passiveIP() net.IP {
	host := s.server.publicHost
	if host == "" {
		host, _, _ = net.SplitHostPort(s.conn.LocalAddr().String())
	}

	ip := net.ParseIP(host)
	if ip == nil && host != "" {
		if ips, err := net.LookupIP(host); err == nil {
			for _, candidate := range ips {
				if candidate.To4() != nil {
					ip = candidate
					break
				}
			}
		}
	}

	if v4 := ip.To4(); v4 != nil && !v4.IsUnspecified() {
		return v4
	}
	return net.IPv4(127, 0, 0, 1).To4()
}

// validateActiveIP ensures the data connection target matches the control
// connection source. This prevents FTP bounce attacks.
func (s *session) validateActiveIP(ip net.IP) bool {
	remoteIP := net.ParseIP(s.remoteIP)
	if remoteIP == nil {
		return false
	}
	return ip.Equal(remoteIP)
}

// encodeHostPort formats ip and port as "h1,h2,h3,h4,p1,p2".
func encodeHostPort(ip net.IP, port int) string {
	v4 := ip.To4()
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", v4[0], v4[1], v4[2], v4[3], port>>8, port&0xFF)
}

// decodeHostPort parses "h1,h2,h3,h4,p1,p2".
func decodeHostPort(arg string) (net.IP, int, error) {
	parts := strings.Split(strings.TrimSpace(arg), ",")
	if len(parts) != 6 {
		return nil, 0, fmt.Errorf("expected 6 fields, got %d", len(parts))
	}

	var b [6]byte
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			return nil, 0, fmt.Errorf("invalid field %q", p)
		}
		b[i] = byte(n)
	}

	ip := net.IPv4(b[0], b[1], b[2], b[3])
	port := int(b[4])<<8 | int(b[5])
	if port == 0 {
		return nil, 0, fmt.Errorf("port must not be zero")
	}
	return ip, port, nil
}
