package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"
)

func fatalIfErr(t *testing.T, err error, format string, args ...interface{}) {
	t.Helper()
	if err != nil {
		t.Fatalf(format+": %v", append(args, err)...)
	}
}

// startTestServer serves on a loopback port until the test ends.
func startTestServer(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "listen")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithLogger(logger)}, opts...)
	s, err := NewServer(ln.Addr().String(), opts...)
	if err != nil {
		ln.Close()
		t.Fatalf("NewServer failed: %v", err)
	}

	go func() {
		if err := s.Serve(ln); err != nil && err != ErrServerClosed {
			t.Logf("Server stopped: %v", err)
		}
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, ln.Addr().String()
}

// testClient speaks the control protocol line by line.
type testClient struct {
	t    *testing.T
	conn net.Conn
	tp   *textproto.Conn
}

// dialTestClient connects and consumes the 220 greeting.
func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	c := dialRaw(t, addr)
	c.expect(220)
	return c
}

func dialRaw(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	fatalIfErr(t, err, "dial %s", addr)
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, tp: textproto.NewConn(conn)}
}

func (c *testClient) send(format string, args ...interface{}) {
	c.t.Helper()
	fatalIfErr(c.t, c.tp.PrintfLine(format, args...), "send %q", fmt.Sprintf(format, args...))
}

func (c *testClient) read() (int, string) {
	c.t.Helper()
	code, msg, err := c.tp.ReadResponse(0)
	fatalIfErr(c.t, err, "read response")
	return code, msg
}

// expect reads one reply and fails unless it carries code.
func (c *testClient) expect(code int) string {
	c.t.Helper()
	got, msg := c.read()
	if got != code {
		c.t.Fatalf("Expected %d, got %d %s", code, got, msg)
	}
	return msg
}

// cmd sends a command and returns the reply.
func (c *testClient) cmd(format string, args ...interface{}) (int, string) {
	c.t.Helper()
	c.send(format, args...)
	return c.read()
}

func (c *testClient) login(user, pass string) {
	c.t.Helper()
	c.send("USER %s", user)
	c.expect(331)
	c.send("PASS %s", pass)
	c.expect(230)
}

// pasv sends PASV and returns the advertised address.
func (c *testClient) pasv() string {
	c.t.Helper()
	c.send("PASV")
	msg := c.expect(227)
	return parsePASVReply(c.t, msg)
}

func parsePASVReply(t *testing.T, msg string) string {
	t.Helper()
	start := strings.Index(msg, "(")
	end := strings.Index(msg, ")")
	if start < 0 || end < start {
		t.Fatalf("Malformed PASV reply: %q", msg)
	}
	parts := strings.Split(msg[start+1:end], ",")
	if len(parts) != 6 {
		t.Fatalf("Malformed PASV address: %q", msg)
	}
	p1, _ := strconv.Atoi(parts[4])
	p2, _ := strconv.Atoi(parts[5])
	host := strings.Join(parts[:4], ".")
	return net.JoinHostPort(host, strconv.Itoa(p1*256+p2))
}

// readListing reads CRLF-terminated names until the server closes the data
// connection.
func readListing(t *testing.T, conn net.Conn) []string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	b, err := io.ReadAll(conn)
	fatalIfErr(t, err, "read listing")
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	if !strings.HasSuffix(s, "\r\n") {
		t.Fatalf("Listing not CRLF-terminated: %q", s)
	}
	return strings.Split(strings.TrimSuffix(s, "\r\n"), "\r\n")
}

// freePort returns a loopback port that nothing is listening on.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "listen")
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}
