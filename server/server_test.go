package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
	"golang.org/x/crypto/bcrypt"
)

func TestNewServer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    []Option
		wantErr bool
	}{
		{"missing root", nil, true},
		{"empty root", []Option{WithRootDir("")}, true},
		{"minimal", []Option{WithRootDir("/srv/ftp")}, false},
		{"inverted passive range", []Option{WithRootDir("/srv"), WithPassivePortRange(3000, 2000)}, true},
		{"passive range too high", []Option{WithRootDir("/srv"), WithPassivePortRange(60000, 70000)}, true},
		{"fixed passive port", []Option{WithRootDir("/srv"), WithPassivePortRange(2121, 2121)}, false},
		{"passive range without minimum", []Option{WithRootDir("/srv"), WithPassivePortRange(0, 3000)}, true},
		{"ephemeral passive ports", []Option{WithRootDir("/srv"), WithPassivePortRange(0, 0)}, false},
		{"negative max connections", []Option{WithRootDir("/srv"), WithMaxConnections(-1)}, true},
		{"nil authenticator", []Option{WithRootDir("/srv"), WithAuthenticator(nil)}, true},
		{"nil lister", []Option{WithRootDir("/srv"), WithLister(nil)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewServer(":0", tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewServer() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if _, err := NewServer(":0"); !errors.Is(err, ErrRootRequired) {
		t.Errorf("Expected ErrRootRequired, got %v", err)
	}
}

// TestServerIntegration drives the login and navigation scenario with a
// real FTP client.
func TestServerIntegration(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	auth, err := NewStaticAuthenticator("admin", "password", bcrypt.MinCost)
	fatalIfErr(t, err, "NewStaticAuthenticator")
	_, addr := startTestServer(t,
		WithRootDir(root),
		WithAnonymous(true),
		WithAuthenticator(auth),
	)

	for _, creds := range [][2]string{{"anonymous", "x"}, {"admin", "password"}} {
		c, err := ftp.Dial(addr, ftp.DialWithTimeout(5*time.Second))
		if err != nil {
			t.Fatalf("Failed to dial: %v", err)
		}

		if err := c.Login(creds[0], creds[1]); err != nil {
			t.Fatalf("Login %s failed: %v", creds[0], err)
		}

		pwd, err := c.CurrentDir()
		fatalIfErr(t, err, "CurrentDir")
		if pwd != root {
			t.Errorf("Expected %s, got %s", root, pwd)
		}

		fatalIfErr(t, c.ChangeDir("subdir"), "ChangeDir")
		pwd, err = c.CurrentDir()
		fatalIfErr(t, err, "CurrentDir")
		if want := filepath.Join(root, "subdir"); pwd != want {
			t.Errorf("Expected %s, got %s", want, pwd)
		}

		if err := c.Quit(); err != nil {
			t.Logf("Quit failed: %v", err)
		}
	}

	c, err := ftp.Dial(addr, ftp.DialWithTimeout(5*time.Second))
	fatalIfErr(t, err, "dial")
	defer c.Quit()
	if err := c.Login("admin", "wrong"); err == nil {
		t.Error("Expected login failure with wrong password")
	}
}

func TestListenAndServe(t *testing.T) {
	t.Parallel()
	s, err := NewServer("127.0.0.1:0",
		WithRootDir(t.TempDir()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	fatalIfErr(t, err, "NewServer")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ListenAndServe()
	}()

	var addr net.Addr
	deadline := time.Now().Add(2 * time.Second)
	for addr == nil {
		select {
		case err := <-errCh:
			t.Fatalf("ListenAndServe failed immediately: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("Server never started listening")
		}
		time.Sleep(10 * time.Millisecond)
		addr = s.Addr()
	}

	c := dialTestClient(t, addr.String())
	c.send("QUIT")
	c.expect(221)

	fatalIfErr(t, s.Close(), "Close")
	select {
	case err := <-errCh:
		if err != ErrServerClosed {
			t.Errorf("Expected ErrServerClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("ListenAndServe did not return after Close")
	}
}

func TestListenAndServeBindFailure(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "listen")
	defer ln.Close()

	s, err := NewServer(ln.Addr().String(),
		WithRootDir(t.TempDir()),
		WithReuseAddr(false),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	fatalIfErr(t, err, "NewServer")
	if err := s.ListenAndServe(); err == nil || err == ErrServerClosed {
		t.Errorf("Expected bind error, got %v", err)
	}
}

// TestServer_Close verifies that Close stops accepting but leaves running
// sessions alone.
func TestServer_Close(t *testing.T) {
	t.Parallel()
	s, addr := startTestServer(t, WithRootDir(t.TempDir()), WithAnonymous(true))

	c := dialTestClient(t, addr)
	c.login("anonymous", "x")

	fatalIfErr(t, s.Close(), "Close")

	if code, _ := c.cmd("PWD"); code != 257 {
		t.Errorf("Existing session should keep working, got %d", code)
	}

	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		conn.Close()
		t.Error("Expected new connections to be refused after Close")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "listen")
	if err := s.Serve(ln); err != ErrServerClosed {
		t.Errorf("Serve after Close: expected ErrServerClosed, got %v", err)
	}
}

// TestServer_Shutdown verifies that idle sessions are told to go away and
// Shutdown returns once they are gone.
func TestServer_Shutdown(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "listen")
	s, err := NewServer(ln.Addr().String(),
		WithRootDir(root),
		WithAnonymous(true),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	fatalIfErr(t, err, "NewServer")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(ln)
	}()

	idle := dialTestClient(t, ln.Addr().String())
	idle.login("anonymous", "x")
	fresh := dialTestClient(t, ln.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	select {
	case err := <-errCh:
		if err != ErrServerClosed {
			t.Errorf("Expected ErrServerClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Serve did not return after Shutdown")
	}

	for _, c := range []*testClient{idle, fresh} {
		c.expect(421)
		if _, err := c.tp.ReadLine(); err == nil {
			t.Error("Expected connection close after 421")
		}
	}

	if n := len(s.activeSessions()); n != 0 {
		t.Errorf("Expected no sessions after Shutdown, got %d", n)
	}
}

// TestServer_ShutdownWaitsForCommand verifies that a session in the middle
// of a LIST finishes it before being stopped.
func TestServer_ShutdownWaitsForCommand(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	makeTree(t, root, "entry")
	s, addr := startTestServer(t, WithRootDir(root), WithAnonymous(true))

	c := dialTestClient(t, addr)
	c.login("anonymous", "x")
	dataAddr := c.pasv()
	c.send("LIST")
	c.expect(150)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- s.Shutdown(ctx)
	}()

	// Let Shutdown start while the LIST waits for its data connection.
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Shutdown returned before the busy session finished: %v", err)
	default:
	}

	data, err := net.Dial("tcp", dataAddr)
	fatalIfErr(t, err, "dial data")
	defer data.Close()
	readListing(t, data)
	c.expect(226)
	c.expect(421)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Shutdown did not return after the session ended")
	}
}

// TestServer_ShutdownDeadline verifies forced close when ctx expires first.
func TestServer_ShutdownDeadline(t *testing.T) {
	t.Parallel()
	s, addr := startTestServer(t,
		WithRootDir(t.TempDir()),
		WithAnonymous(true),
		WithDataTimeout(3*time.Second),
	)

	c := dialTestClient(t, addr)
	c.login("anonymous", "x")
	c.pasv()
	c.send("LIST")
	c.expect(150)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := s.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected DeadlineExceeded, got %v", err)
	}

	// The control connection was closed under the session.
	for {
		if _, err := c.tp.ReadLine(); err != nil {
			break
		}
	}
}

// TestServer_ShutdownDeadlineReleasesPassiveAccept verifies that a forced
// close reaches a session blocked on its PASV listener even when data
// connections have no deadline.
func TestServer_ShutdownDeadlineReleasesPassiveAccept(t *testing.T) {
	t.Parallel()
	s, addr := startTestServer(t,
		WithRootDir(t.TempDir()),
		WithAnonymous(true),
		WithDataTimeout(0),
	)

	c := dialTestClient(t, addr)
	c.login("anonymous", "x")
	dataAddr := c.pasv()
	c.send("LIST")
	c.expect(150)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := s.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Shutdown took %v", elapsed)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(s.activeSessions()) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("Session still registered after forced close")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The passive listener went away with the session.
	if conn, err := net.DialTimeout("tcp", dataAddr, time.Second); err == nil {
		conn.Close()
		t.Error("Passive listener still accepting after forced close")
	}
}

func TestMaxConnections(t *testing.T) {
	t.Parallel()
	_, addr := startTestServer(t, WithRootDir(t.TempDir()), WithMaxConnections(1))

	first := dialTestClient(t, addr)

	second := dialRaw(t, addr)
	_ = second.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := second.tp.ReadLine(); err == nil {
		t.Fatal("Second connection was served while the first was active")
	}

	first.send("QUIT")
	first.expect(221)

	_ = second.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	second.expect(220)
}
