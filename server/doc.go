// Package server implements a minimal FTP server.
//
// # Overview
//
// The server understands just enough of RFC 959 for a client to log in,
// move around a directory tree and list it:
//
//	USER PASS QUIT          access control
//	PWD CWD                 navigation
//	TYPE PASV PORT          transfer parameters
//	LIST                    directory listing (one name per line)
//
// Any other verb is answered with 502 once logged in, or 530 before login.
// Every reply is a single line of the form "<code> <text>\r\n".
//
// # Getting Started
//
//	package main
//
//	import (
//	    "log"
//	    "github.com/gonzalop/miniftpd/server"
//	)
//
//	func main() {
//	    s, err := server.NewServer(":2121",
//	        server.WithRootDir("/tmp/ftproot"),
//	        server.WithAnonymous(true),
//	    )
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    log.Fatal(s.ListenAndServe())
//	}
//
// # Authentication
//
// PASS is checked by an Authenticator. With WithAnonymous(true) the user
// "anonymous" is accepted with any password; every other user goes to the
// Authenticator given with WithAuthenticator. Without either, nobody can log
// in.
//
// StaticAuthenticator checks a single user against a bcrypt hash:
//
//	auth, err := server.NewStaticAuthenticator("admin", "secret", bcrypt.DefaultCost)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	s, _ := server.NewServer(":21",
//	    server.WithRootDir("/srv/ftp"),
//	    server.WithAuthenticator(auth),
//	)
//
// # Working Directory
//
// Each session starts in the root directory. CWD does not check that the
// target exists and does not confine the session to the root: an absolute
// argument replaces the working directory and a relative one is appended to it
// without cleaning, so "CWD a/../b" reads back from PWD as "<dir>/a/../b".
// A LIST of a directory that cannot be read fails with 451.
//
// # Data Connections
//
// LIST sends its output over a separate data connection. After PASV the
// server listens on a fresh port and the client connects to it; the listener
// accepts one connection and is then closed. After PORT, or if neither was
// given, the server connects to the client. PORT targets must match the
// control connection's address.
//
// When behind NAT, advertise the public address and a fixed port range:
//
//	s, _ := server.NewServer(":21",
//	    server.WithRootDir("/srv/ftp"),
//	    server.WithPublicHost("ftp.example.com"),
//	    server.WithPassivePortRange(30000, 30100),
//	)
//
// # Stopping
//
// Close stops accepting connections and returns at once. Shutdown also asks
// every session to finish: idle sessions get 421 and are closed, a session in
// the middle of a LIST completes it first.
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	if err := s.Shutdown(ctx); err != nil {
//	    log.Printf("shutdown: %v", err)
//	}
package server
