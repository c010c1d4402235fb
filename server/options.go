package server

import (
	"fmt"
	"log/slog"
	"time"
)

// Option is a functional option for configuring an FTP server.
type Option func(*Server) error

// WithRootDir sets the directory every session starts in.
// This option is required.
//
// The directory is not validated here; creating it is the caller's job.
func WithRootDir(dir string) Option {
	return func(s *Server) error {
		if dir == "" {
			return fmt.Errorf("root directory must not be empty")
		}
		s.rootDir = dir
		return nil
	}
}

// WithAnonymous enables or disables anonymous login. When enabled, the user
// "anonymous" is accepted with any password before the configured
// Authenticator is consulted.
func WithAnonymous(enabled bool) Option {
	return func(s *Server) error {
		s.anonymous = enabled
		return nil
	}
}

// WithAuthenticator sets the credential check used by PASS.
// If not specified, only anonymous login (when enabled) succeeds.
//
// Example:
//
//	auth, _ := server.NewStaticAuthenticator("admin", "secret", bcrypt.DefaultCost)
//	s, _ := server.NewServer(":21",
//	    server.WithRootDir("/srv/ftp"),
//	    server.WithAuthenticator(auth),
//	)
func WithAuthenticator(auth Authenticator) Option {
	return func(s *Server) error {
		if auth == nil {
			return fmt.Errorf("authenticator must not be nil")
		}
		s.auth = auth
		return nil
	}
}

// WithLister sets the backend used by LIST. Defaults to FSLister.
func WithLister(l Lister) Option {
	return func(s *Server) error {
		if l == nil {
			return fmt.Errorf("lister must not be nil")
		}
		s.lister = l
		return nil
	}
}

// WithLogger sets a custom logger for the server.
// If not specified, slog.Default() is used.
//
// Example with debug logging:
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	s, _ := server.NewServer(":21",
//	    server.WithRootDir("/srv/ftp"),
//	    server.WithLogger(logger),
//	)
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithWelcomeMessage sets the text of the 220 greeting.
func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		s.welcomeMessage = msg
		return nil
	}
}

// WithPassivePortRange restricts PASV listeners to ports in [min, max].
// Setting min == max pins every passive listener to one port, in which case
// only one session at a time can hold it. Zero for both lets the OS choose;
// a zero bound on only one side is an error.
func WithPassivePortRange(min, max int) Option {
	return func(s *Server) error {
		if min < 0 || max > 65535 || min > max || (min == 0) != (max == 0) {
			return fmt.Errorf("invalid passive port range [%d, %d]", min, max)
		}
		s.pasvMinPort = min
		s.pasvMaxPort = max
		return nil
	}
}

// WithPublicHost sets the address advertised in PASV replies.
// A host name is resolved to its first IPv4 address.
// If empty, the control connection's local address is used.
func WithPublicHost(host string) Option {
	return func(s *Server) error {
		s.publicHost = host
		return nil
	}
}

// WithIdleTimeout closes a session that sends no command for d.
// Zero, the default, waits forever.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.idleTimeout = d
		return nil
	}
}

// WithDataTimeout bounds how long the server waits for a data connection to
// be accepted or dialed, and each listing write. Defaults to 10 seconds;
// zero disables the deadline.
func WithDataTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.dataTimeout = d
		return nil
	}
}

// WithMaxConnections caps the number of simultaneous control connections.
// Connections beyond the cap wait in the listen backlog until a session ends.
// If 0, there is no limit. This is the default.
func WithMaxConnections(max int) Option {
	return func(s *Server) error {
		if max < 0 {
			return fmt.Errorf("max connections must not be negative")
		}
		s.maxConnections = max
		return nil
	}
}

// WithReuseAddr sets SO_REUSEADDR on the control listener created by
// ListenAndServe, so a restarted server can rebind while old connections
// linger in TIME_WAIT. Enabled by default.
func WithReuseAddr(enabled bool) Option {
	return func(s *Server) error {
		s.reuseAddr = enabled
		return nil
	}
}

// WithMetricsCollector sets an optional metrics collector.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(s *Server) error {
		s.metricsCollector = mc
		return nil
	}
}
