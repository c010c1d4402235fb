// Package config loads miniftpd's process configuration from environment
// variables and command-line flags. Flags win over the environment, which
// wins over the built-in defaults.
package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	DefaultPort    = 21
	DefaultRootDir = "/tmp/ftproot"
)

// Config is the full set of knobs exposed by the miniftpd binary.
type Config struct {
	Port      int
	RootDir   string
	Anonymous bool

	// Administrator credential. AdminPasswordHash, when set, is a bcrypt
	// hash and takes precedence over AdminPassword.
	AdminUser         string
	AdminPassword     string
	AdminPasswordHash string

	PasvMinPort int
	PasvMaxPort int
	PublicHost  string

	IdleTimeout    time.Duration
	MaxConnections int

	// ShutdownTimeout bounds the orderly shutdown on SIGINT/SIGTERM.
	// Zero closes the listener and exits without waiting for sessions.
	ShutdownTimeout time.Duration

	LogLevel slog.Level
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Port:          DefaultPort,
		RootDir:       DefaultRootDir,
		AdminUser:     "admin",
		AdminPassword: "password",
		LogLevel:      slog.LevelInfo,
	}
}

// Addr returns the control listener address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Load builds a Config from getenv and args (without the program name).
// Usage and flag errors are written to output. flag.ErrHelp is returned
// unchanged when -h is given.
func Load(args []string, getenv func(string) string, output io.Writer) (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("miniftpd", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.IntVar(&cfg.Port, "p", cfg.Port, "Port to listen on")
	fs.StringVar(&cfg.RootDir, "d", cfg.RootDir, "Root directory for FTP server")
	fs.BoolVar(&cfg.Anonymous, "a", cfg.Anonymous, "Enable anonymous login")
	fs.StringVar(&cfg.AdminUser, "admin-user", cfg.AdminUser, "Administrator user name (empty disables it)")
	fs.StringVar(&cfg.AdminPassword, "admin-password", cfg.AdminPassword, "Administrator password")
	fs.StringVar(&cfg.AdminPasswordHash, "admin-password-hash", cfg.AdminPasswordHash, "Administrator bcrypt password hash")
	fs.IntVar(&cfg.PasvMinPort, "pasv-min", cfg.PasvMinPort, "Lowest passive data port (0 = any)")
	fs.IntVar(&cfg.PasvMaxPort, "pasv-max", cfg.PasvMaxPort, "Highest passive data port (0 = any)")
	fs.StringVar(&cfg.PublicHost, "public-host", cfg.PublicHost, "Address advertised in PASV replies")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Close sessions idle this long (0 = never)")
	fs.IntVar(&cfg.MaxConnections, "max-conns", cfg.MaxConnections, "Maximum simultaneous control connections (0 = unlimited)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Wait this long for sessions on shutdown (0 = exit immediately)")
	fs.TextVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var result *multierror.Error

	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	num("FTPD_PORT", &c.Port)
	str("FTPD_ROOT", &c.RootDir)
	if v := getenv("FTPD_ANONYMOUS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("FTPD_ANONYMOUS: %w", err))
		}
		c.Anonymous = b
	}
	str("FTPD_ADMIN_USER", &c.AdminUser)
	str("FTPD_ADMIN_PASSWORD", &c.AdminPassword)
	str("FTPD_ADMIN_PASSWORD_HASH", &c.AdminPasswordHash)
	num("FTPD_PASV_MIN_PORT", &c.PasvMinPort)
	num("FTPD_PASV_MAX_PORT", &c.PasvMaxPort)
	str("FTPD_PUBLIC_HOST", &c.PublicHost)
	dur("FTPD_IDLE_TIMEOUT", &c.IdleTimeout)
	num("FTPD_MAX_CONNS", &c.MaxConnections)
	dur("FTPD_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	if v := getenv("FTPD_LOG_LEVEL"); v != "" {
		if err := c.LogLevel.UnmarshalText([]byte(v)); err != nil {
			result = multierror.Append(result, fmt.Errorf("FTPD_LOG_LEVEL: %w", err))
		}
	}

	return result.ErrorOrNil()
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d (must be 0-65535)", c.Port)
	}
	if c.RootDir == "" {
		return fmt.Errorf("root directory must not be empty")
	}
	if c.PasvMinPort < 0 || c.PasvMaxPort > 65535 || c.PasvMinPort > c.PasvMaxPort ||
		(c.PasvMinPort == 0) != (c.PasvMaxPort == 0) {
		return fmt.Errorf("invalid passive port range [%d, %d]", c.PasvMinPort, c.PasvMaxPort)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max connections must not be negative")
	}
	if c.IdleTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}
