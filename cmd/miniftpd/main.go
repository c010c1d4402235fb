// Command miniftpd runs a minimal FTP server that lists a local directory
// tree. Run with -h for the available flags; every flag can also be set
// through an FTPD_* environment variable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/crypto/bcrypt"

	"github.com/gonzalop/miniftpd/internal/config"
	"github.com/gonzalop/miniftpd/server"
)

func main() {
	os.Exit(run(os.Args[1:], os.Getenv, os.Stdout, os.Stderr))
}

func run(args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(args, getenv, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "miniftpd: %v\n", err)
		return 2
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := ensureRootDir(cfg.RootDir, logger); err != nil {
		logger.Error("root_dir_failed", "root", cfg.RootDir, "error", err)
		return 1
	}

	auth, err := buildAuthenticator(cfg)
	if err != nil {
		logger.Error("authenticator_failed", "error", err)
		return 1
	}

	opts := []server.Option{
		server.WithRootDir(cfg.RootDir),
		server.WithAnonymous(cfg.Anonymous),
		server.WithLogger(logger),
		server.WithPassivePortRange(cfg.PasvMinPort, cfg.PasvMaxPort),
		server.WithPublicHost(cfg.PublicHost),
		server.WithIdleTimeout(cfg.IdleTimeout),
		server.WithMaxConnections(cfg.MaxConnections),
	}
	if auth != nil {
		opts = append(opts, server.WithAuthenticator(auth))
	}

	srv, err := server.NewServer(cfg.Addr(), opts...)
	if err != nil {
		logger.Error("server_config_failed", "error", err)
		return 1
	}

	printBanner(stdout, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		logger.Error("ftp_server_failed", "error", err)
		return 1
	case <-ctx.Done():
	}

	logger.Info("shutdown_requested", "timeout", cfg.ShutdownTimeout)
	if err := stopServer(srv, cfg); err != nil {
		logger.Warn("shutdown_incomplete", "error", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, server.ErrServerClosed) {
		logger.Error("ftp_server_failed", "error", err)
		return 1
	}
	return 0
}

// stopServer closes the listener, and with a shutdown timeout also waits for
// the running sessions.
func stopServer(srv *server.Server, cfg *config.Config) error {
	if cfg.ShutdownTimeout <= 0 {
		return srv.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// ensureRootDir creates the root directory if it does not exist yet.
func ensureRootDir(dir string, logger *slog.Logger) error {
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("%s is not a directory", dir)
	case err == nil:
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return err
	}

	logger.Info("creating_root_dir", "root", dir)
	return os.MkdirAll(dir, 0755)
}

// buildAuthenticator returns the administrator credential check, or nil when
// no administrator is configured.
func buildAuthenticator(cfg *config.Config) (server.Authenticator, error) {
	if cfg.AdminUser == "" {
		return nil, nil
	}

	var (
		auth *server.StaticAuthenticator
		err  error
	)
	if cfg.AdminPasswordHash != "" {
		auth, err = server.NewStaticAuthenticatorFromHash(cfg.AdminUser, []byte(cfg.AdminPasswordHash))
	} else {
		auth, err = server.NewStaticAuthenticator(cfg.AdminUser, cfg.AdminPassword, bcrypt.DefaultCost)
	}
	if err != nil {
		return nil, err
	}
	return auth, nil
}

func printBanner(w io.Writer, cfg *config.Config) {
	title := color.New(color.FgCyan, color.Bold)
	info := color.New(color.FgWhite)
	warn := color.New(color.FgYellow)

	title.Fprintf(w, "Starting FTP server on port %d\n", cfg.Port)
	info.Fprintf(w, "Root directory: %s\n", cfg.RootDir)
	if cfg.Anonymous {
		warn.Fprintln(w, "Anonymous login enabled")
	}
	if cfg.AdminUser != "" {
		info.Fprintf(w, "Administrator account: %s\n", cfg.AdminUser)
	}
}
