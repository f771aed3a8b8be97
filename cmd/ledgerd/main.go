// Command ledgerd serves the agent ledger HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/R3E-Network/agentledger/internal/config"
	"github.com/R3E-Network/agentledger/internal/httpapi"
	"github.com/R3E-Network/agentledger/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	envFile := flag.String("env-file", ".env", "path to .env file (ignored when missing)")
	issue := flag.String("issue-token", "", "print a bearer token for subject:role and exit")
	ttl := flag.Duration("token-ttl", 24*time.Hour, "lifetime of tokens printed by -issue-token")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging).Component("ledgerd")

	if *issue != "" {
		token, err := issueToken(cfg, *issue, *ttl)
		if err != nil {
			log.WithError(err).Fatal("issue token")
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("ledgerd stopped")
	}
}

func issueToken(cfg config.Config, arg string, ttl time.Duration) (string, error) {
	subject, role, ok := strings.Cut(arg, ":")
	if !ok {
		return "", fmt.Errorf("-issue-token wants subject:role, got %q", arg)
	}
	auth, err := httpapi.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, nil)
	if err != nil {
		return "", err
	}
	return auth.Issue(subject, httpapi.Role(role), ttl)
}

func run(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close(log)

	if err := a.trail.Start(); err != nil {
		return err
	}
	go a.limiter.Run(ctx, time.Minute)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      a.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).
			WithField("driver", cfg.Database.Driver).
			Info("ledgerd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.trail.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if n := a.trail.Backlog(); n > 0 {
		log.WithField("entries", n).Warn("audit backlog not persisted at shutdown")
	}
	return errors.Join(errs...)
}
