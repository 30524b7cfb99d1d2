package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/jmcleod/tokenlink/proxy/server"
	bboltstorage "github.com/jmcleod/tokenlink/storage/bbolt"
	"github.com/jmcleod/tokenlink/token"
	"github.com/jmcleod/tokenlink/token/pkcs11"
	"github.com/jmcleod/tokenlink/token/soft"
)

const tokenDBName = "tokens.db"

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the token proxy on the loopback interface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("listen", "", "address to listen on")
	cmd.Flags().String("tls-cert", "", "path to TLS certificate file")
	cmd.Flags().String("tls-key", "", "path to TLS key file")
	cmd.Flags().Bool("auto-approve", false, "approve sessions without an operator PIN")
	cmd.Flags().Duration("session-ttl", 0, "drop sessions idle for longer than this")
	cmd.Flags().String("audit-webhook", "", "URL that receives audit events")
	return cmd
}

// openRepository opens the software token database, creating the data
// directory if needed.
func openRepository(dataDir string) (*bboltstorage.Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(dataDir, tokenDBName), &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening token storage: %w", err)
	}
	return repo, nil
}

// attachTokens loads every configured token into a registry. PKCS#11 tokens
// that cannot be opened are logged and skipped.
func (a *app) attachTokens(repo *bboltstorage.Store) (*token.Registry, []server.Option, error) {
	softTokens, err := soft.OpenAll(repo)
	if err != nil {
		return nil, nil, fmt.Errorf("loading software tokens: %w", err)
	}
	reg := token.NewRegistry()
	for _, t := range softTokens {
		reg.Attach(t)
	}

	var opts []server.Option
	for id, pin := range a.cfg.Server.TokenPINs {
		opts = append(opts, server.WithTokenPIN(id, pin))
	}
	for _, hc := range a.cfg.Server.PKCS11 {
		t, err := pkcs11.New(pkcs11.Config{
			ID:         hc.ID,
			Name:       hc.Name,
			ModulePath: hc.Module,
			TokenLabel: hc.TokenLabel,
			SlotNumber: hc.Slot,
		})
		if err != nil {
			a.logger.Warn("skipping PKCS#11 token", slog.String("id", hc.ID), slog.Any("error", err))
			continue
		}
		reg.Attach(t)
		if hc.PIN != "" {
			opts = append(opts, server.WithTokenPIN(t.ID(), hc.PIN))
		}
	}
	return reg, opts, nil
}

func (a *app) serve(ctx context.Context) error {
	repo, err := openRepository(a.cfg.DataDir)
	if err != nil {
		return err
	}
	defer repo.Close()

	reg, opts, err := a.attachTokens(repo)
	if err != nil {
		return err
	}

	// Audit records are logged at info.
	logger := slog.New(slog.NewJSONHandler(a.errOut, &slog.HandlerOptions{Level: min(a.level, slog.LevelInfo)}))
	opts = append(opts,
		server.WithLogger(logger),
		server.WithVersion(Version),
		server.WithAutoApprove(a.cfg.Server.AutoApprove),
		server.WithAlertFunc(func(ev server.AlertEvent) {
			logger.Warn("security alert",
				slog.String("type", string(ev.Type)),
				slog.String("message", ev.Message),
				slog.Int("count", ev.Count))
		}))
	if url := a.cfg.Server.AuditWebhook; url != "" {
		opts = append(opts, server.WithAuditWebhook(url, a.cfg.Server.AuditWebhookHeader))
	}
	srv := server.New(reg, opts...)
	defer srv.Close()

	var tlsConfig *tls.Config
	cfg := a.cfg.Server
	if cfg.TLSCert != "" || cfg.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("loading TLS key pair: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	// No write timeout: session and token logins are long polls.
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner(a.errOut)
	fmt.Fprintf(a.errOut, "Listening on %s with %d token(s) (data: %s)\n", cfg.Listen, len(reg.List()), a.cfg.DataDir)
	if cfg.AutoApprove {
		fmt.Fprintln(a.errOut, "WARNING: sessions are approved automatically")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()
	for {
		select {
		case <-sweep.C:
			srv.Sweep(cfg.SessionTTL)
		case <-ctx.Done():
			fmt.Fprintln(a.errOut, "Shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				// Pending long polls keep connections active.
				if !errors.Is(err, context.DeadlineExceeded) {
					return fmt.Errorf("server shutdown failed: %w", err)
				}
				httpServer.Close()
			}
			return <-done
		case err := <-done:
			return err
		}
	}
}
