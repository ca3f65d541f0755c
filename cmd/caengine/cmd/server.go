package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/pkisouverain/caengine/api"
	"github.com/pkisouverain/caengine/internal/config"
	"github.com/pkisouverain/caengine/internal/util"
	"github.com/pkisouverain/caengine/pki"
)

var (
	listenAddr string
	tlsCert    string
	tlsKey     string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the CA admin server",
	Long: `Serves the admin HTTP API under /api/v1, publishes the CRL and the
active CA certificate, and rotates the CRL on the configured schedule.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr = listenAddr
		}
		if tlsCert != "" {
			cfg.Server.TLSCert = tlsCert
		}
		if tlsKey != "" {
			cfg.Server.TLSKey = tlsKey
		}

		metrics, err := pki.NewMetrics(nil)
		if err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		in, err := openEngine(cmd.Context(), cfg, metrics)
		if err != nil {
			return err
		}
		defer in.Close()

		a, err := newAPI(cfg.Server, in)
		if err != nil {
			return err
		}
		defer a.Close()

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		tlsConfig, selfSigned, err := serverTLSConfig(cfg.Server)
		if err != nil {
			return err
		}
		if selfSigned {
			fmt.Println("Using self-signed runtime generated certificate for TLS")
		}

		server := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		ctx, stop := context.WithCancel(cmd.Context())

		var wg sync.WaitGroup
		scheduler := pki.NewCRLScheduler(in.engine, cfg.Schedule())
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.Run(ctx)
		}()

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		fmt.Printf("Starting server on %s (storage: %s)...\n", cfg.Server.Addr, cfg.Storage.Driver)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		// The scheduler stops before the engine's storage is closed.
		defer wg.Wait()
		defer stop()

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&listenAddr, "addr", "a", ":8443", "Address to listen on")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}

// newAPI builds the admin adapter from the server section.
func newAPI(cfg config.ServerConfig, in *instance) (*api.API, error) {
	opts := []api.Option{
		api.WithLogger(in.logger),
		api.WithAdminToken(cfg.AdminToken),
		api.WithAuditWebhook(cfg.AuditWebhookURL, cfg.AuditWebhookAuth),
		api.WithAlertFunc(func(e api.AlertEvent) {
			in.logger.Warn("security alert",
				"type", e.Type,
				"message", e.Message,
				"count", e.Count,
				"threshold", e.Threshold)
		}),
	}
	if len(cfg.TrustedProxies) > 0 {
		opt, err := api.WithTrustedProxies(cfg.TrustedProxies)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}
	if cfg.AdminToken == "" {
		in.logger.Warn("no admin token configured; admin routes rely on upstream authentication")
	}
	return api.New(in.engine, opts...), nil
}

// serverTLSConfig loads the configured key pair, or generates a throwaway
// self-signed certificate when none is set.
func serverTLSConfig(cfg config.ServerConfig) (*tls.Config, bool, error) {
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}, false, nil
	}
	cert, err := util.GenerateSelfSignedCert()
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, true, nil
}
