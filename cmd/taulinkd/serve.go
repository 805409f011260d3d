package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/taulink/internal/auth"
	"github.com/danmuck/taulink/internal/client"
	"github.com/danmuck/taulink/internal/config"
	"github.com/danmuck/taulink/internal/host"
	"github.com/danmuck/taulink/internal/keystore"
	"github.com/danmuck/taulink/internal/observability"
	"github.com/danmuck/taulink/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the host bridge on stdin/stdout",
		Example: `  taulinkd serve
  taulinkd serve --config taulink.toml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "path to the TOML config (defaults apply when empty)")
	return cmd
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// openStore picks the key store backend. The returned closer is never nil.
func openStore(ctx context.Context, cfg config.KeystoreConfig, bridge *host.Bridge) (keystore.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case config.BackendBolt:
		s, err := keystore.OpenBoltStore(cfg.Path)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case config.BackendRedis:
		s, err := keystore.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case config.BackendHost:
		return keystore.NewHostStore(bridge), noop, nil
	case config.BackendMemory, "":
		return keystore.NewMemoryStore(), noop, nil
	default:
		return nil, noop, fmt.Errorf("%w: %q", config.ErrInvalidBackend, cfg.Backend)
	}
}

func serve(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) error {
	bridge := host.NewBridge(in, out, cfg.Keystore.CallTimeout)

	store, closeStore, err := openStore(ctx, cfg.Keystore, bridge)
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn().Err(err).Msg("taulinkd.serve keystore close failed")
		}
	}()

	dialer, err := transport.NewDialer(cfg.Session)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	sessions := client.NewManager(client.Options{
		Dial: func(ctx context.Context, addr string) (transport.Conn, error) {
			conn, err := dialer.Dial(ctx, addr)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		Store:             store,
		DEKAlgorithm:      cfg.Crypto.DEKAlgorithm,
		PersonalAlgorithm: cfg.Crypto.PersonalAlgorithm,
		Sink:              bridge,
	})
	defer sessions.Close()

	if cfg.Admin.Listen != "" {
		var guards []gin.HandlerFunc
		if cfg.Admin.Token != "" {
			guards = append(guards, auth.Middleware(auth.StaticToken{Token: cfg.Admin.Token}))
		}
		router := observability.NewAdminRouter("taulinkd", func() map[string]any {
			return map[string]any{"sessions": sessions.Len()}
		}, guards...)
		srv := &http.Server{
			Addr:              cfg.Admin.Listen,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.Admin.Listen).Msg("taulinkd.serve admin listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("taulinkd.serve admin stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Configured clients connect in the background so a dead node does not
	// hold up the bridge.
	for _, entry := range cfg.Clients {
		go func(entry config.ClientEntry) {
			if _, err := sessions.Connect(ctx, entry.ID, entry.Link); err != nil {
				log.Warn().Err(err).Str("uuid", entry.ID.String()).Str("endpoint", entry.Link.Address.Dial()).Msg("taulinkd.serve client connect failed")
				return
			}
			log.Info().Str("uuid", entry.ID.String()).Str("endpoint", entry.Link.Address.Dial()).Msg("taulinkd.serve client connected")
		}(entry)
	}

	log.Info().Str("keystore", cfg.Keystore.Backend).Str("network", string(cfg.Session.Network)).Msg("taulinkd.serve bridge ready")
	return bridge.Serve(ctx, host.NewMethods(sessions))
}
