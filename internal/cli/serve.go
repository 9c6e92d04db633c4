package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-chat-sync/internal/config"
	httpapi "github.com/tbourn/go-chat-sync/internal/http"
	"github.com/tbourn/go-chat-sync/internal/observability"
	"github.com/tbourn/go-chat-sync/internal/push"
	"github.com/tbourn/go-chat-sync/internal/repo"
)

const shutdownGrace = 10 * time.Second

func newServeCmd(g *globalOptions) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dev history server",
		Long: `Serve the message history API and the websocket push feed backed by a
SQLite database (DB_PATH). Every stored mutation is pushed to subscribers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := g.cfg
			if port != "" {
				cfg.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", ":"+cfg.Port)
			if err != nil {
				return err
			}
			return serve(ctx, ln, cfg)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "override PORT")
	return cmd
}

// serve runs the history server on ln until ctx ends, then drains it.
func serve(ctx context.Context, ln net.Listener, cfg config.Config) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version, observability.RoleServer)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownOTel(context.Background()); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath, repo.Options{Tracing: cfg.OTEL.Enabled, Quiet: cfg.LogLevel != "debug"})
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	hub := push.NewHub(cfg.PushBuffer)
	httpapi.RegisterRoutes(r, db, hub, cfg)

	srv := &http.Server{
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		// websocket handlers watch the request context
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	log.Info().Str("addr", ln.Addr().String()).Str("db", cfg.DBPath).Str("api", cfg.APIBasePath).Msg("history server starting")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("history server stopping")
	case err := <-errCh:
		log.Error().Err(err).Msg("history server failed")
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("history server shutdown")
		return err
	}
	log.Info().Msg("history server stopped")
	return nil
}
