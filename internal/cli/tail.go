package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-chat-sync/internal/cache"
	"github.com/tbourn/go-chat-sync/internal/config"
	"github.com/tbourn/go-chat-sync/internal/dedup"
	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/history"
	"github.com/tbourn/go-chat-sync/internal/observability"
	"github.com/tbourn/go-chat-sync/internal/orchestrator"
	"github.com/tbourn/go-chat-sync/internal/push"
)

type tailOptions struct {
	older    int
	pageSize int
	follow   bool
}

func newTailCmd(g *globalOptions) *cobra.Command {
	var opts tailOptions
	cmd := &cobra.Command{
		Use:   "tail <conversation>",
		Short: "Show a conversation and follow new messages",
		Long: `Load the newest page of a conversation, optionally more older pages, and
then follow the push feed, merging live messages into the window.

The conversation is "group:<id>", "conversation:<id>" or a bare conversation id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := domain.ParseKey(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return tail(ctx, newRenderer(cmd.OutOrStdout()), g.cfg, key, opts)
		},
	}
	cmd.Flags().IntVar(&opts.older, "older", 0, "load this many older pages after the first")
	cmd.Flags().IntVar(&opts.pageSize, "page-size", 0, "override SYNC_PAGE_SIZE")
	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", true, "follow the push feed")
	return cmd
}

func newHistoryClient(cfg config.Config) *history.Client {
	return history.New(cfg.Client.HistoryURL,
		history.WithTimeout(cfg.Client.Timeout),
		history.WithRateLimit(cfg.Client.HistoryRPS, cfg.Client.HistoryBurst),
		history.WithLogger(log.Logger),
	)
}

// newEngine assembles the synchronization engine over a history client.
func newEngine(cfg config.Config, pageSize int) *orchestrator.Orchestrator {
	if pageSize <= 0 {
		pageSize = cfg.Sync.PageSize
	}
	c := cache.New(
		cache.WithStaleAfter(cfg.Sync.StaleAfter),
		cache.WithPolicy(dedup.Policy{Window: cfg.Sync.DedupWindow}),
		cache.WithLogger(log.Logger),
	)
	return orchestrator.New(newHistoryClient(cfg), c,
		orchestrator.WithLogger(log.Logger),
		orchestrator.WithPageSize(pageSize),
		orchestrator.WithRefreshTimeout(cfg.Sync.RefreshTimeout),
	)
}

func tail(ctx context.Context, r *renderer, cfg config.Config, key domain.ConversationKey, opts tailOptions) error {
	shutdown, err := observability.SetupOTel(ctx, cfg.OTEL, version, observability.RoleClient)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	orch := newEngine(cfg, opts.pageSize)
	defer orch.Wait()

	if err := orch.Select(ctx, key); err != nil {
		return err
	}
	for i := 0; i < opts.older && orch.Snapshot().HasMoreOlder; i++ {
		_ = orch.LoadOlderMessages(ctx)
	}

	v := orch.Snapshot()
	r.header(v)
	r.view(v)
	if !opts.follow {
		if v.Err != "" {
			return errors.New(v.Err)
		}
		return nil
	}

	unsubscribe := orch.Subscribe(r.view)
	defer unsubscribe()

	pc := push.NewClient(push.ClientConfig{URL: cfg.Client.PushURL, Key: key}, orch.HandleEvent)
	pc.OnConnected = func(reconnect bool) {
		// events published while disconnected are lost
		if reconnect {
			_ = orch.Refresh(ctx)
		}
	}
	if err := pc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
