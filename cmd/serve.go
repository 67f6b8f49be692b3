package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gotd/td/session"
	gotd "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/spf13/cobra"

	"github.com/streamvault/streamvault/internal/bot"
	"github.com/streamvault/streamvault/internal/catalog"
	"github.com/streamvault/streamvault/internal/config"
	"github.com/streamvault/streamvault/internal/dialog"
	"github.com/streamvault/streamvault/internal/fetch"
	"github.com/streamvault/streamvault/internal/logx"
	"github.com/streamvault/streamvault/internal/resolve"
	"github.com/streamvault/streamvault/internal/server"
	"github.com/streamvault/streamvault/internal/stream"
	"github.com/streamvault/streamvault/internal/telegram"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to Telegram and serve the streaming gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if debug {
				cfg.Debug = true
			}
			logx.Init(cfg.Debug)
			return runServe(cfg)
		},
	}
}

func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logx.Get("serve")
	var ready atomic.Bool

	channelID := telegram.BareChannelID(cfg.LogChannelID)
	var transport *bot.Transport

	client := gotd.NewClient(cfg.APIID, cfg.APIHash, gotd.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionFile},
		UpdateHandler: gotd.UpdateHandlerFunc(func(ctx context.Context, u tg.UpdatesClass) error {
			if transport == nil {
				return nil
			}
			return transport.Handle(ctx, u)
		}),
	})
	api := tg.NewClient(client)

	// The catalog and the bot command surface are optional: without them
	// uploads cannot be indexed, but streaming keeps working.
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	store, err := catalog.Connect(connectCtx, cfg.MongoURL, cfg.MongoDB)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("Catalog unavailable, indexing commands disabled")
	} else {
		dialogs := dialog.NewTable(10 * time.Minute)
		defer dialogs.Close()
		transport = bot.NewTransport(api, channelID, cfg.LogChannelHash)
		transport.Bind(bot.NewCommands(store, dialogs, transport, cfg.PublicURL, cfg.LogChannelID, cfg.MaxFileSizeMB))
	}

	logger.Info().Msg("Connecting to Telegram")
	return client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("error checking auth status: %v", err)
		}
		if !status.Authorized {
			if _, err := client.Auth().Bot(ctx, cfg.BotToken); err != nil {
				return fmt.Errorf("error authorizing bot: %v", err)
			}
			logger.Info().Msg("Bot authorized")
		}

		homeDC := client.Config().ThisDC
		dialer := telegram.NewClientDialer(client, homeDC)
		pool := telegram.NewPool(dialer, api)
		defer pool.Close()
		if cfg.PoolWarm > 0 {
			pool.Warm(ctx, cfg.PoolWarm)
		}

		fetcher := fetch.NewPoolFetcher(pool, dialer, cfg.GetFileTimeout, cfg.SleepThreshold)
		resolver := resolve.NewMessageResolver(api, cfg.LogChannelID, cfg.LogChannelHash, cfg.GetFileTimeout, cfg.SleepThreshold)
		gateway := stream.NewGateway(resolver, fetcher, ready.Load)

		ready.Store(true)
		defer ready.Store(false)
		logger.Info().Int("home_dc", homeDC).Str("addr", cfg.ListenAddr).Msg("StreamVault ready")

		return server.New(cfg.ListenAddr, gateway, ready.Load).Run(ctx)
	})
}
