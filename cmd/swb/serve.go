package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rgalvao/switchboard/internal/alert"
	"github.com/rgalvao/switchboard/internal/alert/discord"
	"github.com/rgalvao/switchboard/internal/alert/slack"
	"github.com/rgalvao/switchboard/internal/breaker"
	"github.com/rgalvao/switchboard/internal/channel/gateway"
	"github.com/rgalvao/switchboard/internal/config"
	"github.com/rgalvao/switchboard/internal/db"
	"github.com/rgalvao/switchboard/internal/dispatch"
	"github.com/rgalvao/switchboard/internal/presence"
	"github.com/rgalvao/switchboard/internal/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Switchboard engine",
		Long:  "Starts the HTTP server (webhook, operator API, SSE, metrics) and the background sweep daemon. Runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func runServe(configPath string, debug bool) error {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	if err := db.SeedControlConfig(gormDB); err != nil {
		return err
	}

	registry := presence.NewRegistry()

	var notifiers []alert.Notifier
	if cfg.Alerts.Slack.Token != "" {
		n, err := slack.New(slack.Opts{Token: cfg.Alerts.Slack.Token, ChannelID: cfg.Alerts.Slack.ChannelID})
		if err != nil {
			return err
		}
		notifiers = append(notifiers, n)
		log.Info().Msg("slack alerts enabled")
	}
	if cfg.Alerts.Discord.BotToken != "" {
		n, err := discord.New(discord.Opts{BotToken: cfg.Alerts.Discord.BotToken, ChannelID: cfg.Alerts.Discord.ChannelID})
		if err != nil {
			return err
		}
		notifiers = append(notifiers, n)
		log.Info().Msg("discord alerts enabled")
	}
	alerts := alert.NewManager(registry, notifiers...)
	defer alerts.Close()

	adapter := gateway.New(cfg.Provider)
	defer adapter.Close()

	d, err := dispatch.New(dispatch.Opts{
		DB:       gormDB,
		Adapter:  adapter,
		Registry: registry,
		Alerts:   alerts,
		Breaker:  breaker.FromConfig(cfg.Breaker),
		Queue:    cfg.Queue,
		Presence: cfg.Presence,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		errCh <- server.Start(ctx, server.StartOpts{DB: gormDB, Dispatcher: d, Port: cfg.Server.Port})
	}()
	go func() {
		errCh <- d.RunDaemon(ctx)
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			stop()
			if firstErr == nil {
				firstErr = fmt.Errorf("serve: %w", err)
			}
		}
	}
	log.Info().Msg("switchboard stopped")
	return firstErr
}
