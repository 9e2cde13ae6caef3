package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/raine/city-vision-capture/internal/bot"
	"github.com/raine/city-vision-capture/internal/config"
	"github.com/raine/city-vision-capture/internal/device"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var botWithProxy bool

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Run the Telegram capture bot",
	Long: `Runs the Telegram front-end. Users send a photo and share their
location, then /send uploads the photo and submits it for analysis.`,
	Args: cobra.NoArgs,
	RunE: runBotCommand,
}

func init() {
	botCmd.Flags().BoolVar(&botWithProxy, "proxy", false, "also serve the browser-facing proxy")
}

func runBotCommand(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(config.CommandBot); err != nil {
		return err
	}
	if botWithProxy {
		if err := cfg.Validate(config.CommandProxy); err != nil {
			return err
		}
	}
	ctx := cmd.Context()

	tg, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return fmt.Errorf("failed to initialize telegram bot: %w", err)
	}
	tg.Debug = false
	log.Info().Str("username", tg.Self.UserName).Msg("authorized on account")

	// Register bot commands for Telegram's command menu
	bot.RegisterCommands(tg)

	store, err := openStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	salt, err := installSalt(store)
	if err != nil {
		return err
	}

	uploader, err := newUploader(ctx, cfg)
	if err != nil {
		return err
	}
	// Photos arrive through Telegram, so the bot talks to the service like a
	// desktop client regardless of the configured camera class.
	analyzer, err := newAnalyzer(ctx, cfg, device.Standard)
	if err != nil {
		return err
	}

	b := bot.NewBot(tg, store, cfg.AdminTelegramID)
	b.SetServices(bot.Services{
		Uploader:      uploader,
		Analyzer:      analyzer,
		Relevance:     newVisionClient(cfg, device.Standard),
		Salt:          salt,
		CompleteDelay: cfg.CompleteDelay,
		DefaultPlace:  defaultPlace(cfg),
	})
	defer b.Shutdown()

	g, ctx := errgroup.WithContext(ctx)

	// Run bot update loop
	g.Go(func() error {
		return runBot(ctx, tg, b)
	})

	if botWithProxy {
		g.Go(func() error {
			return serveProxy(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("shutdown with error")
		return err
	}
	log.Info().Msg("shutdown complete")
	return nil
}

func runBot(ctx context.Context, tg *tgbotapi.BotAPI, b *bot.Bot) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := tg.GetUpdatesChan(updateConfig)

	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping bot update loop")
			tg.StopReceivingUpdates()
			log.Info().Msg("waiting for active handlers to finish")
			wg.Wait()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				log.Warn().Msg("updates channel closed")
				wg.Wait()
				return nil
			}
			wg.Add(1)
			go func(u tgbotapi.Update) {
				defer wg.Done()
				b.HandleUpdate(ctx, u)
			}(update)
		}
	}
}
