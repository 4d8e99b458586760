// Package chat connects the Twitch IRC transport to the session tracker.
package chat

import (
	"context"
	"log/slog"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/clip-scout/config"
	"github.com/onnwee/clip-scout/tracker"
)

// StartChatFeed joins the tracked channel and forwards every chat line to
// the tracker. It blocks until ctx is cancelled or the connection fails
// permanently. Bot credentials are optional: without them the client joins
// anonymously (read-only), which is all the tracker needs.
func StartChatFeed(ctx context.Context, cfg *config.Config, tr *tracker.Tracker) {
	if cfg.Streamer == "" {
		slog.Info("chat feed disabled: STREAMER empty")
		return
	}
	var client *twitch.Client
	if cfg.TwitchBotUsername != "" && cfg.TwitchOAuthToken != "" {
		client = twitch.NewClient(cfg.TwitchBotUsername, cfg.TwitchOAuthToken)
	} else {
		client = twitch.NewAnonymousClient()
	}

	botUser := cfg.TwitchBotUsername
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		// gempir doesn't echo our own messages back, but guard anyway: the
		// tracker treats a self-authored message as a protocol violation.
		self := botUser != "" && msg.User.Name == botUser
		if err := tr.HandleChatMessage(msg.Channel, msg.User.Name, msg.Message, self); err != nil {
			slog.Error("chat message rejected", slog.Any("err", err))
		}
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		if err := client.Disconnect(); err != nil {
			slog.Warn("twitch chat disconnect", slog.Any("err", err))
		}
		close(done)
	}()

	client.Join(cfg.Streamer)
	slog.Info("chat feed connecting", slog.String("channel", cfg.Streamer))
	if err := client.Connect(); err != nil && ctx.Err() == nil {
		slog.Error("twitch chat connect error", slog.Any("err", err))
	}
	<-done
}
