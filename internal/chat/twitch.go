package chat

import (
	"context"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"go.uber.org/zap"
)

// TwitchClient adapts the Twitch IRC connection to the Sender/Handler
// surface. Connection lifecycle stays in here; the core never sees it.
type TwitchClient struct {
	client   *twitch.Client
	handlers map[string]Handler
	logger   *zap.Logger
}

// NewTwitchClient creates a Twitch IRC client for the bot account.
func NewTwitchClient(username, oauth string, logger *zap.Logger) *TwitchClient {
	t := &TwitchClient{
		client:   twitch.NewClient(username, oauth),
		handlers: make(map[string]Handler),
		logger:   logger,
	}
	return t
}

// Register joins a channel and routes its messages to the given handler.
func (t *TwitchClient) Register(channel string, handler Handler) {
	channel = strings.ToLower(channel)
	t.handlers[channel] = handler
	t.client.Join(channel)
}

// Say publishes a message into a channel.
func (t *TwitchClient) Say(channel, text string) {
	t.client.Say(channel, text)
}

// Run connects to Twitch chat and dispatches messages until ctx is canceled.
// Register all handlers before calling Run.
func (t *TwitchClient) Run(ctx context.Context) error {
	t.client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		handler, ok := t.handlers[strings.ToLower(m.Channel)]
		if !ok {
			return
		}
		handler.OnMessage(ctx, Event{
			Channel:       m.Channel,
			AuthorID:      m.User.ID,
			AuthorName:    m.User.Name,
			IsMod:         m.User.Badges["moderator"] > 0 || m.Tags["mod"] == "1",
			IsBroadcaster: m.User.Badges["broadcaster"] > 0,
			Text:          m.Message,
			Time:          m.Time,
		})
	})

	go func() {
		<-ctx.Done()
		if err := t.client.Disconnect(); err != nil {
			t.logger.Warn("Failed to disconnect from Twitch chat", zap.Error(err))
		}
	}()

	t.logger.Info("Connecting to Twitch chat...")
	err := t.client.Connect()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
