// Package chat defines the chat collaborator surface the bot core depends
// on, and the Twitch IRC adapter that implements it.
package chat

import (
	"context"
	"time"
)

// Event is one inbound chat message.
type Event struct {
	Channel       string
	AuthorID      string
	AuthorName    string
	IsMod         bool
	IsBroadcaster bool
	Text          string
	Time          time.Time
}

// Sender publishes messages into a channel.
type Sender interface {
	Say(channel, text string)
}

// Handler consumes inbound events for a single channel.
type Handler interface {
	OnMessage(ctx context.Context, ev Event)
}
