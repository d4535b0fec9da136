package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/songbot/bus"
	"github.com/onnwee/songbot/config"
)

// Publisher is satisfied by *bus.Bus.
type Publisher interface {
	Publish(ev bus.Event)
}

// Client is a Twitch IRC connection bound to one channel.
type Client struct {
	channel string
	irc     *twitch.Client
	pub     Publisher
}

// New validates the chat credentials in cfg and prepares a client. It does not connect.
func New(cfg *config.Config, pub Publisher) (*Client, error) {
	if err := cfg.ValidateChatReady(); err != nil {
		return nil, err
	}
	token := cfg.TwitchOAuthToken
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	c := &Client{
		channel: strings.ToLower(strings.TrimPrefix(cfg.TwitchChannel, "#")),
		irc:     twitch.NewClient(cfg.TwitchBotUsername, token),
		pub:     pub,
	}
	c.irc.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		c.pub.Publish(ToUserCommand(msg))
	})
	c.irc.OnConnect(func() {
		slog.Info("twitch chat connected", slog.String("component", "chat"), slog.String("channel", c.channel))
	})
	return c, nil
}

// ToUserCommand converts an IRC message. Roles are the badge names, sorted.
func ToUserCommand(msg twitch.PrivateMessage) bus.UserCommand {
	roles := make([]string, 0, len(msg.User.Badges))
	for name := range msg.User.Badges {
		roles = append(roles, name)
	}
	sort.Strings(roles)
	username := msg.User.Name
	if username == "" {
		username = msg.User.DisplayName
	}
	return bus.UserCommand{Username: strings.ToLower(username), Roles: roles, Text: msg.Message}
}

// Run joins the channel and blocks until ctx is cancelled or the connection fails.
func (c *Client) Run(ctx context.Context) error {
	// Handle context cancellation by closing the client
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.irc.Disconnect()
		case <-done:
		}
	}()

	c.irc.Join(c.channel)
	err := c.irc.Connect()
	if ctx.Err() != nil || errors.Is(err, twitch.ErrClientDisconnected) {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("twitch chat: %w", err)
	}
	return nil
}

// Say sends text to the channel.
func (c *Client) Say(text string) {
	c.irc.Say(c.channel, text)
}
