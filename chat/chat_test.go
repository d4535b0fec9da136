package chat

import (
	"slices"
	"testing"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/songbot/bus"
	"github.com/onnwee/songbot/config"
)

func TestToUserCommand(t *testing.T) {
	msg := twitch.PrivateMessage{
		User: twitch.User{
			Name:   "SomeMod",
			Badges: map[string]int{"subscriber": 12, "moderator": 1},
		},
		Message: "!skip",
	}
	got := ToUserCommand(msg)
	if got.Username != "somemod" || got.Text != "!skip" {
		t.Fatalf("got %+v", got)
	}
	if !slices.Equal(got.Roles, []string{"moderator", "subscriber"}) {
		t.Fatalf("roles = %v", got.Roles)
	}
}

func TestToUserCommandNoBadges(t *testing.T) {
	got := ToUserCommand(twitch.PrivateMessage{User: twitch.User{DisplayName: "Viewer"}, Message: "hi"})
	if got.Username != "viewer" || len(got.Roles) != 0 {
		t.Fatalf("got %+v", got)
	}
}

type sink struct{ events []bus.Event }

func (s *sink) Publish(ev bus.Event) { s.events = append(s.events, ev) }

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(&config.Config{TwitchChannel: "chan"}, &sink{}); err == nil {
		t.Fatal("expected error without credentials")
	}
	c, err := New(&config.Config{TwitchChannel: "#MyChan", TwitchBotUsername: "bot", TwitchOAuthToken: "abc"}, &sink{})
	if err != nil {
		t.Fatal(err)
	}
	if c.channel != "mychan" {
		t.Fatalf("channel = %q", c.channel)
	}
}
