package bot

import (
	"testing"

	"github.com/jholhewres/malachi/pkg/malachi/channels"
)

func TestShouldRespond(t *testing.T) {
	base := PolicyConfig{
		RespondToDMs:           true,
		RequireMentionInGroups: true,
	}

	tests := []struct {
		name string
		msg  channels.IncomingMessage
		cfg  PolicyConfig
		want bool
	}{
		{
			name: "blocked user loses even in a DM",
			msg:  channels.IncomingMessage{From: "u1", ChatID: "c1", IsDirect: true},
			cfg: func() PolicyConfig {
				c := base
				c.BlockedUsers = []string{"u1"}
				return c
			}(),
			want: false,
		},
		{
			name: "blocked chat loses even with mention",
			msg:  channels.IncomingMessage{From: "u1", ChatID: "c1", IsMention: true},
			cfg: func() PolicyConfig {
				c := base
				c.BlockedChats = []string{"c1"}
				return c
			}(),
			want: false,
		},
		{
			name: "allowlist excludes unlisted author",
			msg:  channels.IncomingMessage{From: "u2", ChatID: "c1", IsDirect: true},
			cfg: func() PolicyConfig {
				c := base
				c.AllowedUsers = []string{"u1"}
				return c
			}(),
			want: false,
		},
		{
			name: "allowlist admits listed author",
			msg:  channels.IncomingMessage{From: "u1", ChatID: "c1", IsDirect: true},
			cfg: func() PolicyConfig {
				c := base
				c.AllowedUsers = []string{"u1"}
				return c
			}(),
			want: true,
		},
		{
			name: "empty allowlist allows everyone",
			msg:  channels.IncomingMessage{From: "anyone", ChatID: "c1", IsDirect: true},
			cfg:  base,
			want: true,
		},
		{
			name: "direct message with DMs enabled",
			msg:  channels.IncomingMessage{From: "u1", ChatID: "dm1", IsDirect: true},
			cfg:  base,
			want: true,
		},
		{
			name: "direct message with DMs disabled falls through to mention check",
			msg:  channels.IncomingMessage{From: "u1", ChatID: "dm1", IsDirect: true, IsMention: true},
			cfg: func() PolicyConfig {
				c := base
				c.RespondToDMs = false
				return c
			}(),
			want: true,
		},
		{
			name: "group mention",
			msg:  channels.IncomingMessage{From: "u1", ChatID: "g1", IsMention: true},
			cfg:  base,
			want: true,
		},
		{
			// A sparse YAML policy section leaves every knob false; being
			// addressed must still get a reply.
			name: "mention wins with zero-value config",
			msg:  channels.IncomingMessage{From: "u1", ChatID: "g1", IsMention: true},
			cfg:  PolicyConfig{},
			want: true,
		},
		{
			name: "unaddressed group message with mention required",
			msg:  channels.IncomingMessage{From: "u1", ChatID: "g1"},
			cfg:  base,
			want: false,
		},
		{
			name: "unaddressed group message in chatty mode",
			msg:  channels.IncomingMessage{From: "u1", ChatID: "g1"},
			cfg: PolicyConfig{
				RespondToDMs: true,
				Chatty:       true,
			},
			want: true,
		},
		{
			name: "quiet default",
			msg:  channels.IncomingMessage{From: "u1", ChatID: "g1"},
			cfg: PolicyConfig{
				RespondToDMs: true,
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShouldRespond(&tt.msg, tt.cfg)
			if got != tt.want {
				t.Errorf("ShouldRespond() = %v, want %v", got, tt.want)
			}
			// Deterministic: repeated calls agree.
			if again := ShouldRespond(&tt.msg, tt.cfg); again != got {
				t.Errorf("ShouldRespond() not deterministic: %v then %v", got, again)
			}
		})
	}
}
