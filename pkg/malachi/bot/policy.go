// Package bot – policy.go decides whether an inbound message warrants a
// reply. Pure function of message + platform config: no I/O, no side
// effects, fully deterministic.
package bot

import (
	"github.com/jholhewres/malachi/pkg/malachi/channels"
)

// PolicyConfig holds the per-platform response policy knobs.
type PolicyConfig struct {
	// BlockedUsers and BlockedChats always win: matching messages are ignored.
	BlockedUsers []string `yaml:"blocked_users"`
	BlockedChats []string `yaml:"blocked_chats"`

	// AllowedUsers / AllowedChats, when non-empty, restrict replies to the
	// listed identifiers. An empty list allows everyone.
	AllowedUsers []string `yaml:"allowed_users"`
	AllowedChats []string `yaml:"allowed_chats"`

	// RespondToDMs enables replying to direct messages.
	RespondToDMs bool `yaml:"respond_to_dms"`

	// RequireMentionInGroups suppresses unaddressed group chatter.
	RequireMentionInGroups bool `yaml:"require_mention_in_groups"`

	// Chatty makes the bot reply to everything not otherwise filtered.
	Chatty bool `yaml:"chatty"`
}

// ShouldRespond applies the decision ladder, first match wins:
//
//  1. blocked author or chat          → no
//  2. allowlist set and not included  → no
//  3. direct message, DMs enabled     → yes
//  4. explicit mention                → yes
//  5. group requiring mention         → no
//  6. otherwise                       → Chatty
func ShouldRespond(msg *channels.IncomingMessage, cfg PolicyConfig) bool {
	if contains(cfg.BlockedUsers, msg.From) || contains(cfg.BlockedChats, msg.ChatID) {
		return false
	}

	if len(cfg.AllowedUsers) > 0 && !contains(cfg.AllowedUsers, msg.From) {
		return false
	}
	if len(cfg.AllowedChats) > 0 && !contains(cfg.AllowedChats, msg.ChatID) {
		return false
	}

	if msg.IsDirect && cfg.RespondToDMs {
		return true
	}

	// Being explicitly addressed always warrants a reply; there is no
	// configuration knob for this step.
	if msg.IsMention {
		return true
	}

	if !msg.IsDirect && cfg.RequireMentionInGroups {
		return false
	}

	return cfg.Chatty
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
