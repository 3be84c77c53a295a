package bot

import (
	"fmt"
	"strings"

	"github.com/jholhewres/malachi/pkg/malachi/knowledge"
	"github.com/jholhewres/malachi/pkg/malachi/llm"
	"github.com/jholhewres/malachi/pkg/malachi/store"
)

// ContextBudget bounds the assembled prompt. Zero values fall back to the
// defaults below.
type ContextBudget struct {
	// MaxKnowledgeItems caps retrieved knowledge items.
	MaxKnowledgeItems int `yaml:"max_knowledge_items"`

	// MaxHistory caps prior conversation turns included.
	MaxHistory int `yaml:"max_history"`

	// MaxChars caps the total prompt size. History is trimmed oldest-first
	// to fit; directives and the new message are never dropped.
	MaxChars int `yaml:"max_chars"`
}

// DefaultBudget returns the default prompt bounds.
func DefaultBudget() ContextBudget {
	return ContextBudget{
		MaxKnowledgeItems: 5,
		MaxHistory:        20,
		MaxChars:          24000,
	}
}

func (b ContextBudget) withDefaults() ContextBudget {
	d := DefaultBudget()
	if b.MaxKnowledgeItems <= 0 {
		b.MaxKnowledgeItems = d.MaxKnowledgeItems
	}
	if b.MaxHistory <= 0 {
		b.MaxHistory = d.MaxHistory
	}
	if b.MaxChars <= 0 {
		b.MaxChars = d.MaxChars
	}
	return b
}

// PromptContext is the assembled input for one completion call.
type PromptContext struct {
	Directives []knowledge.Directive
	Knowledge  []knowledge.Item
	Memories   []store.MemoryEntry
	History    []store.Message
	UserText   string
	UserName   string
}

// BuildContext assembles a prompt from the retrieval inputs. The function is
// pure: same inputs, same output.
func BuildContext(directives []knowledge.Directive, items []knowledge.Item, memories []store.MemoryEntry, history []store.Message, userText, userName string, budget ContextBudget) PromptContext {
	budget = budget.withDefaults()

	if len(items) > budget.MaxKnowledgeItems {
		items = items[:budget.MaxKnowledgeItems]
	}
	if len(history) > budget.MaxHistory {
		history = history[len(history)-budget.MaxHistory:]
	}

	pc := PromptContext{
		Directives: directives,
		Knowledge:  items,
		Memories:   memories,
		History:    history,
		UserText:   userText,
		UserName:   userName,
	}

	// Trim to the character budget. History goes first, oldest turns
	// dropped before recent ones. Then knowledge, lowest-ranked first.
	// Directives and the new message always survive.
	for pc.size() > budget.MaxChars && len(pc.History) > 0 {
		pc.History = pc.History[1:]
	}
	for pc.size() > budget.MaxChars && len(pc.Knowledge) > 0 {
		pc.Knowledge = pc.Knowledge[:len(pc.Knowledge)-1]
	}
	for pc.size() > budget.MaxChars && len(pc.Memories) > 0 {
		pc.Memories = pc.Memories[:len(pc.Memories)-1]
	}
	return pc
}

// size approximates the prompt length in characters.
func (pc PromptContext) size() int {
	n := len(pc.UserText) + len(pc.UserName)
	for _, d := range pc.Directives {
		n += len(d.Content)
	}
	for _, k := range pc.Knowledge {
		n += len(k.Title) + len(k.Content)
	}
	for _, m := range pc.Memories {
		n += len(m.Key) + len(m.Value)
	}
	for _, h := range pc.History {
		n += len(h.Content)
	}
	return n
}

// Messages flattens the context into the chat completion wire format:
// one system message carrying directives, knowledge, and memories, then the
// conversation history in order, then the new user message.
func (pc PromptContext) Messages() []llm.Message {
	var sys strings.Builder

	if len(pc.Directives) > 0 {
		for _, d := range pc.Directives {
			sys.WriteString(d.Content)
			sys.WriteString("\n")
		}
		sys.WriteString("\n")
	}

	if len(pc.Knowledge) > 0 {
		sys.WriteString("Relevant knowledge:\n")
		for _, k := range pc.Knowledge {
			fmt.Fprintf(&sys, "- %s: %s\n", k.Title, k.Content)
		}
		sys.WriteString("\n")
	}

	if len(pc.Memories) > 0 {
		sys.WriteString("What you remember about this user:\n")
		for _, m := range pc.Memories {
			fmt.Fprintf(&sys, "- %s: %s\n", m.Key, m.Value)
		}
		sys.WriteString("\n")
	}

	if pc.UserName != "" {
		fmt.Fprintf(&sys, "You are talking to %s.\n", pc.UserName)
	}

	messages := make([]llm.Message, 0, len(pc.History)+2)
	if s := strings.TrimSpace(sys.String()); s != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: s})
	}
	for _, h := range pc.History {
		role := llm.RoleUser
		if h.Role == store.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: h.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: pc.UserText})
	return messages
}
