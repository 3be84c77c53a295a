package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jholhewres/malachi/pkg/malachi/bot"
	"github.com/jholhewres/malachi/pkg/malachi/channels"
	"github.com/jholhewres/malachi/pkg/malachi/config"
	"github.com/jholhewres/malachi/pkg/malachi/knowledge"
	"github.com/jholhewres/malachi/pkg/malachi/llm"
	"github.com/jholhewres/malachi/pkg/malachi/store"
	"github.com/spf13/cobra"
)

// newChatCmd creates the `malachi chat` command for local conversations.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the bot from the terminal",
		Long: `Talk to the bot locally, through the same pipeline the messaging
channels use. History and memory persist across runs.

Examples:
  malachi chat "what do you know about billing?"
  malachi chat  # interactive mode`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("model", "m", "", "override the configured model")
	return cmd
}

// stdoutSender prints replies to the terminal.
type stdoutSender struct{}

func (stdoutSender) Send(_ context.Context, _, _ string, msg *channels.OutgoingMessage) error {
	fmt.Printf("\n%s\n\n", msg.Content)
	return nil
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg.Log)

	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.LLM.Model = model
	}
	config.ResolveAPIKey(cfg, logger)

	st, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	kstore, err := knowledge.NewSQLiteStore(st.DB())
	if err != nil {
		return err
	}
	embedder, err := knowledge.NewEmbeddingProvider(cfg.Knowledge.Embedding)
	if err != nil {
		logger.Warn("embedding provider unavailable, falling back to lexical search", "error", err)
	}
	remote := knowledge.NewRemoteClient(cfg.Knowledge.Remote)
	cache, err := knowledge.NewCache(ctx, kstore, remote, embedder, logger)
	if err != nil {
		return err
	}

	// The local terminal is not admission controlled.
	cfg.Bot.RateLimit = 0

	client := llm.NewClient(cfg.LLM, logger)
	dispatcher := bot.NewDispatcher(client, cfg.Bot.Dispatcher, logger)
	engine := bot.NewEngine(cfg.Bot, st, cache, dispatcher, stdoutSender{}, logger)

	userID := "local"
	userName := "you"
	if u, err := user.Current(); err == nil {
		userID = u.Username
		userName = u.Username
	}

	send := func(content string) error {
		return engine.Handle(ctx, &channels.IncomingMessage{
			ID:        uuid.NewString(),
			Platform:  "cli",
			ChatID:    "terminal",
			From:      userID,
			FromName:  userName,
			Content:   content,
			Timestamp: time.Now().UTC(),
			IsDirect:  true,
		})
	}

	if len(args) > 0 {
		return send(args[0])
	}

	fmt.Printf("Chatting with %s. Type 'exit' to quit.\n\n", cfg.LLM.Model)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		if err := send(line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	return scanner.Err()
}
