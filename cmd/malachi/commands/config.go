package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jholhewres/malachi/pkg/malachi/config"
	"github.com/jholhewres/malachi/pkg/malachi/llm"
	"github.com/spf13/cobra"
)

// newConfigCmd creates the `malachi config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration and secrets",
		Long: `Manage the Malachi configuration file and API key storage.

Examples:
  malachi config init
  malachi config set-key
  malachi config set-key --vault
  malachi config validate`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigSetKeyCmd(),
		newConfigValidateCmd(),
	)

	return cmd
}

const defaultConfigTemplate = `# Malachi configuration.
# Values of the form ${VAR} are expanded from the environment on load.

log:
  level: info
  format: text

store:
  path: ./data/malachi.db

llm:
  # api_key is resolved from the vault, OS keyring, or MALACHI_API_KEY /
  # OPENAI_API_KEY before this value is used. Run: malachi config set-key
  model: gpt-4o-mini

knowledge:
  remote:
    base_url: ""
    api_key: ""
  sync_interval: 15m
  top_k: 5
  similarity_threshold: 0.3
  embedding:
    provider: none

bot:
  rate_limit: 10
  rate_window: 1m
  policy:
    respond_to_dms: true
    require_mention_in_groups: true

channels:
  discord:
    enabled: false
    token: ""
    send_typing: true
  telegram:
    enabled: false
    token: ""
    send_typing: true
  whatsapp:
    enabled: false
    session_path: ./data/whatsapp.db
    send_typing: true

gateway:
  enabled: false
  address: 127.0.0.1:8085
  auth_token: ""

scheduler:
  sync_interval: 15m
  cleanup_schedule: "@daily"
  retention: 2160h
  # Recurring outbound sends, e.g.:
  # messages:
  #   - schedule: "0 9 * * MON"
  #     platform: discord
  #     chat_id: "123456789"
  #     content: "Weekly reminder: standup at 9:30."
`

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml",
		RunE: func(_ *cobra.Command, _ []string) error {
			const path = "config.yaml"
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}
			fmt.Printf("Configuration written to ./%s\n", path)
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-key",
		Short: "Store the LLM API key in the OS keyring or vault",
		Long: `Store the LLM API key outside the config file. Uses the OS keyring
when available; --vault stores it in an encrypted file vault instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := config.ReadPassword("API key: ")
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("empty API key")
			}

			useVault, _ := cmd.Flags().GetBool("vault")
			if !useVault && config.KeyringAvailable() {
				if err := config.StoreKeyring(config.KeyringAPIKey, key); err != nil {
					return fmt.Errorf("storing in keyring: %w", err)
				}
				fmt.Println("API key stored in the OS keyring.")
				return nil
			}

			vault := config.NewVault(config.VaultFile)
			password, err := config.ReadPassword("Vault password: ")
			if err != nil {
				return err
			}
			if vault.Exists() {
				if err := vault.Unlock(password); err != nil {
					return fmt.Errorf("unlocking vault: %w", err)
				}
			} else {
				confirm, err := config.ReadPassword("Confirm vault password: ")
				if err != nil {
					return err
				}
				if confirm != password {
					return fmt.Errorf("passwords do not match")
				}
				if err := vault.Create(password); err != nil {
					return fmt.Errorf("creating vault: %w", err)
				}
			}
			defer vault.Lock()
			if err := vault.Set(config.KeyringAPIKey, key); err != nil {
				return fmt.Errorf("storing in vault: %w", err)
			}
			fmt.Printf("API key stored in %s.\n", config.VaultFile)
			return nil
		},
	}
	cmd.Flags().Bool("vault", false, "store in the encrypted file vault instead of the OS keyring")
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and API key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, configPath, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if configPath != "" {
				fmt.Printf("Config file: %s\n", configPath)
			} else {
				fmt.Println("No config file found, checked defaults.")
			}

			logger := newLogger(cmd, cfg.Log)
			vault := config.ResolveAPIKey(cfg, logger)
			if vault != nil {
				defer vault.Lock()
			}
			if cfg.LLM.APIKey == "" {
				return fmt.Errorf("no API key configured; run: malachi config set-key")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			client := llm.NewClient(cfg.LLM, logger)
			if err := client.ValidateKey(ctx); err != nil {
				return fmt.Errorf("API key check failed: %w", err)
			}
			fmt.Printf("API key valid for model %s.\n", client.Model())
			return nil
		},
	}
}
