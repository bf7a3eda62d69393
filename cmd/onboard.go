package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/openclaw/openclaw/internal/bootstrap"
	"github.com/openclaw/openclaw/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Long: "Creates the state directory, seeds the workspace, and walks through\n" +
			"provider and channel configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	if _, err := bootstrap.EnsureStateDir(); err != nil {
		return fmt.Errorf("prepare state dir: %w", err)
	}

	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		cfg = config.Default()
	}

	var (
		provider     = "anthropic"
		providerKey  string
		telegramTok  = cfg.Channels.Telegram.Token
		telegramDM   = orDefault(cfg.Channels.Telegram.DMPolicy, "pairing")
		discordTok   = cfg.Channels.Discord.Token
		gatewayToken string
	)
	if cfg.Providers.OpenAI.APIKey != "" && cfg.Providers.Anthropic.APIKey == "" {
		provider = "openai"
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Model provider").
				Options(
					huh.NewOption("Anthropic", "anthropic"),
					huh.NewOption("OpenAI-compatible", "openai"),
				).
				Value(&provider),
			huh.NewInput().
				Title("Provider API key").
				Description("Leave empty to keep the current key or use the env var.").
				EchoMode(huh.EchoModePassword).
				Value(&providerKey),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("Empty disables the Telegram channel.").
				EchoMode(huh.EchoModePassword).
				Value(&telegramTok),
			huh.NewSelect[string]().
				Title("Telegram DM policy").
				Description("Who may start a direct conversation with the bot.").
				Options(
					huh.NewOption("pairing (approve each sender once)", "pairing"),
					huh.NewOption("allowlist", "allowlist"),
					huh.NewOption("open", "open"),
					huh.NewOption("disabled", "disabled"),
				).
				Value(&telegramDM),
			huh.NewInput().
				Title("Discord bot token").
				Description("Empty disables the Discord channel.").
				EchoMode(huh.EchoModePassword).
				Value(&discordTok),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway auth token").
				Description("Required for non-loopback binds. Stored in your shell env,\nnot the config file; printed as an export line at the end.").
				EchoMode(huh.EchoModePassword).
				Value(&gatewayToken),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	if providerKey != "" {
		switch provider {
		case "openai":
			cfg.Providers.OpenAI.APIKey = providerKey
		default:
			cfg.Providers.Anthropic.APIKey = providerKey
		}
	}
	cfg.Channels.Telegram.Token = telegramTok
	cfg.Channels.Telegram.Enabled = telegramTok != ""
	cfg.Channels.Telegram.DMPolicy = telegramDM
	cfg.Channels.Discord.Token = discordTok
	cfg.Channels.Discord.Enabled = discordTok != ""

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("resulting config invalid: %w", err)
	}
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	if seeded, err := bootstrap.EnsureWorkspaceFiles(cfg.WorkspacePath()); err != nil {
		return fmt.Errorf("seed workspace: %w", err)
	} else if len(seeded) > 0 {
		fmt.Printf("seeded %d workspace file(s) in %s\n", len(seeded), cfg.WorkspacePath())
	}

	fmt.Printf("wrote %s\n", path)
	if gatewayToken != "" {
		fmt.Println("\nAdd to your shell profile:")
		fmt.Printf("  export OPENCLAW_GATEWAY_TOKEN=%s\n", gatewayToken)
	}
	if !cfg.HasAnyProvider() && os.Getenv("OPENCLAW_ANTHROPIC_API_KEY") == "" && os.Getenv("OPENCLAW_OPENAI_API_KEY") == "" {
		fmt.Println("\nNo provider key configured yet; the gateway will refuse to start.")
	}
	fmt.Println("\nStart the gateway with: openclaw")
	return nil
}
