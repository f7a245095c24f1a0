package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

func runOnboard() {
	var (
		apiKey       string
		model        string
		discordToken string
		aliases      string
		channelIDs   string
		enableWeb    bool
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("OpenRouter API key").
				Description("Secrets stay in the environment, not the config file.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("Default model").
				Placeholder("anthropic/claude-sonnet-4.5").
				Value(&model),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token (optional)").
				EchoMode(huh.EchoModePassword).
				Value(&discordToken),
			huh.NewInput().
				Title("Bot aliases, comma separated").
				Description("Names in chat text that count as addressing the bot.").
				Placeholder("parley, bot").
				Value(&aliases),
			huh.NewInput().
				Title("Allowed channel IDs, comma separated").
				Description("Channels where the bot may join conversations unprompted.").
				Value(&channelIDs),
			huh.NewConfirm().
				Title("Enable the web room surface?").
				Value(&enableWeb),
		),
	)

	if err := form.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "setup cancelled:", err)
		os.Exit(1)
	}

	if model == "" {
		model = "anthropic/claude-sonnet-4.5"
	}

	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Printf("Config file %s already exists, not overwriting.\n", cfgPath)
		fmt.Println("Edit it directly, or remove it and re-run onboard.")
		os.Exit(1)
	}

	content := buildOnboardConfig(model, aliases, channelIDs, enableWeb)
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "write config:", err)
		os.Exit(1)
	}

	envPath := cfgPath + ".env"
	var env strings.Builder
	if apiKey != "" {
		env.WriteString("export PARLEY_OPENROUTER_API_KEY=" + apiKey + "\n")
	}
	if discordToken != "" {
		env.WriteString("export PARLEY_DISCORD_TOKEN=" + discordToken + "\n")
	}
	if env.Len() > 0 {
		if err := os.WriteFile(envPath, []byte(env.String()), 0o600); err != nil {
			fmt.Fprintln(os.Stderr, "write env file:", err)
			os.Exit(1)
		}
	}

	fmt.Printf("Wrote %s\n\n", cfgPath)
	if env.Len() > 0 {
		fmt.Printf("Secrets saved to %s (mode 0600). Start with:\n\n", envPath)
		fmt.Printf("  source %s && parley\n", envPath)
	} else {
		fmt.Println("Set PARLEY_OPENROUTER_API_KEY in the environment, then run: parley")
	}
}

// buildOnboardConfig renders a commented starter config. json5 allows
// the comments to survive in the file the user will edit later.
func buildOnboardConfig(model, aliases, channelIDs string, enableWeb bool) string {
	var sb strings.Builder
	sb.WriteString("// parley configuration. Hot-reloaded: edits apply without restart.\n")
	sb.WriteString("{\n")

	sb.WriteString("  participation: {\n")
	if aliases != "" {
		sb.WriteString("    aliases: [" + quoteCSV(aliases) + "],\n")
	}
	if channelIDs != "" {
		sb.WriteString("    allowed_channels: [" + quoteCSV(channelIDs) + "],\n")
	}
	sb.WriteString("    random_response_chance: 0.15,\n")
	sb.WriteString("  },\n")

	sb.WriteString("  providers: {\n")
	sb.WriteString("    pools: {\n")
	sb.WriteString("      normal: [{provider: \"openrouter\", models: [\"" + model + "\"]}],\n")
	sb.WriteString("    },\n")
	sb.WriteString("    allow_auto_fallback: true,\n")
	sb.WriteString("  },\n")

	if enableWeb {
		sb.WriteString("  http: {enabled: true, host: \"127.0.0.1\", port: 18850},\n")
	}

	sb.WriteString("  store: {sqlite_path: \"parley.db\"},\n")
	sb.WriteString("}\n")
	return sb.String()
}

func quoteCSV(csv string) string {
	var quoted []string
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			quoted = append(quoted, fmt.Sprintf("%q", part))
		}
	}
	return strings.Join(quoted, ", ")
}
