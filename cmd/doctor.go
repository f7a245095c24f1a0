package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/parley/internal/config"
	"github.com/nextlevelbuilder/parley/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("parley doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Providers:")
	if cfg.Providers.OpenRouter.APIKey != "" {
		fmt.Printf("    %-12s configured\n", "OpenRouter:")
	} else {
		fmt.Printf("    %-12s MISSING (set PARLEY_OPENROUTER_API_KEY)\n", "OpenRouter:")
	}
	for _, cc := range cfg.Providers.Compat {
		fmt.Printf("    %-12s %s\n", cc.Name+":", cc.BaseURL)
	}
	if len(cfg.Providers.Pools.Normal) == 0 {
		fmt.Println("    WARNING: normal pool is empty, no backend can serve plain chat")
	}

	fmt.Println()
	fmt.Println("  Channels:")
	checkToken := func(name string, enabled bool, token, envVar string) {
		switch {
		case !enabled:
			fmt.Printf("    %-12s disabled\n", name+":")
		case token == "":
			fmt.Printf("    %-12s enabled but %s is not set\n", name+":", envVar)
		default:
			fmt.Printf("    %-12s OK\n", name+":")
		}
	}
	checkToken("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token, "PARLEY_DISCORD_TOKEN")
	checkToken("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token, "PARLEY_TELEGRAM_TOKEN")
	if cfg.HTTP.Enabled {
		fmt.Printf("    %-12s %s:%d\n", "Web:", cfg.HTTP.Host, cfg.HTTP.Port)
	} else {
		fmt.Printf("    %-12s disabled\n", "Web:")
	}

	fmt.Println()
	fmt.Println("  Content:")
	checkPath := func(label, path string) {
		if path == "" {
			fmt.Printf("    %-16s not configured\n", label+":")
			return
		}
		if _, err := os.Stat(path); err != nil {
			fmt.Printf("    %-16s %s (NOT FOUND)\n", label+":", path)
		} else {
			fmt.Printf("    %-16s %s (OK)\n", label+":", path)
		}
	}
	checkPath("System prompt", cfg.Persona.SystemPromptPath)
	checkPath("Persona", cfg.Persona.PersonaPath)
	for _, p := range cfg.Lore.Paths {
		checkPath("Lore", p)
	}

	if cfg.Store.SQLitePath != "" {
		fmt.Println()
		fmt.Printf("  Store:    %s", cfg.Store.SQLitePath)
		db, err := store.Open(cfg.Store.SQLitePath)
		if err != nil {
			fmt.Printf(" (OPEN FAILED: %s)\n", err)
		} else {
			db.Close()
			fmt.Println(" (OK)")
		}
	}
}
