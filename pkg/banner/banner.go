package banner

import (
	"fmt"

	"r3chat/pkg/config"
)

const banner = `
██████╗ ██████╗      ██████╗██╗  ██╗ █████╗ ████████╗
██╔══██╗╚════██╗    ██╔════╝██║  ██║██╔══██╗╚══██╔══╝
██████╔╝ █████╔╝    ██║     ███████║███████║   ██║
██╔══██╗ ╚═══██╗    ██║     ██╔══██║██╔══██║   ██║
██║  ██║██████╔╝    ╚██████╗██║  ██║██║  ██║   ██║
╚═╝  ╚═╝╚═════╝      ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝
`

// PrintWithEff prints the startup banner with runtime info from the
// effective config.
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", eff.Addr)
	fmt.Printf("DB Path:  %s\n", eff.DBPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	if eff.Source != "" {
		fmt.Printf("Config sources: %s\n", eff.Source)
	}
	if eff.Config != nil {
		model := eff.Config.Provider.DefaultModel
		if model == "" {
			model = "(none)"
		}
		fmt.Printf("Default model: %s\n", model)
		if eff.Config.Sweeper.Enabled {
			fmt.Printf("Sweep cron: %s\n", eff.Config.Sweeper.Cron)
		}
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("POST /v1/ai/stream - Send a message and stream the AI response")
	fmt.Println("GET  /v1/conversations - List conversations for the caller")
	fmt.Println("GET  /v1/conversations/{id}/messages - List messages")
	fmt.Println("GET  /v1/conversations/{id}/watch - Subscribe to live updates (SSE)")
	fmt.Println("GET  /docs/ - API documentation")
	fmt.Println()
}
