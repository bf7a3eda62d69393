// Package cmd is the CLI surface. The root command boots the gateway;
// every other subcommand either inspects local state or talks to a
// running gateway over the RPC WebSocket.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/openclaw/openclaw/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "openclaw",
	Short: "OpenClaw - personal AI agent gateway",
	Long: "OpenClaw routes chat messages from Telegram, Discord and WebChat into\n" +
		"agent runs, serializes them per session, and streams results back over\n" +
		"a JSON-RPC WebSocket.",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runGateway())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $OPENCLAW_CONFIG or ~/.openclaw/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(cronCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(pairingCmd())
	rootCmd.AddCommand(migrateCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("openclaw %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.ConfigPath()
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
