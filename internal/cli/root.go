package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	configPath string
)

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	envServer := os.Getenv("QUIZITO_SERVER")
	if envServer == "" {
		envServer = "ws://localhost:8080/ws"
	}
	envConfig := os.Getenv("CONFIG_PATH")
	if envConfig == "" {
		envConfig = "config/config.yaml"
	}

	cmd := &cobra.Command{
		Use:   "quizito-client",
		Short: "Live quiz session client powered by Gorilla WebSocket",
	}

	cmd.PersistentFlags().StringVar(&serverURL, "server", envServer, "websocket endpoint of the quiz server")
	cmd.PersistentFlags().StringVar(&configPath, "config", envConfig, "path to YAML config")
	cmd.AddCommand(NewJoinCmd(&configPath, &serverURL))
	return cmd
}
