// Karen orchestration server and CLI.
//
// Usage:
//
//	karen serve --config karen.yaml          # HTTP on :8080, gRPC health on :50051
//	karen chat --user alice "Hello there"    # one in-process turn
//	karen chat --stream --user alice "Hi"    # print streaming events
//	karen status --server http://localhost:8080
//	karen approve rev-1 --decision approved --resume
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath is the optional YAML service config.
	configPath string
	// serverURL is the base URL of a running karen server.
	serverURL string

	version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "karen",
		Short: "Conversation orchestration server",
		Long: `karen runs conversation turns through the auth, safety, memory, intent,
planning, routing, tool, synthesis, approval and memory-write stages.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (env KAREN_* overrides)")
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "karen server URL")

	root.AddCommand(newServeCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newApproveCmd())
	return root
}
