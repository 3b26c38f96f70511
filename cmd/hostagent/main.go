package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createDNSCommand(globalFlags),
		createHTTPGetCommand(globalFlags),
		createStatusCommand(globalFlags),
		createStartCommand(globalFlags),
		createStopCommand(globalFlags),
		createKillCommand(globalFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "hostagent",
		Short: "Single-host control agent for embedded HTTP listeners",
		Long: `Hostagent manages embedded HTTP listeners on one host, records their
lifecycle in a registry and exposes a small control API (DNS resolution,
HTTP relay, listener start/stop/status, self-termination).

Examples:
  hostagent serve config.toml                      # Start the agent
  hostagent start --port=9001                      # Start a listener on a running agent
  hostagent status --port=9001 --api-url=http://host:8080`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "http://localhost:8080", "control API URL of a running agent")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 15*time.Second, "request timeout")
	return root
}
