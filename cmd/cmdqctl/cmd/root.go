package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/cmdq-dev/cmdq/pkg/client"
)

var (
	serverURL string

	// Version is set by the main package via ldflags.
	Version = "dev"
)

// NewRootCmd creates the root cmdqctl command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "cmdqctl",
		Short:        "cmdq CLI: submit commands, poll results, inspect the dispatcher",
		Version:      Version,
		SilenceUsage: true,
	}

	defaultServer := os.Getenv("CMDQ_SERVER")
	if defaultServer == "" {
		defaultServer = client.DefaultServer
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "cmdqd base URL (env CMDQ_SERVER)")

	rootCmd.AddCommand(newSubmitCmd())
	rootCmd.AddCommand(newResultCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newAgentsCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newSecretsCmd())
	rootCmd.AddCommand(newWorkloadCmd())

	return rootCmd
}

func apiClient() *client.Client {
	return client.New(serverURL, nil)
}
