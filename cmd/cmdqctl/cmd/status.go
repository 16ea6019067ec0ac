package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cmdqd status",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiClient().Status(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status:       %s\n", resp.Status)
			fmt.Fprintf(out, "Uptime:       %s\n", resp.Uptime)
			fmt.Fprintf(out, "NATS Running: %v\n", resp.NATSRunning)
			fmt.Fprintf(out, "Started At:   %s\n", resp.StartedAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "Store:        %s\n", resp.StoreBackend)
			fmt.Fprintf(out, "Agents:       %d\n", resp.AgentCount)
			fmt.Fprintf(out, "Signing Keys: %d\n", resp.KeyCount)
			return nil
		},
	}
}

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiClient().Agents(cmd.Context())
			if err != nil {
				return err
			}

			if len(resp.Agents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No agents registered.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tIDENTITY\tVERSION\tSTATUS\tCOMMANDS\tERRORS\tIN FLIGHT\tLAST HEARTBEAT")
			for _, a := range resp.Agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					a.Name, a.Identity, a.Version, a.Status,
					a.CommandsProcessed, a.Errors, a.InFlight,
					a.LastHeartbeat.Format("15:04:05"),
				)
			}
			return w.Flush()
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage agent configuration",
	}
	cmd.AddCommand(newConfigReloadCmd())
	return cmd
}

func newConfigReloadCmd() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Signal agents to reload their workload",
		Long: `Sends a config reload signal via cmdqd. By default, broadcasts to all
agents. Use --target to reload a specific agent.

Examples:
  cmdqctl config reload
  cmdqctl config reload --target batch-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiClient().Reload(cmd.Context(), target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config reload requested for: %s\n", resp.Target)
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "agent name (default: all)")
	return cmd
}
