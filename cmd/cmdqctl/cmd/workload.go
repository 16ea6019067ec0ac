package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cmdq-dev/cmdq/internal/workload"
)

func newWorkloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workload",
		Short: "Manage Lua workload scripts",
	}
	cmd.AddCommand(newWorkloadSignCmd())
	return cmd
}

func newWorkloadSignCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Generate SHA256 manifest for workload scripts",
		Long: `Scans the directory for .lua files, computes SHA256 hashes, and writes a
workloads.sha256 manifest file. Agents check it when
workload.verify_integrity is enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := workload.GenerateManifest(dir)
			if err != nil {
				return fmt.Errorf("generate manifest: %w", err)
			}
			if err := m.WriteFile(dir); err != nil {
				return fmt.Errorf("write manifest: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Signed %d script(s) in %s\n", m.Count(), dir)
			m.WriteTo(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "directory holding the workload scripts")
	return cmd
}
