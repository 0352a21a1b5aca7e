package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/yairfalse/cartograph/internal/export"
)

var exportOutput string

// exportCmd represents the export-hosts command
var exportCmd = &cobra.Command{
	Use:   "export-hosts",
	Short: "Write the IP index as a hosts file",
	Long: `Write one "<ip> <name>" line per inventoried IP address, sorted by
address, with the owning service and ARN as a trailing comment. The output
is stable for an unchanged inventory, so it diffs cleanly.`,
	Example: `  cartograph export-hosts
  cartograph export-hosts --output /etc/wireshark/hosts`,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output path (default: hosts.txt)")
}

func runExport(cmd *cobra.Command, _ []string) error {
	if cmd.Flags().Changed("output") {
		cfg.Export.Output = exportOutput
	}

	store, err := openStore(true)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	n, err := export.WriteHostsFile(cmd.Context(), afero.NewOsFs(), cfg.Export.Output, store)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d host entries to %s\n", n, cfg.Export.Output)
	return nil
}
