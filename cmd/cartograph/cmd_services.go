package main

import (
	"io"

	"github.com/aquasecurity/table"
	"github.com/spf13/cobra"

	"github.com/yairfalse/cartograph/internal/collector"
	"github.com/yairfalse/cartograph/internal/collector/aws"
)

// servicesCmd represents the services command
var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List the services inventory can collect",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// Loading the shared config reads local files only; no AWS call is made.
		sess, err := aws.NewSession(cmd.Context(), "")
		if err != nil {
			return err
		}
		reg := aws.NewRegistry(sess, aws.Options{})
		defer func() { _ = reg.Close() }()

		printServices(cmd.OutOrStdout(), reg.Collectors())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(servicesCmd)
}

func printServices(w io.Writer, collectors []collector.Collector) {
	t := table.New(w)
	t.SetHeaders("Service", "Scope")
	t.SetHeaderStyle(table.StyleBold)
	t.SetRowLines(false)
	t.SetDividers(table.UnicodeRoundedDividers)
	t.SetAlignment(table.AlignLeft)
	for _, c := range collectors {
		scope := "regional"
		if c.Global() {
			scope = "global (" + collector.ReferenceRegion + ")"
		}
		t.AddRow(string(c.Service()), scope)
	}
	t.Render()
}
