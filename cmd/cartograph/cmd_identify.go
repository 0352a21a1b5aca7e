package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cartograph/internal/identify"
	"github.com/yairfalse/cartograph/internal/query"
)

var identifyJSON bool

// identifyCmd represents the identify command
var identifyCmd = &cobra.Command{
	Use:   "identify <ip>",
	Short: "Find the resource that owns an IP address",
	Long: `Look an IP address up in the inventory's IP index.

An address can match several resources: load balancer nodes share
addresses, and addresses are reused after a resource is deleted. Every
match is printed and the result is flagged as ambiguous.`,
	Example: `  cartograph identify 10.0.3.17
  cartograph identify 2600:1f18::1 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runIdentify,
}

func init() {
	rootCmd.AddCommand(identifyCmd)

	identifyCmd.Flags().BoolVar(&identifyJSON, "json", false, "Print the result as JSON")
}

func runIdentify(cmd *cobra.Command, args []string) error {
	store, err := openStore(true)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	res, err := identify.Identify(cmd.Context(), store, args[0])
	if err != nil {
		return err
	}

	if identifyJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printIdentify(cmd.OutOrStdout(), res)
	return nil
}

func printIdentify(w io.Writer, res identify.Result) {
	if !res.Found() {
		fmt.Fprintf(w, "%s %s\n", yellow("unknown:"), res.Note())
		return
	}
	if res.Ambiguous {
		fmt.Fprintf(w, "%s %s\n\n", yellow("ambiguous:"), res.Note())
	}

	for i, r := range res.Matches {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s  %s\n", green(res.IP), bold(r.Name))
		fmt.Fprintf(w, "  service:   %s\n", r.Service)
		fmt.Fprintf(w, "  region:    %s\n", r.Region)
		fmt.Fprintf(w, "  arn:       %s\n", r.ARN)
		fmt.Fprintf(w, "  ips:       %s\n", query.FormatIPs(r.IPs))
		if tags := query.FormatTags(r.Tags); tags != "" {
			fmt.Fprintf(w, "  tags:      %s\n", tags)
		}
		if details := query.FormatDetails(r.Details); details != "" {
			fmt.Fprintf(w, "  details:   %s\n", details)
		}
		if !r.CollectedAt.IsZero() {
			fmt.Fprintf(w, "  collected: %s\n", r.CollectedAt.Format("2006-01-02 15:04:05 MST"))
		}
	}
}
