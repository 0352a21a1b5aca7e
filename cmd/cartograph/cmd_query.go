package main

import (
	"github.com/spf13/cobra"

	"github.com/yairfalse/cartograph/internal/query"
)

var (
	queryServices []string
	queryRegions  []string
	queryText     bool
	queryTags     []string
	queryNoTags   []string
)

// queryCmd represents the query command
var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query the inventory",
	Long: `Print inventoried resources, optionally filtered by service, region and tag.

Output is JSON by default. --text prints one table per service and region
with tags and details flattened to key=value pairs.`,
	Example: `  cartograph query                                   # everything, as JSON
  cartograph query --services ec2,rds --regions us-east-1
  cartograph query --services elbv2 --text           # aliases are accepted
  cartograph query --tag env=prod --exclude-tag team=data`,
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)

	queryCmd.Flags().StringSliceVarP(&queryServices, "services", "s", nil, "Only these services")
	queryCmd.Flags().StringSliceVarP(&queryRegions, "regions", "r", nil, "Only these regions")
	queryCmd.Flags().StringSliceVar(&queryTags, "tag", nil, "Only resources with this tag (key=value, repeatable)")
	queryCmd.Flags().StringSliceVar(&queryNoTags, "exclude-tag", nil, "Skip resources with this tag (key=value, repeatable)")
	queryCmd.Flags().BoolVar(&queryText, "text", false, "Print tables instead of JSON")
}

func runQuery(cmd *cobra.Command, _ []string) error {
	filter, err := query.WithTags(query.ParseFilter(queryServices, queryRegions), queryTags, queryNoTags)
	if err != nil {
		return err
	}

	store, err := openStore(true)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	format := query.FormatJSON
	if queryText {
		format = query.FormatTable
	}

	_, err = query.NewEngine(store).Run(cmd.Context(), cmd.OutOrStdout(), filter, format)
	return err
}
