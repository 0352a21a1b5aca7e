package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cartograph/internal/query"
)

var (
	pruneServices []string
	pruneRegions  []string
	pruneOlder    time.Duration
	pruneDryRun   bool
	pruneTags     []string
	pruneNoTags   []string
)

// pruneCmd represents the prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete resources not seen by recent inventory runs",
	Long: `Delete resources whose last collection is older than --older-than,
together with their IP index entries.

Inventory runs never delete anything: a resource missing from a narrow
rescan may simply have been out of scope. Prune is the explicit way to
drop what you know is gone.`,
	Example: `  cartograph prune --older-than 168h
  cartograph prune --older-than 24h --services ec2 --regions us-east-1 --dry-run`,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)

	pruneCmd.Flags().StringSliceVarP(&pruneServices, "services", "s", nil, "Only these services")
	pruneCmd.Flags().StringSliceVarP(&pruneRegions, "regions", "r", nil, "Only these regions")
	pruneCmd.Flags().StringSliceVar(&pruneTags, "tag", nil, "Only resources with this tag (key=value, repeatable)")
	pruneCmd.Flags().StringSliceVar(&pruneNoTags, "exclude-tag", nil, "Keep resources with this tag (key=value, repeatable)")
	pruneCmd.Flags().DurationVar(&pruneOlder, "older-than", 0, "Delete resources collected longer ago than this")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "List what would be deleted without deleting")
}

func runPrune(cmd *cobra.Command, _ []string) error {
	if pruneOlder <= 0 {
		return errors.New("--older-than must be a positive duration")
	}
	before := time.Now().Add(-pruneOlder).UTC()
	filter, err := query.WithTags(query.ParseFilter(pruneServices, pruneRegions), pruneTags, pruneNoTags)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()

	if pruneDryRun {
		store, err := openStore(true)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		resources, err := query.NewEngine(store).Query(cmd.Context(), filter)
		if err != nil {
			return err
		}
		n := 0
		for _, r := range resources {
			if r.CollectedAt.Before(before) {
				fmt.Fprintf(w, "would remove %s\n", r.Identity())
				n++
			}
		}
		fmt.Fprintf(w, "%d resource(s) collected before %s\n", n, before.Format(time.RFC3339))
		return nil
	}

	store, err := openStore(false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	res, err := store.Prune(cmd.Context(), filter, before)
	if err != nil {
		return err
	}
	for _, id := range res.Removed {
		fmt.Fprintf(w, "removed %s\n", id)
	}
	fmt.Fprintf(w, "Pruned %d resource(s) collected before %s\n", len(res.Removed), before.Format(time.RFC3339))
	return nil
}
