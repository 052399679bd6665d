package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nous-labs/mneme/pkg/memory"
	"github.com/nous-labs/mneme/pkg/store"
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search a user's memories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().StringP("user", "u", "", "User id (required)")
	searchCmd.Flags().String("category", "", "Filter by category")
	searchCmd.Flags().IntP("limit", "l", 10, "Max results")
	searchCmd.Flags().Bool("dormant", false, "Include dormant memories")
	searchCmd.Flags().Bool("rerank", false, "Rerank with the fast completion tier")
	_ = searchCmd.MarkFlagRequired("user")
}

func runSearch(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetString("user")
	category, _ := cmd.Flags().GetString("category")
	limit, _ := cmd.Flags().GetInt("limit")
	dormant, _ := cmd.Flags().GetBool("dormant")
	rerank, _ := cmd.Flags().GetBool("rerank")

	if category != "" && !store.Category(category).Valid() {
		return fmt.Errorf("unknown category %q", category)
	}

	ctx := cmd.Context()
	d, err := openDaemon(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	results, err := d.Memory().Search(ctx, strings.Join(args, " "), memory.SearchOptions{
		UserID:         user,
		Category:       store.Category(category),
		Limit:          limit,
		IncludeDormant: dormant,
		Rerank:         rerank,
		SkipAccess:     true,
	})
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if len(results) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "[]")
		return nil
	}
	out, _ := json.MarshalIndent(results, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
