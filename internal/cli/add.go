package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nous-labs/mneme/pkg/memory"
	"github.com/nous-labs/mneme/pkg/store"
)

var addCmd = &cobra.Command{
	Use:   "add [content]",
	Short: "Store a memory and link it to related ones",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAdd,
}

func init() {
	addCmd.Flags().StringP("user", "u", "", "User id (required)")
	addCmd.Flags().String("category", string(store.CategoryFact), "fact, preference, event, relationship or insight")
	addCmd.Flags().Int("importance", 0, "Importance 1-10 (default 5)")
	addCmd.Flags().Bool("static", false, "Mark as a static profile fact (never decays)")
	_ = addCmd.MarkFlagRequired("user")
}

func runAdd(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetString("user")
	category, _ := cmd.Flags().GetString("category")
	importance, _ := cmd.Flags().GetInt("importance")
	static, _ := cmd.Flags().GetBool("static")

	ctx := cmd.Context()
	d, err := openDaemon(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	res, err := d.Memory().Add(ctx, memory.AddRequest{
		UserID:        user,
		Content:       strings.Join(args, " "),
		Category:      store.Category(category),
		Importance:    importance,
		StaticProfile: static,
	})
	if err != nil {
		return err
	}
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
