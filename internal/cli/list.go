package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/hybrid-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List journaled events",
		Long:  "List unexpired events from the journal, newest first.",
		Run:   runList,
	}

	cmd.Flags().String("category", "", "Filter by category")
	cmd.Flags().StringP("session", "s", "", "Filter by session id")
	cmd.Flags().IntP("limit", "n", 20, "Max results (0: all)")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	category, _ := cmd.Flags().GetString("category")
	session, _ := cmd.Flags().GetString("session")
	limit, _ := cmd.Flags().GetInt("limit")

	s, _ := openJournal()
	defer s.Close()

	events, err := s.Events(cmd.Context(), time.Now())
	if err != nil {
		exitErr("list", err)
	}

	var filter model.Filter
	if category != "" {
		filter = append(filter, model.Eq("category", category))
	}
	if session != "" {
		filter = append(filter, model.Eq("session_id", session))
	}

	out := []model.Event{}
	for i := len(events) - 1; i >= 0; i-- {
		if !filter.Match(events[i]) {
			continue
		}
		out = append(out, events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	printJSON(out)
}
