package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/hybrid-memory/internal/memory"
	"github.com/rcliao/hybrid-memory/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store and journal statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

type statsOutput struct {
	Memory  memory.Stats `json:"memory"`
	Journal *store.Stats `json:"journal,omitempty"`
}

func runStats(cmd *cobra.Command, args []string) {
	m, _ := openMemory(cmd)
	out := statsOutput{Memory: m.Stats()}
	journalPath := m.Config().Journal.Path
	if err := m.Close(); err != nil {
		exitErr("close memory", err)
	}

	if journalPath != "" {
		s, err := store.NewSQLiteStore(journalPath)
		if err != nil {
			exitErr("open journal", err)
		}
		defer s.Close()
		out.Journal, err = s.Stats(cmd.Context(), time.Now())
		if err != nil {
			exitErr("stats", err)
		}
	}
	printJSON(out)
}
