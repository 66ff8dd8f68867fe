package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "traces",
		Short: "Show recent retrieval traces",
		Run:   runTraces,
	}

	cmd.Flags().IntP("limit", "n", 20, "Most recent records to show (0: all)")

	RootCmd.AddCommand(cmd)
}

func runTraces(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	m, _ := openMemory(cmd)
	defer m.Close()

	recs, err := m.Traces(cmd.Context(), limit)
	if err != nil {
		exitErr("traces", err)
	}
	if len(recs) == 0 {
		printJSON([]struct{}{})
		return
	}
	printJSON(recs)
}
