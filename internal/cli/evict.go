package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Remove expired events",
		Long:  "Drop every episodic event whose TTL has passed, in memory and in the journal.",
		Run:   runEvict,
	}

	RootCmd.AddCommand(cmd)
}

func runEvict(cmd *cobra.Command, args []string) {
	m, _ := openMemory(cmd)
	defer m.Close()

	n := m.EvictExpired(cmd.Context())
	printJSON(map[string]int{"evicted": n})
}
