package cli

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/hybrid-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "index [text]",
		Short: "Index a canonical artifact",
		Long: "Add durable knowledge to the semantic store. Long text is split into chunks " +
			"<id>#1, <id>#2, ... Text can be a positional arg or piped via stdin.",
		Run: runIndex,
	}

	cmd.Flags().String("id", "", "Artifact id (default: generated)")
	cmd.Flags().StringSliceP("label", "l", nil, "Label (repeatable)")
	cmd.Flags().StringSliceP("tag", "t", nil, "Tag as key=value (repeatable)")
	cmd.Flags().Bool("pii", false, "Flag the artifact as containing personal data")

	RootCmd.AddCommand(cmd)
}

type indexedArtifact struct {
	ID        string         `json:"id"`
	Tags      map[string]any `json:"tags"`
	Chars     int            `json:"chars"`
	CreatedAt time.Time      `json:"created_at"`
}

func runIndex(cmd *cobra.Command, args []string) {
	id, _ := cmd.Flags().GetString("id")
	labels, _ := cmd.Flags().GetStringSlice("label")
	tagPairs, _ := cmd.Flags().GetStringSlice("tag")
	pii, _ := cmd.Flags().GetBool("pii")

	text := strings.TrimSpace(readContent(args))
	if text == "" {
		exitErr("index", errTextRequired)
	}
	tags, err := parseTags(tagPairs)
	if err != nil {
		exitErr("index", err)
	}

	m, _ := openMemory(cmd)
	defer m.Close()

	arts, err := m.Index(cmd.Context(), model.RawArtifact{
		ID:     id,
		Text:   text,
		Tags:   tags,
		Labels: labels,
		PII:    pii,
	})
	if err != nil {
		exitErr("index", err)
	}

	out := make([]indexedArtifact, len(arts))
	for i, a := range arts {
		out[i] = indexedArtifact{ID: a.ID, Tags: a.Tags, Chars: len(a.Text), CreatedAt: a.CreatedAt}
	}
	printJSON(out)
}
