package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/hybrid-memory/internal/model"
)

var errTextRequired = errors.New("text is required (positional arg or stdin)")

func init() {
	cmd := &cobra.Command{
		Use:   "ingest [text]",
		Short: "Record an event",
		Long: "Validate and store an event in the episodic log. Canonical events are indexed " +
			"for similarity search as well. Text can be a positional arg or piped via stdin; " +
			"with --raw, stdin holds a full event as JSON.",
		Run: runIngest,
	}

	cmd.Flags().String("category", string(model.CategoryOther), "Category: decision, fact, error, metadata, procedure, other")
	cmd.Flags().StringP("session", "s", "", "Session id")
	cmd.Flags().StringSliceP("tag", "t", nil, "Tag as key=value (repeatable)")
	cmd.Flags().Int("ttl", 0, "TTL in days (default: category or global default)")
	cmd.Flags().Bool("canonical", false, "Also index the event in the semantic store")
	cmd.Flags().StringSliceP("label", "l", nil, "Artifact label for canonical events (repeatable)")
	cmd.Flags().Bool("pii", false, "Flag the canonical artifact as containing personal data")
	cmd.Flags().Bool("raw", false, "Read a JSON event from stdin")

	RootCmd.AddCommand(cmd)
}

func runIngest(cmd *cobra.Command, args []string) {
	raw, err := ingestRequest(cmd, args)
	if err != nil {
		exitErr("ingest", err)
	}

	m, _ := openMemory(cmd)
	defer m.Close()

	ev, err := m.Ingest(cmd.Context(), raw)
	if err != nil {
		exitErr("ingest", err)
	}
	printJSON(ev)
}

func ingestRequest(cmd *cobra.Command, args []string) (model.RawEvent, error) {
	useRaw, _ := cmd.Flags().GetBool("raw")
	if useRaw {
		var raw model.RawEvent
		if err := json.Unmarshal([]byte(readContent(nil)), &raw); err != nil {
			return model.RawEvent{}, fmt.Errorf("parse event: %w", err)
		}
		return raw, nil
	}

	category, _ := cmd.Flags().GetString("category")
	session, _ := cmd.Flags().GetString("session")
	tagPairs, _ := cmd.Flags().GetStringSlice("tag")
	ttl, _ := cmd.Flags().GetInt("ttl")
	canonical, _ := cmd.Flags().GetBool("canonical")
	labels, _ := cmd.Flags().GetStringSlice("label")
	pii, _ := cmd.Flags().GetBool("pii")

	text := strings.TrimSpace(readContent(args))
	if text == "" {
		return model.RawEvent{}, errTextRequired
	}
	tags, err := parseTags(tagPairs)
	if err != nil {
		return model.RawEvent{}, err
	}

	raw := model.RawEvent{
		Category:  category,
		SessionID: session,
		Payload:   model.Payload{Text: text},
		Tags:      tags,
		Canonical: canonical,
		Labels:    labels,
		PII:       pii,
	}
	if cmd.Flags().Changed("ttl") {
		raw.TTLDays = &ttl
	}
	return raw, nil
}
