package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/hybrid-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "retrieve [query]",
		Short: "Assemble context for a query",
		Long: "Query both stores, merge episodic before semantic items, optionally rerank by " +
			"score, and greedily pack the result into a token budget. Unset options take the " +
			"configured defaults.",
		Args: cobra.MinimumNArgs(1),
		Run:  runRetrieve,
	}

	cmd.Flags().Int("k-epi", 0, "Episodic candidates (0: default, negative: none)")
	cmd.Flags().Int("k-sem", 0, "Semantic candidates (0: default, negative: none)")
	cmd.Flags().IntP("budget", "b", 0, "Token budget (0: default)")
	cmd.Flags().Bool("rerank", false, "Rerank merged items by score")
	cmd.Flags().StringP("session", "s", "", "Only episodic events from this session")
	cmd.Flags().StringSliceP("label", "l", nil, "Only artifacts carrying this label (repeatable)")
	cmd.Flags().String("epi-filter", "", "Episodic filter as JSON (predicate list or mapping)")
	cmd.Flags().String("sem-filter", "", "Semantic filter as JSON (predicate list or mapping)")
	cmd.Flags().Bool("allow-pii", false, "Include artifacts flagged as personal data")

	RootCmd.AddCommand(cmd)
}

func runRetrieve(cmd *cobra.Command, args []string) {
	req, err := retrieveRequest(cmd, strings.Join(args, " "))
	if err != nil {
		exitErr("retrieve", err)
	}

	m, _ := openMemory(cmd)
	defer m.Close()

	res, err := m.Retrieve(cmd.Context(), req)
	if err != nil {
		exitErr("retrieve", err)
	}
	printJSON(res)
}

func retrieveRequest(cmd *cobra.Command, query string) (model.Request, error) {
	kEpi, _ := cmd.Flags().GetInt("k-epi")
	kSem, _ := cmd.Flags().GetInt("k-sem")
	budget, _ := cmd.Flags().GetInt("budget")
	session, _ := cmd.Flags().GetString("session")
	labels, _ := cmd.Flags().GetStringSlice("label")
	epiJSON, _ := cmd.Flags().GetString("epi-filter")
	semJSON, _ := cmd.Flags().GetString("sem-filter")
	allowPII, _ := cmd.Flags().GetBool("allow-pii")

	req := model.Request{
		QueryText:   query,
		KEpi:        kEpi,
		KSem:        kSem,
		TokenBudget: budget,
		AllowPII:    allowPII,
	}
	if cmd.Flags().Changed("rerank") {
		rerank, _ := cmd.Flags().GetBool("rerank")
		req.Rerank = &rerank
	}

	var err error
	if req.EpisodicFilter, err = parseFilter(epiJSON); err != nil {
		return model.Request{}, fmt.Errorf("--epi-filter: %w", err)
	}
	if session != "" {
		req.EpisodicFilter = append(req.EpisodicFilter, model.Eq("session_id", session))
	}
	if req.SemanticFilter, err = parseFilter(semJSON); err != nil {
		return model.Request{}, fmt.Errorf("--sem-filter: %w", err)
	}
	for _, l := range labels {
		req.SemanticFilter = append(req.SemanticFilter, model.Contains(model.TagLabels, l))
	}
	return req, nil
}

// parseFilter returns nil for an empty document, so the configured default applies.
func parseFilter(doc string) (model.Filter, error) {
	if strings.TrimSpace(doc) == "" {
		return nil, nil
	}
	var f model.Filter
	if err := json.Unmarshal([]byte(doc), &f); err != nil {
		return nil, err
	}
	if f == nil {
		f = model.Filter{}
	}
	return f, nil
}
