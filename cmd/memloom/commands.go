package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"memloom/internal/config"
	"memloom/internal/types"
)

var (
	// submit flags
	submitFile    string
	submitProject string
	submitUser    string
	submitKind    string
	submitEntity  string
	submitContent string
	submitTags    []string
	submitStores  []string
	submitWait    bool

	// status flags
	statusHistory bool

	// query flags
	queryProject  string
	queryUser     string
	queryTopK     int
	queryTags     []string
	querySources  []string
	queryDeadline time.Duration
	queryVector   string
	queryPathFrom string
	queryPathTo   string
	queryPathMax  int
)

// initCmd writes the default config into the workspace
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize memloom in the current workspace",
	Long: `Creates the .memloom/ directory with a default config file.
Run this once per workspace; every other command reads that config.`,
	RunE: runInit,
}

// submitCmd submits one write intent
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a write intent to the consistency pipeline",
	Long: `Submits one logical mutation. The intent is durably recorded, queued
for its project, and applied to every target store in order; a partial
failure is compensated back out automatically.

Build the intent from flags, or pass a full JSON intent with --file:

  memloom submit --project demo --user max --kind fact \
      --entity fact:boiling-point --content "water boils at 100C"
  memloom submit --file intent.json --wait`,
	RunE: runSubmit,
}

// statusCmd prints an intent's ledger record
var statusCmd = &cobra.Command{
	Use:   "status [intent-id]",
	Short: "Show an intent's current status from the ledger",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

// queryCmd runs a hybrid retrieval query
var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Run a hybrid retrieval query across all sources",
	Long: `Fans the query out to the similarity, graph, and memory sources and
prints the fused ranking. Sources that miss the deadline degrade the result
instead of failing it.

With --path-from and --path-to the command instead walks the knowledge
graph and prints the shortest relation path between two entities.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runQuery,
}

// recoverCmd replays non-terminal ledger entries
var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Replay unfinished intents from the ledger",
	Long: `Scans the ledger for intents that never reached a terminal status
(for example after a crash) and drives each one forward or unwinds it.`,
	RunE: runRecover,
}

// statsCmd prints pipeline statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ledger, store, and queue statistics",
	RunE:  runStats,
}

func init() {
	submitCmd.Flags().StringVar(&submitFile, "file", "", "Read a JSON WriteIntent from this file ('-' for stdin)")
	submitCmd.Flags().StringVar(&submitProject, "project", "", "Project ID")
	submitCmd.Flags().StringVar(&submitUser, "user", "", "User ID")
	submitCmd.Flags().StringVar(&submitKind, "kind", "fact", "Intent kind: fact, concept, chunk, relation, summary")
	submitCmd.Flags().StringVar(&submitEntity, "entity", "", "Entity ID the mutation addresses")
	submitCmd.Flags().StringVar(&submitContent, "content", "", "Payload content")
	submitCmd.Flags().StringSliceVar(&submitTags, "tags", nil, "Topic tags")
	submitCmd.Flags().StringSliceVar(&submitStores, "stores", []string{"relational", "memory"}, "Target stores, in apply order")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "Block until the intent reaches a terminal status")

	statusCmd.Flags().BoolVar(&statusHistory, "history", false, "Print every ledger revision, not just the latest")

	queryCmd.Flags().StringVar(&queryProject, "project", "", "Project ID (required)")
	queryCmd.Flags().StringVar(&queryUser, "user", "", "User ID")
	queryCmd.Flags().IntVar(&queryTopK, "top-k", 10, "Number of fused results")
	queryCmd.Flags().StringSliceVar(&queryTags, "tags", nil, "Topic tags steering the memory source")
	queryCmd.Flags().StringSliceVar(&querySources, "sources", nil, "Limit fan-out to these sources")
	queryCmd.Flags().DurationVar(&queryDeadline, "deadline", 0, "Per-query deadline (default from config)")
	queryCmd.Flags().StringVar(&queryVector, "vector", "", "Comma-separated query embedding")
	queryCmd.Flags().StringVar(&queryPathFrom, "path-from", "", "Graph traversal: start entity")
	queryCmd.Flags().StringVar(&queryPathTo, "path-to", "", "Graph traversal: target entity")
	queryCmd.Flags().IntVar(&queryPathMax, "path-max-depth", 5, "Graph traversal depth limit")
	queryCmd.MarkFlagRequired("project")
}

func runInit(cmd *cobra.Command, args []string) error {
	cfgPath := config.DefaultConfigPath(workspace)
	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Printf("Already initialized: %s\n", cfgPath)
		return nil
	}

	cfg := config.DefaultConfig()
	if err := cfg.Save(cfgPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Initialized memloom workspace: %s\n", cfgPath)
	return nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	intent, err := buildIntent()
	if err != nil {
		return err
	}

	a, err := newApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	entry, err := a.coordinator.Submit(ctx, intent)
	if err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}

	if submitWait {
		entry, err = waitForTerminal(ctx, a, entry.IntentID)
		if err != nil {
			return err
		}
	}
	return printJSON(entry)
}

func buildIntent() (*types.WriteIntent, error) {
	if submitFile != "" {
		var data []byte
		var err error
		if submitFile == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(submitFile)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read intent file: %w", err)
		}
		var intent types.WriteIntent
		if err := json.Unmarshal(data, &intent); err != nil {
			return nil, fmt.Errorf("failed to parse intent JSON: %w", err)
		}
		return &intent, nil
	}

	stores := make([]types.StoreKind, 0, len(submitStores))
	for _, s := range submitStores {
		stores = append(stores, types.StoreKind(strings.TrimSpace(s)))
	}
	return &types.WriteIntent{
		ProjectID: submitProject,
		UserID:    submitUser,
		Kind:      types.IntentKind(submitKind),
		Payload: types.IntentPayload{
			EntityID:  submitEntity,
			Content:   submitContent,
			TopicTags: submitTags,
		},
		TargetStores: stores,
	}, nil
}

func waitForTerminal(ctx context.Context, a *app, intentID string) (*types.LedgerEntry, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		entry, err := a.coordinator.Status(ctx, intentID)
		if err != nil {
			return nil, err
		}
		if entry.Status.Terminal() {
			return entry, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for intent %s (last status: %s)", intentID, entry.Status)
		case <-ticker.C:
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if statusHistory {
		history, err := a.ledger.History(ctx, args[0])
		if err != nil {
			return err
		}
		if len(history) == 0 {
			return types.ErrIntentNotFound
		}
		return printJSON(history)
	}

	entry, err := a.coordinator.Status(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(entry)
}

func runQuery(cmd *cobra.Command, args []string) error {
	a, err := newApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	// Path inspection mode walks the graph store directly.
	if queryPathFrom != "" || queryPathTo != "" {
		if queryPathFrom == "" || queryPathTo == "" {
			return fmt.Errorf("--path-from and --path-to must be given together")
		}
		path, err := a.graph.TraversePath(ctx, queryProject, queryPathFrom, queryPathTo, queryPathMax)
		if err != nil {
			return err
		}
		if path == nil {
			fmt.Printf("No path from %s to %s within depth %d\n", queryPathFrom, queryPathTo, queryPathMax)
			return nil
		}
		return printJSON(path)
	}

	var text string
	if len(args) > 0 {
		text = args[0]
	}
	vector, err := parseVector(queryVector)
	if err != nil {
		return err
	}

	sources := make([]types.SourceKind, 0, len(querySources))
	for _, s := range querySources {
		sources = append(sources, types.SourceKind(strings.TrimSpace(s)))
	}

	result, err := a.engine.Retrieve(ctx, &types.RetrievalQuery{
		QueryText:     text,
		QueryVector:   vector,
		ProjectID:     queryProject,
		UserID:        queryUser,
		TopK:          queryTopK,
		SourceFilters: sources,
		Deadline:      queryDeadline,
		TopicTags:     queryTags,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func parseVector(s string) ([]float32, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		out = append(out, float32(f))
	}
	return out, nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	a, err := newApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	replayed, err := a.coordinator.Recover(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Recovery replayed %d intents\n", replayed)

	review, err := a.ledger.ScanByStatus(ctx, types.StatusFailed)
	if err != nil {
		return err
	}
	for _, entry := range review {
		if entry.RequiresManualReview {
			fmt.Printf("  needs manual review: %s (entity %s)\n", entry.IntentID, entry.Intent.Payload.EntityID)
		}
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := newApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	ledgerStats, err := a.coordinator.LedgerStats(ctx)
	if err != nil {
		return err
	}
	storeStats, err := a.backend.Stats()
	if err != nil {
		return err
	}
	memoryStats, err := a.memory.Stats()
	if err != nil {
		return err
	}

	out := map[string]any{
		"ledger": ledgerStats,
		"stores": storeStats,
		"memory": memoryStats,
		"queue":  a.coordinator.QueueDepths(),
	}
	return printJSON(out)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
