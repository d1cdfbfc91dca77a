package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/troupe-memory/internal/model"
	"github.com/rcliao/troupe-memory/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "context [description]",
		Short: "Assemble relevant memories for a task",
		Long:  "Retrieve the most similar memories, then greedily pack them into a token budget.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runContext,
	}

	cmd.Flags().IntP("top-k", "k", 10, "Memories to consider")
	cmd.Flags().String("type", "", "Filter by type: episodic or semantic")
	cmd.Flags().Bool("exclude-consolidated", false, "Skip episodic memories already consolidated")
	cmd.Flags().IntP("budget", "b", 2000, "Max tokens in output (default: config retrieval.context_budget)")

	RootCmd.AddCommand(cmd)
}

func runContext(cmd *cobra.Command, args []string) {
	topK, _ := cmd.Flags().GetInt("top-k")
	typ, _ := cmd.Flags().GetString("type")
	exclude, _ := cmd.Flags().GetBool("exclude-consolidated")
	budget, _ := cmd.Flags().GetInt("budget")
	query := strings.Join(args, " ")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if !cmd.Flags().Changed("budget") {
		budget = s.sess.cfg.Retrieval.ContextBudget
	}

	result, err := s.Context(cmd.Context(), store.ContextParams{
		Query:               query,
		TopK:                topK,
		Type:                model.Type(typ),
		ExcludeConsolidated: exclude,
		Budget:              budget,
	})
	if err != nil {
		exitErr("context", err)
	}

	b, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(b))
}
