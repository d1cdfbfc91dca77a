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
		Use:   "search [query]",
		Short: "Retrieve memories by similarity",
		Long:  "Embed the query and rank the agent's memories by cosine similarity.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().IntP("top-k", "k", 5, "Max results (default: config retrieval.top_k)")
	cmd.Flags().String("type", "", "Filter by type: episodic or semantic")
	cmd.Flags().Bool("exclude-consolidated", false, "Skip episodic memories already consolidated")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	topK, _ := cmd.Flags().GetInt("top-k")
	typ, _ := cmd.Flags().GetString("type")
	exclude, _ := cmd.Flags().GetBool("exclude-consolidated")
	query := strings.Join(args, " ")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if !cmd.Flags().Changed("top-k") {
		topK = s.sess.cfg.Retrieval.TopK
	}

	results, err := s.RetrieveRelevant(cmd.Context(), store.RetrieveParams{
		Query:               query,
		TopK:                topK,
		Type:                model.Type(typ),
		ExcludeConsolidated: exclude,
	})
	if err != nil {
		exitErr("search", err)
	}

	if len(results) == 0 {
		fmt.Println("[]")
		return
	}

	b, _ := json.MarshalIndent(results, "", "  ")
	fmt.Println(string(b))
}
