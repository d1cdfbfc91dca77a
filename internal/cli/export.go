package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/troupe-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export memories as JSON",
		Long:  "Export the agent's memories as a JSON array. Embeddings are not exported.",
		Run:   runExport,
	}

	cmd.Flags().String("type", "", "Filter by type: episodic or semantic")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	typ, _ := cmd.Flags().GetString("type")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	records, err := s.ExportAll(cmd.Context(), model.Type(typ))
	if err != nil {
		exitErr("export", err)
	}

	b, _ := json.MarshalIndent(records, "", "  ")
	fmt.Println(string(b))
}
