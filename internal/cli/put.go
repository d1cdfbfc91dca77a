package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/troupe-memory/internal/model"
	"github.com/rcliao/troupe-memory/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "put [content]",
		Short: "Store a memory",
		Long:  "Store a memory in the agent's store. Content can be a positional arg or piped via stdin.",
		Run:   runPut,
	}

	cmd.Flags().StringP("source", "s", "user", "Who or what produced the memory")
	cmd.Flags().String("type", "episodic", "Type: episodic or semantic")
	cmd.Flags().String("meta", "", "JSON object metadata")

	RootCmd.AddCommand(cmd)
}

func runPut(cmd *cobra.Command, args []string) {
	source, _ := cmd.Flags().GetString("source")
	typ, _ := cmd.Flags().GetString("type")
	meta, _ := cmd.Flags().GetString("meta")

	// Get content: positional arg first, then check stdin
	var content string
	if len(args) > 0 {
		content = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			content = string(b)
		}
	}

	var metadata model.Metadata
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &metadata); err != nil {
			exitErr("put", fmt.Errorf("--meta must be a JSON object: %w", err))
		}
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	rec, err := s.Put(cmd.Context(), store.PutParams{
		Content:  strings.TrimSpace(content),
		Source:   source,
		Type:     model.Type(typ),
		Metadata: metadata,
	})
	if err != nil {
		exitErr("put", err)
	}

	b, _ := json.Marshal(rec)
	fmt.Println(string(b))
}
