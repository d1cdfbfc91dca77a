package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/troupe-memory/internal/registry"
	"github.com/rcliao/troupe-memory/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List agents that have a memory store",
		Run:   runAgents,
	}

	RootCmd.AddCommand(cmd)
}

type agentRow struct {
	Agent string `json:"agent"`
	Path  string `json:"path"`
}

func runAgents(cmd *cobra.Command, args []string) {
	sess, err := openSession()
	if err != nil {
		exitErr("open session", err)
	}
	defer sess.Close()

	names, err := registry.Discover(sess.reg.Dir())
	if err != nil {
		exitErr("list agents", err)
	}

	rows := make([]agentRow, 0, len(names))
	for _, name := range names {
		rows = append(rows, agentRow{Agent: name, Path: store.PathFor(sess.reg.Dir(), name)})
	}

	b, _ := json.MarshalIndent(rows, "", "  ")
	fmt.Println(string(b))
}
