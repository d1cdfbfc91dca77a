package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Retrieve a memory by id",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	cmd.Flags().Bool("provenance", false, "Include the episodic records a semantic memory was consolidated from")

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	provenance, _ := cmd.Flags().GetBool("provenance")

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		exitErr("get", fmt.Errorf("invalid id %q", args[0]))
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	var out any
	if provenance {
		out, err = s.Provenance(cmd.Context(), id)
	} else {
		out, err = s.Get(cmd.Context(), id)
	}
	if err != nil {
		exitErr("get", err)
	}

	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}
