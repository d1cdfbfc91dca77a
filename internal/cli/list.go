package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rcliao/troupe-memory/internal/model"
	"github.com/rcliao/troupe-memory/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories in insertion order",
		Run:   runList,
	}

	cmd.Flags().String("type", "", "Filter by type: episodic or semantic")
	cmd.Flags().String("consolidated", "", "Filter by consolidated flag: true or false")
	cmd.Flags().IntP("limit", "l", 20, "Max results")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	typ, _ := cmd.Flags().GetString("type")
	consolidated, _ := cmd.Flags().GetString("consolidated")
	limit, _ := cmd.Flags().GetInt("limit")

	p := store.ListParams{Type: model.Type(typ), Limit: limit}
	if consolidated != "" {
		v, err := strconv.ParseBool(consolidated)
		if err != nil {
			exitErr("list", fmt.Errorf("--consolidated must be true or false"))
		}
		p.Consolidated = &v
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	records, err := s.List(cmd.Context(), p)
	if err != nil {
		exitErr("list", err)
	}

	b, _ := json.MarshalIndent(records, "", "  ")
	fmt.Println(string(b))
}
