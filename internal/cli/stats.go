package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show memory statistics for the agent",
		Run:   runStats,
	}

	cmd.Flags().Duration("time-threshold", 24*time.Hour, "Age used to count consolidation-eligible records")

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	threshold, _ := cmd.Flags().GetDuration("time-threshold")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if !cmd.Flags().Changed("time-threshold") {
		threshold = s.sess.cfg.Consolidation.TimeThreshold
	}

	stats, err := s.Stats(cmd.Context(), threshold)
	if err != nil {
		exitErr("stats", err)
	}

	b, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(b))
}
