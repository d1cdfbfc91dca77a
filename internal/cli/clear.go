package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every memory of the agent",
		Run:   runClear,
	}

	cmd.Flags().Bool("yes", false, "Confirm the irreversible delete")

	RootCmd.AddCommand(cmd)
}

func runClear(cmd *cobra.Command, args []string) {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		exitErr("clear", errors.New("refusing to clear without --yes"))
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if err := s.Clear(cmd.Context()); err != nil {
		exitErr("clear", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"agent":%q}`+"\n", agentName)
}
