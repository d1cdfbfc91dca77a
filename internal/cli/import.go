package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/troupe-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import memories from JSON",
		Long:  "Import memories from JSON (file or stdin) in the format produced by export. Records are re-embedded.",
		Args:  cobra.MaximumNArgs(1),
		Run:   runImport,
	}

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	var (
		data []byte
		err  error
	)
	if len(args) == 1 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		exitErr("read input", err)
	}

	var records []model.Record
	if err := json.Unmarshal(data, &records); err != nil {
		exitErr("parse json", err)
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	imported, err := s.Import(cmd.Context(), records)
	if err != nil {
		exitErr(fmt.Sprintf("import (after %d records)", imported), err)
	}

	fmt.Printf(`{"ok":true,"imported":%d}`+"\n", imported)
}
