package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Merge old scene memories into a higher-level summary",
		Long: "Runs one compaction pass for the given session: level 1 merges raw scene\n" +
			"entries, level 2 merges level-1 summaries. A pass below the entry\n" +
			"threshold is a no-op.",
		Run: runCompact,
	}
	cmd.Flags().IntP("level", "l", 1, "Target level (1 or 2)")
	RootCmd.AddCommand(cmd)
}

func runCompact(cmd *cobra.Command, _ []string) {
	level, _ := cmd.Flags().GetInt("level")

	application, err := buildApp(cmd.Context())
	if err != nil {
		exitErr("start", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = application.Close(closeCtx)
	}()

	runCompaction(cmd.Context(), application.Compactor(), level)
}
