package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/versekit/versekit/heap"
	"github.com/versekit/versekit/pkg/page"
)

func init() {
	rootCmd.AddCommand(newInfoCmd())
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show subsystem constants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("enabled:               %v\n", heap.Enabled)
			fmt.Printf("chunk size:            %d (%#x)\n", page.ChunkSize, page.ChunkSize)
			fmt.Printf("page size:             %d\n", page.PageSize)
			fmt.Printf("caged large threshold: %d (%d chunks)\n",
				heap.CagedLargeThreshold, heap.CagedLargeThreshold/page.ChunkSize)
			return nil
		},
	}
}
