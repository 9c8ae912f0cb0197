package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/packdepot/depot"
)

var syncPrune bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize all enabled repositories",
	Long:  "Upgrade installed packages from every enabled repository. With --auto-install, also install packages not yet present.",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncPrune, "prune", false, "remove packages no longer present in their repository")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) (err error) {
	ctx := context.Background()

	d, err := openDepot(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := d.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if syncPrune {
		d.SetObsoleteHandler(func(candidates []depot.Entry) []depot.Entry {
			for _, entry := range candidates {
				fmt.Printf("removing obsolete package %s/%s\n", entry.Category, entry.Package)
			}
			return candidates
		})
	}

	rc, err := d.SynchronizeAll(ctx)
	if err != nil {
		return err
	}
	return printReceipt(rc)
}
