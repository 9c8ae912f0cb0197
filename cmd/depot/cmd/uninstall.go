package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <remote> <category> <package>",
	Short: "Remove an installed package",
	Args:  cobra.ExactArgs(3),
	RunE:  runUninstall,
}

func init() {
	rootCmd.AddCommand(uninstallCmd)
}

func runUninstall(cmd *cobra.Command, args []string) (err error) {
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

	rc, err := d.Uninstall(ctx, args[0], args[1], args[2])
	if err != nil {
		return err
	}
	return printReceipt(rc)
}
