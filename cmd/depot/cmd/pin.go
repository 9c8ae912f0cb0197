package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var pinRelease bool

var pinCmd = &cobra.Command{
	Use:   "pin <remote> <category> <package>",
	Short: "Pin a package at its installed version",
	Long:  "Pinned packages are skipped by sync upgrades and obsolete-package removal. Use --release to unpin.",
	Args:  cobra.ExactArgs(3),
	RunE:  runPin,
}

func init() {
	pinCmd.Flags().BoolVar(&pinRelease, "release", false, "unpin instead")
	rootCmd.AddCommand(pinCmd)
}

func runPin(cmd *cobra.Command, args []string) (err error) {
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

	rc, err := d.SetPinned(ctx, args[0], args[1], args[2], !pinRelease)
	if err != nil {
		return err
	}
	return printReceipt(rc)
}
