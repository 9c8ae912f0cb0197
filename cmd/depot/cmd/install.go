package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var installPin bool

var installCmd = &cobra.Command{
	Use:   "install <remote> <category> <package> [version]",
	Short: "Install a package",
	Long:  "Install a package from a configured repository. Installs the latest compatible version unless one is given.",
	Args:  cobra.RangeArgs(3, 4),
	RunE:  runInstall,
}

func init() {
	installCmd.Flags().BoolVar(&installPin, "pin", false, "pin the package at the installed version")
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) (err error) {
	ctx := context.Background()

	version := ""
	if len(args) > 3 {
		version = args[3]
	}

	d, err := openDepot(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := d.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	rc, err := d.Install(ctx, args[0], args[1], args[2], version, installPin)
	if err != nil {
		return err
	}
	return printReceipt(rc)
}
