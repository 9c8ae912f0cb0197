package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <archive>",
	Short: "Export installed packages to an offline archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <archive>",
	Short: "Install packages from an offline archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	rootCmd.AddCommand(exportCmd, importCmd)
}

func runExport(cmd *cobra.Command, args []string) (err error) {
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

	rc, err := d.Export(ctx, args[0])
	if err != nil {
		return err
	}
	return printReceipt(rc)
}

func runImport(cmd *cobra.Command, args []string) (err error) {
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

	rc, err := d.Import(ctx, args[0])
	if err != nil {
		return err
	}
	return printReceipt(rc)
}
