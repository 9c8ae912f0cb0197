package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/packdepot/depot"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Manage repositories",
}

var remoteAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Add a repository",
	Args:  cobra.ExactArgs(2),
	RunE:  runRemoteAdd,
}

var remoteRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a repository and everything installed from it",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemoteRemove,
}

var remoteEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setRemoteEnabled(args[0], true) },
}

var remoteDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a repository without removing its packages",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setRemoteEnabled(args[0], false) },
}

func init() {
	remoteCmd.AddCommand(remoteAddCmd, remoteRemoveCmd, remoteEnableCmd, remoteDisableCmd)
	rootCmd.AddCommand(remoteCmd)
}

func runRemoteAdd(cmd *cobra.Command, args []string) (err error) {
	ctx := context.Background()

	remote, err := depot.NewRemote(args[0], args[1])
	if err != nil {
		return err
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

	return d.AddRemote(remote)
}

func runRemoteRemove(cmd *cobra.Command, args []string) (err error) {
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

	rc, err := d.UninstallRemote(ctx, args[0])
	if err != nil {
		return err
	}
	return printReceipt(rc)
}

func setRemoteEnabled(name string, enabled bool) (err error) {
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

	rc, err := d.SetRemoteEnabled(ctx, name, enabled)
	if err != nil {
		return err
	}
	return printReceipt(rc)
}
