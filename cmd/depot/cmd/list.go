package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list [remote]",
	Short: "List repositories or installed packages",
	Long:  "Without arguments, list configured repositories. With a repository name, list the packages installed from it.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) (err error) {
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

	if len(args) == 0 {
		remotes := d.Remotes()
		if len(remotes) == 0 {
			fmt.Println("(no repositories)")
			return nil
		}
		for _, r := range remotes {
			state := "enabled"
			if !r.Enabled {
				state = "disabled"
			}
			fmt.Printf("%s\t%s\t%s\n", r.Name, state, r.URL)
		}
		return nil
	}

	entries, err := d.Entries(ctx, args[0])
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("(no packages)")
		return nil
	}
	for _, e := range entries {
		pinned := ""
		if e.Pinned {
			pinned = "\t(pinned)"
		}
		fmt.Printf("%s/%s\tv%s%s\n", e.Category, e.Package, e.Version, pinned)
	}
	return nil
}
