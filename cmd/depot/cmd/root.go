package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/packdepot/depot"
)

var rootCmd = &cobra.Command{
	Use:   "depot",
	Short: "Transactional package manager",
	Long:  "CLI for installing, upgrading and removing packages from versioned repositories.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/depot/config.yaml)")
	rootCmd.PersistentFlags().String("root", "", "installation root (default: ~/.local/share/depot)")
	rootCmd.PersistentFlags().IntP("verbose", "v", 0, "verbosity (0=warn 1=info 2=debug)")
	rootCmd.PersistentFlags().Int("concurrency", depot.DefaultConcurrency, "parallel downloads")
	rootCmd.PersistentFlags().Bool("bleeding-edge", false, "consider pre-release versions")
	rootCmd.PersistentFlags().Bool("auto-install", false, "install new packages during sync")
	rootCmd.PersistentFlags().Bool("force-refresh", false, "re-download repository indexes even when fresh")

	viper.BindPFlag("root", rootCmd.PersistentFlags().Lookup("root"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("concurrency", rootCmd.PersistentFlags().Lookup("concurrency"))
	viper.BindPFlag("bleeding_edge", rootCmd.PersistentFlags().Lookup("bleeding-edge"))
	viper.BindPFlag("auto_install", rootCmd.PersistentFlags().Lookup("auto-install"))
	viper.BindPFlag("force_refresh", rootCmd.PersistentFlags().Lookup("force-refresh"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DEPOT")
	viper.AutomaticEnv()
	viper.SetDefault("root", defaultRoot())

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "depot")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "depot")
	}
	return ".depot"
}

func defaultRoot() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "depot")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "depot")
	}
	return ".depot"
}

func newLogger() *log.Logger {
	logger := log.New(os.Stderr)
	switch viper.GetInt("verbose") {
	case 0:
		logger.SetLevel(log.WarnLevel)
	case 1:
		logger.SetLevel(log.InfoLevel)
	default:
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

func openDepot(ctx context.Context) (*depot.Depot, error) {
	return depot.Open(ctx,
		depot.WithRootDir(viper.GetString("root")),
		depot.WithConcurrency(viper.GetInt("concurrency")),
		depot.WithBleedingEdge(viper.GetBool("bleeding_edge")),
		depot.WithAutoInstall(viper.GetBool("auto_install")),
		depot.WithForceRefresh(viper.GetBool("force_refresh")),
		depot.WithLogger(newLogger()),
	)
}

// printReceipt reports what a transaction did, and returns an error when it
// recorded failures so the process exits non-zero.
func printReceipt(rc *depot.Receipt) error {
	for _, name := range rc.Installs() {
		fmt.Printf("installed %s\n", name)
	}
	for _, name := range rc.Updates() {
		fmt.Printf("updated %s\n", name)
	}
	for _, path := range rc.Removals() {
		fmt.Printf("removed %s\n", path)
	}
	for _, path := range rc.Exports() {
		fmt.Printf("exported %s\n", path)
	}

	errs := rc.Errors()
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", e.Subject, e.Message)
	}

	if rc.Cancelled() {
		return fmt.Errorf("transaction cancelled")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d operation(s) failed", len(errs))
	}
	return nil
}
