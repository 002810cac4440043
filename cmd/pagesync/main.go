package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/systemshift/pagesync/internal/config"
	"github.com/systemshift/pagesync/internal/logging"
)

var (
	configPath string
	dataDir    string
	ledgerName string
	logLevel   string

	cfg *config.Config
	log *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:   "pagesync",
	Short: "Replicated key-value pages synced through IPFS and between devices",
	Long: `pagesync stores pages of key-value data as a DAG of commits. Every device
holds a full replica; concurrent edits are merged automatically.

Examples:
  pagesync put todo milk 2l          # write a value
  pagesync get todo milk             # read it back
  pagesync log todo -n 5             # recent commits
  pagesync serve                     # sync with the cloud and peers
  pagesync mount todo /mnt/todo      # browse a page as files`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			c.DataDir = dataDir
		}
		if ledgerName != "" {
			c.Ledger = ledgerName
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		if err := c.Validate(); err != nil {
			return err
		}
		l, err := logging.New(logging.Options{Level: c.Log.Level, JSON: c.Log.JSON})
		if err != nil {
			return err
		}
		cfg, log = c, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (TOML)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&ledgerName, "ledger", "l", "", "Ledger name (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd, putCmd, getCmd, deleteCmd, headsCmd, logCmd, mountCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pagesync:", err)
		os.Exit(1)
	}
}
