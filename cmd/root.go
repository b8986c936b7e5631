package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/clientbook/internal/config"
)

var (
	cfg *config.Config

	logLevelOverride string
)

var rootCmd = &cobra.Command{
	Use:   "clientbook",
	Short: "Client book for spa and gym branches",
	Long: `Keeps the client list for each branch and imports it from spreadsheets.

Uploads become tracked import jobs. Each row is checked for a name, birthday,
phone number and known branch. Unreadable numbers go to a review queue.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if logLevelOverride != "" {
			c.Log.Level = logLevelOverride
		}
		if err := c.Log.Validate(); err != nil {
			return err
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		zap.L().Debug("config loaded",
			zap.String("command", cmd.Name()),
			zap.String("store", cfg.Store.Driver),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "override log.level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
