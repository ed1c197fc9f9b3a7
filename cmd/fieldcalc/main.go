// Package main provides the fieldcalc command line tool: formula evaluation,
// record resolution, snapshot history, config linting and the HTTP service.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dlovans/fieldcalc/internal/config"
)

type app struct {
	configPath string
	cfg        config.Config
	log        *logrus.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "fieldcalc",
		Short: "Computed, overridable and inherited fields for structured records",
		Long: `fieldcalc evaluates spreadsheet-style formulas over record fields,
resolves computed, inherited and overridden values, and diffs submission
snapshots into per-field change history.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = config.NewLogger(cfg.Log, cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML configuration file")

	root.AddCommand(
		a.evalCmd(),
		a.resolveCmd(),
		a.historyCmd(),
		a.lintCmd(),
		a.verifyCmd(),
		a.serveCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
