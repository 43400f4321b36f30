package commands

import (
	"path/filepath"

	"github.com/kaljuvee/alpacacode/internal/printer"
	"github.com/kaljuvee/alpacacode/internal/scaffold"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter alpaca.yml and example run requests",
	Long: `Write a starter alpaca.yml and example start requests under requests/
in the current directory.

Existing files are left untouched unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	written, err := scaffold.Initialize(".", initForce)
	if err != nil {
		return printer.Error("initialization failed", err.Error(), nil)
	}

	printer.Success("Initialized alpacacode project\n\n")
	printer.Info("Created:\n")
	for _, path := range written {
		printer.Info("  ✓ %s\n", path)
	}
	printer.Info("\nNext steps:\n")
	printer.Info("  1. Export POLYGON_API_KEY, APCA_API_KEY_ID and APCA_API_SECRET_KEY\n")
	printer.Info("  2. Run 'alpacacode serve'\n")
	printer.Info("  3. Run 'alpacacode start --request %s'\n", filepath.Join(scaffold.RequestsDir, "backtest.json"))
	return nil
}
