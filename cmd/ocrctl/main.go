/**
 * ocrctl - operator CLI for the OCR orchestrator
 *
 * Seeds and lists provider configuration, previews routing decisions and
 * re-enqueues jobs. Reads the same environment as the worker.
 */

package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/ocr-orchestrator/internal/config"
	"github.com/adverant/nexus/ocr-orchestrator/internal/logging"
)

var cfg *config.Config

// RootCmd is the ocrctl command tree
var RootCmd = &cobra.Command{
	Use:           "ocrctl",
	Short:         "Operate the OCR orchestrator",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		loaded, err := config.LoadConfig()
		if err != nil {
			return err
		}
		cfg = loaded
		return logging.Setup(cfg.LogLevel, "pretty")
	},
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
