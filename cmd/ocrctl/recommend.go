package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/ocr-orchestrator/internal/models"
	"github.com/adverant/nexus/ocr-orchestrator/internal/recommend"
)

var (
	documentType string
	cloudAllowed bool
)

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Show the provider chosen for a document type",
	RunE: func(cmd *cobra.Command, args []string) error {
		rec := recommend.Recommend(models.DocumentType(documentType), cloudAllowed)
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

func init() {
	RootCmd.AddCommand(recommendCmd)
	recommendCmd.Flags().StringVar(&documentType, "type", string(models.DocumentPrinted), "Document type")
	recommendCmd.Flags().BoolVar(&cloudAllowed, "cloud", false, "Allow cloud processing")
}
