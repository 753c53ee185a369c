package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/ocr-orchestrator/internal/registry"
	"github.com/adverant/nexus/ocr-orchestrator/internal/storage"
)

var seedFile string

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Manage provider configuration rows",
}

var providersSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Upsert provider rows and pretrained models from a YAML file",
	RunE:  runProvidersSeed,
}

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List provider configuration",
	RunE:  runProvidersList,
}

func init() {
	RootCmd.AddCommand(providersCmd)
	providersCmd.AddCommand(providersSeedCmd, providersListCmd)
	providersSeedCmd.Flags().StringVar(&seedFile, "file", "", "Seed file (defaults to PROVIDERS_FILE)")
}

func openRegistry() (*registry.Registry, storage.Store, error) {
	if cfg.OCROnly() {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}
	store, err := storage.NewPostgresClient(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return registry.New(store, time.Minute), store, nil
}

func runProvidersSeed(cmd *cobra.Command, args []string) error {
	path := seedFile
	if path == "" {
		path = cfg.ProvidersFile
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	seed, err := registry.LoadSeed(f)
	if err != nil {
		return err
	}

	reg, store, err := openRegistry()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := reg.Apply(cmd.Context(), seed); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d providers and %d models from %s\n",
		len(seed.Providers), len(seed.Models), path)
	return nil
}

func runProvidersList(cmd *cobra.Command, args []string) error {
	reg, store, err := openRegistry()
	if err != nil {
		return err
	}
	defer store.Close()

	configs, err := reg.List(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tENABLED\tCLOUD\tBASE URL\tPER MIN\tPER DAY\tUSED TODAY")
	for _, c := range configs {
		fmt.Fprintf(w, "%s\t%t\t%t\t%s\t%d\t%d\t%d\n",
			c.Provider, c.IsEnabled, c.IsCloud, c.BaseURL,
			c.RateLimitPerMinute, c.RateLimitPerDay, c.CurrentDailyUsage)
	}
	return w.Flush()
}
