// Package main is the entry point for the ingestgate CLI.
package main

import (
	"context"
	"os"

	"charm.land/fang/v2"
	"github.com/samber/do/v2"
	"github.com/spf13/cobra"

	"github.com/clipforge/ingestgate/internal/di"
)

const defaultConfigFile = "config.yaml"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ingestgate",
	Short: "Rate limiting and idempotency coordination for ingestion workers",
	Long: `ingestgate coordinates outbound API consumption across worker processes:
shared rate-limit buckets, per-tenant fairness, duplicate suppression and
adaptive backoff advice, all backed by one shared store.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file path (default: ./"+defaultConfigFile+")")
}

// newInjector builds the service container for one CLI invocation.
func newInjector() do.Injector {
	path := cfgFile
	if path == "" {
		path = defaultConfigFile
	}
	injector := do.New()
	do.ProvideNamedValue(injector, di.ConfigPathKey, path)
	di.RegisterSingletons(injector)
	return injector
}

func main() {
	if err := fang.Execute(context.Background(), rootCmd); err != nil {
		os.Exit(1)
	}
}
