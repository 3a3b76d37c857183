package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/do/v2"
	"github.com/spf13/cobra"

	"github.com/clipforge/ingestgate/internal/config"
	"github.com/clipforge/ingestgate/internal/di"
	"github.com/clipforge/ingestgate/internal/store"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect live rate-limit and idempotency state",
}

var inspectBucketCmd = &cobra.Command{
	Use:   "bucket <service> [identity]",
	Short: "Show current window or bucket state for a service",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		injector := newInjector()
		defer shutdown(injector)

		cfgSvc := do.MustInvoke[*di.ConfigService](injector)
		storeSvc := do.MustInvoke[*di.StoreService](injector)

		service := args[0]
		identity := ""
		if len(args) == 2 {
			identity = args[1]
		}

		svc, ok := cfgSvc.Get().Service(service)
		if !ok {
			return fmt.Errorf("unknown service %q", service)
		}
		inspector, ok := storeSvc.Store.(store.Inspector)
		if !ok {
			return errors.New("store does not support inspection")
		}

		return printBucketState(cmd.Context(), cmd, inspector, svc, identity)
	},
}

var inspectKeyCmd = &cobra.Command{
	Use:   "key <idempotency-key>",
	Short: "Show the idempotency record for a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		injector := newInjector()
		defer shutdown(injector)

		storeSvc := do.MustInvoke[*di.StoreService](injector)

		rec, err := storeSvc.Store.GetIdempotencyRecord(cmd.Context(), store.IdempotencyKey(args[0]))
		if errors.Is(err, store.ErrNotFound) {
			cmd.Println("no record")
			return nil
		}
		if err != nil {
			return err
		}

		cmd.Printf("key:      %s\n", args[0])
		cmd.Printf("status:   %s\n", rec.Status)
		cmd.Printf("owner:    %s\n", rec.Owner)
		cmd.Printf("started:  %s (%s ago)\n", rec.StartedAt.Format(time.RFC3339), time.Since(rec.StartedAt).Round(time.Second))
		if rec.Status.Terminal() {
			cmd.Printf("completed: %s\n", rec.CompletedAt.Format(time.RFC3339))
			cmd.Printf("result:    %d bytes\n", len(rec.Result))
		}
		if rec.Digest != "" {
			cmd.Printf("digest:   %s\n", rec.Digest)
		}
		return nil
	},
}

func printBucketState(ctx context.Context, cmd *cobra.Command, inspector store.Inspector, svc config.ServiceConfig, identity string) error {
	primary, ok := svc.PrimaryLimit()
	if !ok {
		return fmt.Errorf("service %q has no limits configured", svc.Service)
	}
	key := store.RateLimitKey(svc.GetAlgorithm(), svc.Service, identity)
	now := time.Now()

	if svc.GetAlgorithm() == config.AlgorithmTokenBucket {
		tokens, refilledAt, err := inspector.TokenBucketState(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			cmd.Println("bucket untouched (full)")
			return nil
		}
		if err != nil {
			return err
		}
		cmd.Printf("service:   %s (token_bucket)\n", svc.Service)
		cmd.Printf("tokens:    %.2f / %.2f\n", tokens, primary.Requests+primary.Burst)
		cmd.Printf("refilled:  %s\n", refilledAt.Format(time.RFC3339))
		return nil
	}

	sum, oldest, err := inspector.SlidingWindowState(ctx, key, now, primary.Window())
	if errors.Is(err, store.ErrNotFound) {
		cmd.Println("window empty")
		return nil
	}
	if err != nil {
		return err
	}
	cmd.Printf("service:   %s (sliding_window)\n", svc.Service)
	cmd.Printf("used:      %.2f / %.2f over %s\n", sum, primary.Requests+primary.Burst, primary.Window())
	if !oldest.IsZero() {
		cmd.Printf("oldest:    %s (frees in %s)\n",
			oldest.Format(time.RFC3339),
			time.Until(oldest.Add(primary.Window())).Round(time.Millisecond))
	}
	return nil
}

func shutdown(injector do.Injector) {
	_ = injector.Shutdown()
}

func init() {
	inspectCmd.AddCommand(inspectBucketCmd)
	inspectCmd.AddCommand(inspectKeyCmd)
	rootCmd.AddCommand(inspectCmd)
}
