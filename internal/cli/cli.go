// Package cli is the geofilter command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/geofilter/geofilter/geofilter"
	"github.com/geofilter/geofilter/geofilter/predicate"
)

var (
	pgDSN       string
	slPath      string
	historyPath string
	threshold   int64
	verbose     bool
	debugDump   bool
)

var rootCmd = &cobra.Command{
	Use:   "geofilter",
	Short: "Compile and run spatial filters against relational, embedded and generic stores",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&pgDSN, "pg-dsn", "", "relational store DSN (PostGIS)")
	rootCmd.PersistentFlags().StringVar(&slPath, "spatialite", "", "embedded store path (SpatiaLite/GeoPackage)")
	rootCmd.PersistentFlags().StringVar(&historyPath, "history", "", "history database path (default in-memory)")
	rootCmd.PersistentFlags().Int64Var(&threshold, "mv-threshold", geofilter.DefaultPromotionThreshold, "feature count above which filters are materialized")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&debugDump, "debug", false, "dump raw result structures")

	rootCmd.AddCommand(previewCmd, applyCmd, historyCmd, removeLayerCmd, statsCmd, predicatesCmd)
}

func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		color.Red("error: %v", err)
		return 1
	}
	return 0
}

func newSession(ctx context.Context) (*geofilter.Session, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := geofilter.DefaultOptions()
	opts.PostgresDSN = pgDSN
	opts.SpatiaLitePath = slPath
	if historyPath != "" {
		opts.HistoryPath = historyPath
	}
	opts.PromotionThreshold = threshold
	opts.Logger = logger
	return geofilter.NewSession(ctx, opts)
}

func loadRequest(path string) (geofilter.FilterRequest, error) {
	var req geofilter.FilterRequest
	raw, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("read request: %w", err)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("parse request: %w", err)
	}
	return req, nil
}

func printBatch(batch geofilter.BatchResult) {
	for _, r := range batch.Results {
		if r.Success {
			header := color.GreenString("ok")
			if r.UsedFallback {
				header += color.YellowString(" (generic fallback)")
			}
			if r.UsedOptimization {
				header += color.CyanString(" (materialized)")
			}
			fmt.Printf("%s  %s [%s]\n", header, r.LayerID, r.Dialect)
			fmt.Printf("    %s\n", r.SubsetDefinition)
			if len(r.MatchedIDs) > 0 {
				fmt.Printf("    matched %d features\n", len(r.MatchedIDs))
			}
		} else {
			fmt.Printf("%s  %s [%s]\n", color.RedString("failed"), r.LayerID, r.Dialect)
			fmt.Printf("    %s\n", r.ErrorMessage)
		}
	}
	if batch.Partial() {
		color.Yellow("partial success: %d ok, %d failed", batch.Succeeded, batch.Failed)
	}
	if debugDump {
		spew.Fdump(os.Stderr, batch)
	}
}

var previewCmd = &cobra.Command{
	Use:   "preview <request.json>",
	Short: "Compile a filter request without executing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		req, err := loadRequest(args[0])
		if err != nil {
			return err
		}
		session, err := newSession(ctx)
		if err != nil {
			return err
		}
		defer session.Close(ctx)

		batch, err := geofilter.NewEngine(session).Preview(ctx, req)
		if err != nil {
			return err
		}
		printBatch(batch)
		return nil
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply <request.json>",
	Short: "Compile and execute a filter request against its targets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		req, err := loadRequest(args[0])
		if err != nil {
			return err
		}
		session, err := newSession(ctx)
		if err != nil {
			return err
		}
		defer session.Close(ctx)

		batch, err := geofilter.NewEngine(session).Apply(ctx, req)
		if err != nil {
			return err
		}
		printBatch(batch)
		if batch.Failed > 0 && batch.Succeeded == 0 {
			return fmt.Errorf("all %d layers failed", batch.Failed)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <project-id> <layer-id>",
	Short: "List the subset change log for a layer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		session, err := newSession(ctx)
		if err != nil {
			return err
		}
		defer session.Close(ctx)

		entries, err := session.History.ListForLayer(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%4d  %d  %s\n", e.Seq, e.CreatedAtMS, e.Subset)
		}
		return nil
	},
}

var removeLayerCmd = &cobra.Command{
	Use:   "remove-layer <project-id> <layer-id>",
	Short: "Delete a removed layer's history rows",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		session, err := newSession(ctx)
		if err != nil {
			return err
		}
		defer session.Close(ctx)

		n, err := geofilter.NewEngine(session).RemoveLayer(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d history rows\n", n)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show execution metrics for the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		session, err := newSession(ctx)
		if err != nil {
			return err
		}
		defer session.Close(ctx)

		for kind, m := range session.Metrics.Snapshot() {
			fmt.Printf("%-12s executions=%d errors=%d total=%s avg=%s\n",
				kind, m.Executions, m.Errors, m.TotalDuration, m.AvgDuration)
		}
		hits, misses, entries := session.GeomCache.Stats()
		fmt.Printf("geometry cache: hits=%d misses=%d entries=%d\n", hits, misses, entries)
		return nil
	},
}

var predicatesCmd = &cobra.Command{
	Use:   "predicates",
	Short: "List canonical predicates in selectivity order",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range predicate.Canonical() {
			fmt.Printf("%-12s order=%d\n", name, predicate.SelectivityOrder(name))
		}
		return nil
	},
}
