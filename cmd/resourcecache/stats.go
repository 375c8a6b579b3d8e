package main

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"resourcecache/internal/metrics"
)

var statsCmd = &cobra.Command{
	Use:   "stats [path]...",
	Short: "Load files and print the Prometheus metrics of every component",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := runContext(cmd.Context())
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		loadErr := rt.loadAll(ctx, args, true, false)

		registry := prometheus.NewRegistry()
		if err := registry.Register(metrics.NewCollector(rt.manager, rt.scheduler)); err != nil {
			return errors.Wrap(err, "register collector")
		}
		families, err := registry.Gather()
		if err != nil {
			return errors.Wrap(err, "gather metrics")
		}
		for _, mf := range families {
			if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
				return errors.Wrap(err, "write metrics")
			}
		}
		return loadErr
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
