package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"resourcecache/internal/heartbeat"
	"resourcecache/internal/logging"
)

var watchCmd = &cobra.Command{
	Use:   "watch [path]...",
	Short: "Cache files and run the heartbeat instruments until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetDuration("duration")
		report, _ := cmd.Flags().GetDuration("report")

		ctx, stop := signal.NotifyContext(runContext(cmd.Context()), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, duration)
			defer cancel()
		}

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		if len(args) > 0 {
			if err := rt.loadAll(ctx, args, true, false); err != nil {
				rt.logger.Warn(ctx, logging.ComponentMain, logging.ActionLoad, "Some resources failed to load", logging.Fields{"error": err.Error()})
			}
		}
		if err := rt.startHeartbeats(); err != nil {
			return err
		}

		if report > 0 {
			inst, err := heartbeat.NewInstance("status-report", report, func(context.Context) error {
				printStatuses(rt)
				return nil
			})
			if err != nil {
				return err
			}
			if err := rt.scheduler.Register(inst); err != nil {
				return err
			}
		}

		<-ctx.Done()
		rt.scheduler.CancelAll(true)
		printStatuses(rt)
		printSummary(rt)
		return nil
	},
}

func init() {
	watchCmd.Flags().DurationP("duration", "d", 0, "stop after this long (0 runs until interrupted)")
	watchCmd.Flags().Duration("report", 10*time.Second, "print heartbeat status at this interval (0 disables)")
	rootCmd.AddCommand(watchCmd)
}

func printStatuses(rt *runtime) {
	for _, st := range rt.scheduler.Statuses() {
		line := fmt.Sprintf("%-16s %-10s ticks=%d failures=%d skipped=%d", st.Name, st.State, st.Ticks, st.Failures, st.Skipped)
		if st.LastError != nil {
			line += " last_error=" + st.LastError.Error()
		}
		fmt.Println(line)
	}
	if sample := rt.checker.LastSample(); !sample.At.IsZero() {
		fmt.Printf("memory: rss=%s limit=%s cache=%s\n",
			humanBytes(int64(sample.RSS)), humanBytes(int64(sample.Limit)), humanBytes(sample.CacheSize))
	}
}
