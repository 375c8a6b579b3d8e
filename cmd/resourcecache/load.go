package main

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var loadCmd = &cobra.Command{
	Use:   "load <path>...",
	Short: "Load files through the resource manager and report the cache state",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		precache, _ := cmd.Flags().GetBool("precache")
		verify, _ := cmd.Flags().GetBool("verify")

		ctx := runContext(cmd.Context())
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		loadErr := rt.loadAll(ctx, args, precache, verify)
		// a second pass shows which paths are served from the cache
		if repeat, _ := cmd.Flags().GetBool("repeat"); repeat && loadErr == nil {
			loadErr = rt.loadAll(ctx, args, precache, false)
		}
		printSummary(rt)
		return loadErr
	},
}

func init() {
	loadCmd.Flags().BoolP("precache", "p", true, "admit loaded files into the cache")
	loadCmd.Flags().Bool("verify", false, "check cached contents against the digest taken at load")
	loadCmd.Flags().Bool("repeat", false, "load every path a second time")
	rootCmd.AddCommand(loadCmd)
}

func humanBytes(n int64) string {
	return units.BytesSize(float64(n))
}

func printSummary(rt *runtime) {
	s := rt.manager.Stats()
	fmt.Printf("\nrequests=%d hits=%d disk_reads=%d uncached=%d coalesced=%d failures=%d\n",
		s.Requests, s.CacheHits, s.DiskReads, s.UncachedLoads, s.Coalesced, s.Failures)
	fmt.Printf("cache: %d entries, %s of %s (%.1f%%), %d evictions, hit rate %.2f\n",
		s.Cache.Entries,
		humanBytes(s.Cache.CurrentSize),
		humanBytes(s.Cache.MaxSize),
		s.Cache.MemoryPressure*100,
		s.Cache.Evictions,
		s.Cache.HitRate())
	fmt.Printf("allocator: %d live blocks, %s live, %s peak\n",
		s.Allocator.LiveBlocks,
		humanBytes(s.Allocator.LiveBytes),
		humanBytes(s.Allocator.PeakLiveBytes))
}
