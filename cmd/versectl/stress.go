package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/versekit/versekit/heap"
	"github.com/versekit/versekit/pkg/page"
)

var (
	stressCaged   bool
	stressWorkers int
	stressOps     int
	stressChunks  int
	stressCageMiB int
	stressSeed    int64
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().BoolVar(&stressCaged, "caged", false, "Use a caged heap instead of the global cache")
	cmd.Flags().IntVar(&stressWorkers, "workers", 4, "Concurrent workers")
	cmd.Flags().IntVar(&stressOps, "ops", 10000, "Allocate/release cycles per worker")
	cmd.Flags().IntVar(&stressChunks, "max-chunks", 8, "Largest allocation, in chunks")
	cmd.Flags().IntVar(&stressCageMiB, "cage-mib", 256, "Caged span size in MiB")
	cmd.Flags().Int64Var(&stressSeed, "seed", time.Now().UnixNano(), "Workload seed")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run a synthetic allocate/release workload",
		Long: `The stress command churns chunk allocations through the page
caches and reports how much physical memory was reused rather than freshly
mapped.

Example:
  versectl stress --workers 8 --ops 50000
  versectl stress --caged --cage-mib 512`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
}

func runStress() error {
	if !heap.Enabled {
		return fmt.Errorf("verse heap subsystem is compiled out")
	}
	log := logrus.NewEntry(logrus.StandardLogger())

	var cfg *heap.Config
	if stressCaged {
		size := page.AlignChunk(uint64(stressCageMiB) << 20)
		var err error
		cfg, err = heap.NewCagedConfig(heap.Geometry{
			Size:      size,
			Alignment: page.ChunkSize,
		}, nil, &heap.Options{Log: log})
		if err != nil {
			return err
		}
	} else {
		cfg = heap.NewGlobalConfig(heap.NewGlobalCache(nil, log), nil, &heap.Options{Log: log})
	}

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < stressWorkers; w++ {
		rng := rand.New(rand.NewSource(stressSeed + int64(w)))
		g.Go(func() error {
			live := make([]page.Result, 0, 64)
			for i := 0; i < stressOps; i++ {
				if len(live) > 0 && rng.Intn(2) == 0 {
					j := rng.Intn(len(live))
					res := live[j]
					live = append(live[:j], live[j+1:]...)
					if err := cfg.ReleaseChunks(res.Extent(), res.State, nil); err != nil {
						return err
					}
					continue
				}
				size := uint64(1+rng.Intn(stressChunks)) * page.ChunkSize
				res, err := cfg.AllocateChunks(size, nil, page.StateCommitted)
				if err != nil {
					return err
				}
				live = append(live, res)
			}
			for _, res := range live {
				if err := cfg.ReleaseChunks(res.Extent(), res.State, nil); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	stats := cfg.LargeCache.Stats()
	fmt.Printf("workload:    %d workers x %d ops in %v\n", stressWorkers, stressOps, elapsed)
	fmt.Printf("sharing:     %d acquires, %d hits, %d misses (%.1f%% reuse)\n",
		stats.Acquires, stats.Hits, stats.Misses, pct(stats.Hits, stats.Acquires))
	fmt.Printf("coalescing:  %d forward, %d backward, %d splits\n",
		stats.CoalesceForward, stats.CoalesceBackward, stats.Splits)
	fmt.Printf("cached:      %d bytes free in cache\n", stats.CachedBytes)
	if cfg.SmallCache != nil {
		rs := cfg.SmallCache.Stats()
		fmt.Printf("reserve:     %d allocs, %d commits, %d decommits, %d coalesces, %d bytes free\n",
			rs.Allocs, rs.Commits, rs.Decommits, rs.Coalesces, rs.FreeBytes)
	}
	fmt.Printf("live chunks: %d (%d bytes)\n",
		cfg.ObjectSets.Main().Len(), cfg.ObjectSets.Main().Bytes())
	return nil
}

func pct(a, b uint64) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b) * 100
}
