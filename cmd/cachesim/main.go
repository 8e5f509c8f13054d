// Package main provides the cachesim command line: it drives synthetic
// workloads through a configured cache hierarchy or a conventional
// baseline cache and reports the resulting statistics.
package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/spf13/cobra"

	"github.com/comparch-security/cache-model-new/baseline"
	"github.com/comparch-security/cache-model-new/hierarchy"
	"github.com/comparch-security/cache-model-new/memory"
)

var (
	configPath  string
	accesses    uint64
	hotFraction float64
	hotSets     uint64
	writeRatio  float64
	seed        int64
)

func main() {
	root := &cobra.Command{
		Use:   "cachesim",
		Short: "Multi-level cache hierarchy simulator with dynamic re-randomization",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Drive a synthetic workload through a configured hierarchy",
		RunE:  runHierarchy,
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "hierarchy config JSON (default: built-in)")
	addWorkloadFlags(runCmd)

	baselineCmd := &cobra.Command{
		Use:   "baseline",
		Short: "Drive the same workload through a conventional set-associative cache",
		RunE:  runBaseline,
	}
	addWorkloadFlags(baselineCmd)

	configCmd := &cobra.Command{
		Use:   "config [path]",
		Short: "Write the default hierarchy config to a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "hierarchy.json"
			if len(args) == 1 {
				path = args[0]
			}
			if err := hierarchy.DefaultConfig().SaveConfig(path); err != nil {
				return err
			}
			fmt.Printf("Wrote default config to %s\n", path)
			return nil
		},
	}

	root.AddCommand(runCmd, baselineCmd, configCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addWorkloadFlags(cmd *cobra.Command) {
	cmd.Flags().Uint64VarP(&accesses, "accesses", "n", 1000000, "number of accesses to issue")
	cmd.Flags().Float64Var(&hotFraction, "hot", 0.5, "fraction of accesses aimed at the hot sets")
	cmd.Flags().Uint64Var(&hotSets, "hot-lines", 64, "number of distinct hot lines")
	cmd.Flags().Float64Var(&writeRatio, "writes", 0.3, "fraction of accesses that are writes")
	cmd.Flags().Int64Var(&seed, "seed", 1, "workload random seed")
}

// workload yields a deterministic address stream with a contended hot
// region, the access pattern that drives conflict-based remapping.
type workload struct {
	rng *rand.Rand
}

func newWorkload(seed int64) *workload {
	return &workload{rng: rand.New(rand.NewSource(seed))}
}

func (w *workload) next() (addr uint64, write bool) {
	if w.rng.Float64() < hotFraction {
		addr = 0x100000 + uint64(w.rng.Intn(int(hotSets)))*64
	} else {
		addr = uint64(w.rng.Intn(1<<26)) * 64
	}
	return addr, w.rng.Float64() < writeRatio
}

func runHierarchy(cmd *cobra.Command, args []string) error {
	cfg := hierarchy.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = hierarchy.LoadConfig(configPath)
		if err != nil {
			return err
		}
	}
	h, err := hierarchy.Build(cfg)
	if err != nil {
		return err
	}

	w := newWorkload(seed)
	var cycles uint64
	for i := uint64(0); i < accesses; i++ {
		core := h.Cores[i%uint64(len(h.Cores))]
		addr, write := w.next()
		if write {
			cycles += core.Write(addr, addr).Cycles
		} else {
			cycles += core.Read(addr).Cycles
		}
	}

	fmt.Printf("Accesses: %d\n", accesses)
	fmt.Printf("Cycles:   %d\n", cycles)
	for li, lvl := range h.Levels {
		for _, n := range lvl {
			st := n.Counter
			total := st.Accesses + st.Writes
			missRate := 0.0
			if total > 0 {
				missRate = float64(st.Misses+st.WriteMisses) / float64(total)
			}
			fmt.Printf("L%d %-8s accesses=%-10d misses=%-10d invalids=%-10d miss-rate=%.4f\n",
				li+1, n.Name, total, st.Misses+st.WriteMisses, st.Invalids, missRate)
		}
	}
	fmt.Printf("Memory    reads=%d writebacks=%d\n", h.Memory.Reads, h.Memory.Writebacks)
	return nil
}

func runBaseline(cmd *cobra.Command, args []string) error {
	store := memory.New()
	model, err := baseline.New(baseline.DefaultConfig(), store)
	if err != nil {
		return err
	}

	w := newWorkload(seed)
	var cycles uint64
	for i := uint64(0); i < accesses; i++ {
		addr, write := w.next()
		if write {
			cycles += model.Write(addr, addr).Latency
		} else {
			cycles += model.Read(addr).Latency
		}
	}

	st := model.Stats()
	total := st.Reads + st.Writes
	fmt.Printf("Accesses:   %d\n", total)
	fmt.Printf("Cycles:     %d\n", cycles)
	fmt.Printf("Hits:       %d\n", st.Hits)
	fmt.Printf("Misses:     %d\n", st.Misses)
	fmt.Printf("Evictions:  %d\n", st.Evictions)
	fmt.Printf("Writebacks: %d\n", st.Writebacks)
	fmt.Printf("Miss rate:  %.4f\n", float64(st.Misses)/float64(total))
	return nil
}
