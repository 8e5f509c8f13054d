package hierarchy_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/comparch-security/cache-model-new/hierarchy"
	"github.com/comparch-security/cache-model-new/pfc"
)

// smallConfig is a two-core, two-level hierarchy with an aggressively
// remapping LLC, sized so short tests exercise every path.
func smallConfig() *hierarchy.Config {
	return &hierarchy.Config{
		AddressWidth: 48,
		Levels: []hierarchy.LevelConfig{
			{Name: "l1", Count: 2, Partitions: 1, IndexWidth: 3, Ways: 2, Replacer: "lru"},
			{
				Name: "llc", Count: 1, Partitions: 2, IndexWidth: 4, Ways: 4,
				Remap: true, Replacer: "lru",
				Monitors: []hierarchy.MonitorConfig{{Kind: "simple", Period: 64}},
			},
		},
		MemoryLatency: 100,
		RandSeed:      3,
	}
}

var _ = Describe("Hierarchy", func() {
	It("should build the default configuration", func() {
		h, err := hierarchy.Build(hierarchy.DefaultConfig())
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Cores).To(HaveLen(2))
		Expect(h.Levels).To(HaveLen(2))
		Expect(h.Levels[0]).To(HaveLen(2))
		Expect(h.Levels[1]).To(HaveLen(1))
	})

	It("should keep data coherent across cores and remaps", func() {
		h, err := hierarchy.Build(smallConfig())
		Expect(err).NotTo(HaveOccurred())

		// Write from core 0, churn from core 1 to force evictions and
		// remaps, then read everything back from core 1.
		for i := 0; i < 32; i++ {
			h.Cores[0].Write(uint64(0x10000+i*64), uint64(i)+1000)
		}
		for i := 0; i < 4096; i++ {
			h.Cores[1].Read(uint64(0x80000 + (i%256)*64))
		}
		for i := 0; i < 32; i++ {
			res := h.Cores[1].Read(uint64(0x10000 + i*64))
			Expect(res.Data).To(Equal(uint64(i) + 1000))
		}
	})

	It("should keep data coherent under an exclusive LLC", func() {
		cfg := smallConfig()
		cfg.Levels[1].Remap = false
		cfg.Levels[1].Monitors = nil
		cfg.Levels[1].Exclusive = true

		h, err := hierarchy.Build(cfg)
		Expect(err).NotTo(HaveOccurred())

		// Clean and dirty L1 evictions both release into the LLC; churn
		// also forces the LLC's own clean writebacks.
		for i := 0; i < 24; i++ {
			h.Cores[0].Write(uint64(0x10000+i*64), uint64(i)+500)
		}
		for i := 0; i < 2048; i++ {
			h.Cores[1].Read(uint64(0x80000 + (i%192)*64))
		}
		for i := 0; i < 24; i++ {
			res := h.Cores[1].Read(uint64(0x10000 + i*64))
			Expect(res.Data).To(Equal(uint64(i) + 500))
		}
	})

	It("should accumulate per-cache statistics", func() {
		h, err := hierarchy.Build(smallConfig())
		Expect(err).NotTo(HaveOccurred())

		for i := 0; i < 128; i++ {
			h.Cores[0].Read(uint64(0x20000 + i*64))
		}

		l1 := h.Levels[0][0].Counter
		Expect(l1.Accesses).To(Equal(uint64(128)))
		Expect(l1.Misses).To(BeNumerically(">", 0))
		Expect(h.Memory.Reads).To(BeNumerically(">", 0))
	})

	It("should pause, resume, and query counters through the PFC channel", func() {
		h, err := hierarchy.Build(smallConfig())
		Expect(err).NotTo(HaveOccurred())
		core := h.Cores[0]

		for i := 0; i < 16; i++ {
			core.Read(uint64(0x30000 + i*64))
		}
		l1 := h.Levels[0][0]
		countedBefore := l1.Counter.Accesses

		core.Read(pfc.CmdStop)
		core.Read(0x30000)
		Expect(l1.Counter.Accesses).To(Equal(countedBefore))

		core.Read(pfc.CmdStart)
		core.Read(0x30000)
		Expect(l1.Counter.Accesses).To(Equal(countedBefore + 1))

		res := core.Read(pfc.CmdQueryBase | l1.Cache.ID())
		Expect(res.Data).To(Equal(l1.Counter.Misses + l1.Counter.WriteMisses))
	})

	It("should round-trip the configuration through a file", func() {
		dir, err := os.MkdirTemp("", "hierarchy")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)

		path := filepath.Join(dir, "hierarchy.json")
		cfg := smallConfig()
		Expect(cfg.SaveConfig(path)).To(Succeed())

		loaded, err := hierarchy.LoadConfig(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).To(Equal(cfg))

		_, err = hierarchy.Build(loaded)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("configuration validation", func() {
		It("should reject an empty hierarchy", func() {
			cfg := &hierarchy.Config{AddressWidth: 48}
			Expect(cfg.Validate()).NotTo(Succeed())
		})

		It("should reject widening fan-in", func() {
			cfg := smallConfig()
			cfg.Levels[1].Count = 4
			Expect(cfg.Validate()).NotTo(Succeed())
		})

		It("should reject an exclusive innermost level", func() {
			cfg := smallConfig()
			cfg.Levels[0].Exclusive = true
			Expect(cfg.Validate()).NotTo(Succeed())
		})

		It("should reject an unknown replacer", func() {
			cfg := smallConfig()
			cfg.Levels[0].Replacer = "fifo"
			Expect(cfg.Validate()).NotTo(Succeed())
		})

		It("should reject an unknown monitor kind", func() {
			cfg := smallConfig()
			cfg.Levels[1].Monitors[0].Kind = "magic"
			_, err := hierarchy.Build(cfg)
			Expect(err).To(HaveOccurred())
		})
	})
})
