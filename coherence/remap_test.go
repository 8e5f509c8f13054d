package coherence_test

import (
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/comparch-security/cache-model-new/cache"
	"github.com/comparch-security/cache-model-new/coherence"
	"github.com/comparch-security/cache-model-new/latency"
	"github.com/comparch-security/cache-model-new/memory"
	"github.com/comparch-security/cache-model-new/monitor"
	"github.com/comparch-security/cache-model-new/replacer"
)

// lineState is the per-line fingerprint a remap must preserve.
type lineState struct {
	addr  uint64
	state cache.State
	dirty bool
}

func collectLines(c cache.Cache) map[lineState]int {
	lines := make(map[lineState]int)
	p, nset, nway := c.Size()
	for ai := 0; ai < p; ai++ {
		for s := 0; s < nset; s++ {
			for w := 0; w < nway; w++ {
				m := c.Access(uint32(ai), uint32(s), uint32(w))
				if m.IsValid() {
					lines[lineState{m.Addr(uint32(s)), m.State(), m.IsDirty()}]++
				}
			}
		}
	}
	return lines
}

var _ = Describe("Remap port", func() {
	var (
		store *memory.Memory
		rc    *cache.Remap
		node  *coherence.CoherentCache
		rp    *coherence.InnerCohPortRemap
		core  *coherence.CoreInterface
		addrs []uint64
	)

	BeforeEach(func() {
		store = memory.New()
		var err error
		rc, err = cache.NewRemap(cache.Config{
			Name: "llc", AW: 48, IW: 3, NW: 4, P: 2, WithData: true, RandSeed: 11,
		}, replacer.NewLRU(2, 8, 4))
		Expect(err).NotTo(HaveOccurred())

		node = coherence.NewCoherentCache(rc, coherence.NewMSIPolicy(true, true), latency.None{})
		node.ConnectMemory(coherence.NewMemoryPort(store, latency.None{}))
		rp, err = node.UseRemapPort()
		Expect(err).NotTo(HaveOccurred())
		core = coherence.NewCoreInterface(node)

		addrs = nil
		for i := 0; i < 16; i++ {
			addrs = append(addrs, uint64(0x10000+i*64))
		}
	})

	fill := func() {
		for i, a := range addrs {
			if i%2 == 0 {
				core.Write(a, uint64(i)+100)
			} else {
				store.Write64(a, uint64(i)+200)
				core.Read(a)
			}
		}
		for _, a := range addrs {
			_, _, _, ok := rc.Hit(a)
			Expect(ok).To(BeTrue())
		}
	}

	It("should keep every line resident across a full remap", func() {
		// Prime the current indexer with known seeds by rotating an empty
		// cache; both seed pairs spread the fill addresses at most NW per
		// set, so no relocation can force an eviction.
		Expect(rc.SeedNext([]uint64{0x123456789ABCDEF0, 0xA5A5A5A5A5A5A5A5})).To(Succeed())
		rp.Remap()

		fill()
		Expect(rc.SeedNext([]uint64{0xDEADBEEF, 0xCAFEBABE})).To(Succeed())

		before := collectLines(rc)
		rp.Remap()
		after := collectLines(rc)

		Expect(after).To(Equal(before))
		Expect(rc.Remapping()).To(BeFalse())

		expected, err := cache.NewSkewedIndexer(3, 2, []uint64{0xDEADBEEF, 0xCAFEBABE})
		Expect(err).NotTo(HaveOccurred())
		for _, a := range addrs {
			p, s, _, ok := rc.Hit(a)
			Expect(ok).To(BeTrue(), fmt.Sprintf("address %#x lost by remap", a))
			Expect(s).To(Equal(expected.Index(a, int(p))))
		}
	})

	It("should clear every relocated mark after the sweep", func() {
		fill()
		rp.Remap()

		p, nset, nway := rc.Size()
		for ai := 0; ai < p; ai++ {
			for s := 0; s < nset; s++ {
				for w := 0; w < nway; w++ {
					Expect(rc.Access(uint32(ai), uint32(s), uint32(w)).IsRelocated()).To(BeFalse())
				}
			}
		}
	})

	It("should preserve written data across repeated remaps", func() {
		for i, a := range addrs {
			core.Write(a, uint64(i)*3+1)
		}
		for n := 0; n < 3; n++ {
			rp.Remap()
		}
		for i, a := range addrs {
			Expect(core.Read(a).Data).To(Equal(uint64(i)*3 + 1))
		}
	})

	It("should run a remap at end-of-transaction when a monitor asks", func() {
		remapper, err := monitor.NewSimpleEVRemapper(4)
		Expect(err).NotTo(HaveOccurred())
		rc.Monitors().Attach(remapper)

		seedsBefore := rc.Indexer().Seeds()

		// Conflict traffic: more live lines than one partition pair of
		// sets can hold, forcing steady evictions.
		for i := 0; i < 4096; i++ {
			core.Read(uint64(0x40000 + (i%512)*64))
		}

		Expect(remapper.RemapPending()).To(BeFalse())
		Expect(rc.Indexer().Seeds()).NotTo(Equal(seedsBefore))
	})
})
