package monitor_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/comparch-security/cache-model-new/monitor"
)

var _ = Describe("Remap monitors", func() {
	Describe("SimpleEVRemapper", func() {
		var r *monitor.SimpleEVRemapper

		BeforeEach(func() {
			var err error
			r, err = monitor.NewSimpleEVRemapper(3)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should request a remap every period invalidations", func() {
			for i := 0; i < 2; i++ {
				r.Invalid(0, 0x1000, 0, 0, 0)
			}
			Expect(r.RemapPending()).To(BeFalse())

			r.Invalid(0, 0x1000, 0, 0, 0)
			Expect(r.RemapPending()).To(BeTrue())
		})

		It("should hand the request to the port through the magic channel", func() {
			for i := 0; i < 3; i++ {
				r.Invalid(0, 0x1000, 0, 0, 0)
			}

			payload := false
			Expect(r.MagicFunc(0, 0, monitor.MagicIDRemapAsk, &payload)).To(BeTrue())
			Expect(payload).To(BeTrue())

			// While the port drains the request the monitor stays
			// inactive and stops counting.
			r.Invalid(0, 0x1000, 0, 0, 0)
			Expect(r.Invalids).To(Equal(uint64(3)))

			Expect(r.MagicFunc(0, 0, monitor.MagicIDRemapEnd, nil)).To(BeTrue())
			Expect(r.RemapPending()).To(BeFalse())
			Expect(r.Invalids).To(Equal(uint64(0)))
			Expect(r.Active()).To(BeTrue())
		})

		It("should answer identical readings on consecutive asks", func() {
			for i := 0; i < 3; i++ {
				r.Invalid(0, 0x1000, 0, 0, 0)
			}

			first, second := false, false
			r.MagicFunc(0, 0, monitor.MagicIDRemapAsk, &first)
			r.MagicFunc(0, 0, monitor.MagicIDRemapAsk, &second)
			Expect(first).To(Equal(second))

			r.MagicFunc(0, 0, monitor.MagicIDRemapEnd, nil)
			cleared := false
			r.MagicFunc(0, 0, monitor.MagicIDRemapAsk, &cleared)
			Expect(cleared).To(BeFalse())
		})

		It("should ignore unknown magic identifiers", func() {
			payload := false
			Expect(r.MagicFunc(0, 0, 12345, &payload)).To(BeFalse())
			Expect(payload).To(BeFalse())
		})

		It("should not expose requests when remapping is disabled", func() {
			r.SetRemapEnable(false)
			for i := 0; i < 3; i++ {
				r.Invalid(0, 0x1000, 0, 0, 0)
			}
			payload := false
			Expect(r.MagicFunc(0, 0, monitor.MagicIDRemapAsk, &payload)).To(BeTrue())
			Expect(payload).To(BeFalse())
		})
	})

	Describe("ZSEVRemapper", func() {
		It("should detect a heavily evicted set within one access period", func() {
			r, err := monitor.NewZSEVRemapper(64, 0.1, 1000, 0, 1.0)
			Expect(err).NotTo(HaveOccurred())

			// 900 invalidations of set 7 spread through 1000 reads.
			for i := 0; i < 1000; i++ {
				if i < 900 {
					r.Invalid(0, 0x1000, 0, 7, 0)
				}
				r.Read(0, 0x1000, 0, 7, 0, false)
			}

			Expect(r.History()[7]).To(BeNumerically(">", 1.0))
			Expect(r.RemapPending()).To(BeTrue())

			payload := false
			Expect(r.MagicFunc(0, 0, monitor.MagicIDRemapAsk, &payload)).To(BeTrue())
			Expect(payload).To(BeTrue())

			Expect(r.MagicFunc(0, 0, monitor.MagicIDRemapEnd, nil)).To(BeTrue())
			Expect(r.RemapPending()).To(BeFalse())
			for _, e := range r.Evicts() {
				Expect(e).To(BeZero())
			}
			for _, h := range r.History() {
				Expect(h).To(BeZero())
			}
		})

		It("should stay quiet under balanced evictions", func() {
			r, err := monitor.NewZSEVRemapper(8, 0.1, 800, 0, 100.0)
			Expect(err).NotTo(HaveOccurred())

			for i := 0; i < 800; i++ {
				r.Invalid(0, 0x1000, 0, int32(i%8), 0)
				r.Read(0, 0x1000, 0, int32(i%8), 0, false)
			}
			Expect(r.RemapPending()).To(BeFalse())
		})

		It("should request a remap unconditionally at the evict period", func() {
			r, err := monitor.NewZSEVRemapper(8, 0.5, 0, 10, 1e9)
			Expect(err).NotTo(HaveOccurred())

			for i := 0; i < 10; i++ {
				r.Invalid(0, 0x1000, 0, 0, 0)
			}
			Expect(r.RemapPending()).To(BeTrue())
		})

		It("should reject degenerate configurations", func() {
			_, err := monitor.NewZSEVRemapper(1, 0.1, 10, 10, 1.0)
			Expect(err).To(HaveOccurred())
			_, err = monitor.NewZSEVRemapper(8, 1.5, 10, 10, 1.0)
			Expect(err).To(HaveOccurred())
		})
	})
})
