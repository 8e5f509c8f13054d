package replacer_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/comparch-security/cache-model-new/replacer"
)

var _ = Describe("LRU replacer", func() {
	var r *replacer.LRU

	BeforeEach(func() {
		r = replacer.NewLRU(1, 2, 4)
	})

	It("should hand out free ways before recycling", func() {
		used := map[uint32]bool{}
		for i := 0; i < 4; i++ {
			w := r.ChooseWay(0, 0)
			Expect(used[w]).To(BeFalse())
			used[w] = true
			r.ReplaceRead(0, 0, w, true)
		}
	})

	It("should recycle the least recently used way", func() {
		for w := uint32(0); w < 4; w++ {
			r.ReplaceRead(0, 0, w, true)
		}
		// Touch way 0 again; way 1 becomes the oldest.
		r.ReplaceRead(0, 0, 0, false)
		Expect(r.ChooseWay(0, 0)).To(Equal(uint32(1)))
	})

	It("should prefer an externally freed way over the LRU victim", func() {
		for w := uint32(0); w < 4; w++ {
			r.ReplaceRead(0, 0, w, true)
		}
		r.Access(0, 0, 2, true, replacer.KindRelease)
		Expect(r.ChooseWay(0, 0)).To(Equal(uint32(2)))
	})

	It("should track sets independently", func() {
		for w := uint32(0); w < 4; w++ {
			r.ReplaceRead(0, 0, w, true)
		}
		// Set 1 is untouched and must still offer a free way.
		w := r.ChooseWay(0, 1)
		r.ReplaceRead(0, 1, w, true)
		Expect(r.ChooseWay(0, 1)).NotTo(Equal(w))
	})
})

var _ = Describe("Random replacer", func() {
	It("should fill free ways before evicting", func() {
		r := replacer.NewRandom(1, 1, 2, 42)
		w0 := r.ChooseWay(0, 0)
		r.ReplaceRead(0, 0, w0, true)
		w1 := r.ChooseWay(0, 0)
		Expect(w1).NotTo(Equal(w0))
		r.ReplaceRead(0, 0, w1, true)

		// Full set: any way is fair game, but the choice must be in
		// range.
		Expect(r.ChooseWay(0, 0)).To(BeNumerically("<", 2))
	})
})
