package tlvdb_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/bsm/tlvdb"
	"github.com/bsm/tlvdb/tlv"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"golang.org/x/sync/errgroup"
)

var _ = Describe("DB", func() {
	var dir string
	var subject *tlvdb.DB

	BeforeEach(func() {
		dir = tempDir()
		subject = openDB(dir, nil)
	})

	AfterEach(func() {
		_ = subject.Close()
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	It("should init", func() {
		Expect(subject.Header()).To(Equal(tlvdb.Header{
			Version:    1,
			Kind:       tlvdb.KindHash,
			Partitions: 1,
			NextID:     1,
		}))
		Expect(fileSize(filepath.Join(dir, "store.idx"))).To(Equal(int64(256)))
		Expect(filepath.Join(dir, "store.0.dat")).To(BeARegularFile())
	})

	It("should create and read", func() {
		ids := seedDB(subject, 10)
		Expect(ids).To(Equal([]uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}))

		val, err := subject.Read(10)
		Expect(err).NotTo(HaveOccurred())
		Expect(val.String()).To(Equal(`{"key9": "value9"}`))
		Expect(val.Equal(pairValue(9))).To(BeTrue())

		_, err = subject.Read(11)
		Expect(err).To(MatchError(tlvdb.ErrNotFound))
		Expect(err).To(MatchError(`tlvdb: not found (id=11)`))
		Expect(subject.Header().Items).To(Equal(uint64(10)))
	})

	It("should delete, vacuum and keep survivors", func() {
		seedDB(subject, 10)
		for id := uint64(6); id <= 10; id++ {
			Expect(subject.Delete(id)).To(BeTrue())
		}

		stats, err := subject.Vacuum(true)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Compacted).To(Equal([]int{0}))
		Expect(stats.Moved).To(Equal(5))

		for id := uint64(1); id <= 5; id++ {
			val, err := subject.Read(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(val.Equal(pairValue(int(id - 1)))).To(BeTrue(), "id=%d", id)
		}
		for id := uint64(6); id <= 10; id++ {
			_, err := subject.Read(id)
			Expect(err).To(MatchError(tlvdb.ErrNotFound))
		}
	})

	It("should issue monotonic identities", func() {
		Expect(subject.Create(tlv.Uint(1))).To(Equal(uint64(1)))
		Expect(subject.Create(tlv.Uint(2))).To(Equal(uint64(2)))
		Expect(subject.Delete(2)).To(BeTrue())
		Expect(subject.Create(tlv.Uint(3))).To(Equal(uint64(3)))
		Expect(subject.Delete(1)).To(BeTrue())
		Expect(subject.Delete(3)).To(BeTrue())
		Expect(subject.Create(tlv.Uint(4))).To(Equal(uint64(4)))
		Expect(subject.NextID()).To(Equal(uint64(5)))
	})

	It("should keep identities unique across reopens", func() {
		seedDB(subject, 3)
		Expect(subject.Delete(2)).To(BeTrue())
		Expect(subject.Delete(3)).To(BeTrue())
		Expect(subject.Close()).To(Succeed())

		subject = openDB(dir, nil)
		Expect(subject.Header().Items).To(Equal(uint64(1)))
		Expect(subject.Create(tlv.String("x"))).To(Equal(uint64(4)))

		val, err := subject.Read(1)
		Expect(err).NotTo(HaveOccurred())
		Expect(val.Equal(pairValue(0))).To(BeTrue())
	})

	It("should delete", func() {
		seedDB(subject, 3)
		Expect(subject.Delete(2)).To(BeTrue())
		Expect(subject.Delete(2)).To(BeFalse())
		Expect(subject.Delete(99)).To(BeFalse())

		_, err := subject.Read(2)
		Expect(err).To(MatchError(tlvdb.ErrNotFound))
		Expect(subject.Header().Items).To(Equal(uint64(2)))
	})

	It("should remove and return the old value", func() {
		seedDB(subject, 3)

		old, ok, err := subject.Remove(3)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(old.Equal(pairValue(2))).To(BeTrue())

		stats, err := subject.Stats()
		Expect(err).NotTo(HaveOccurred())
		Expect(stats[0].Free).To(Equal(1))
		Expect(stats[0].Reclaimable).To(Equal(int64(old.EncodedLen())))

		_, ok, err = subject.Remove(3)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("should track reclaimed sizes on request", func() {
		Expect(subject.Close()).To(Succeed())
		subject = openDB(dir, &tlvdb.Options{TrackReclaimedSize: true})

		seedDB(subject, 2)
		Expect(subject.Delete(1)).To(BeTrue())

		stats, err := subject.Stats()
		Expect(err).NotTo(HaveOccurred())
		Expect(stats[0].Reclaimable).To(Equal(int64(pairValue(0).EncodedLen())))
	})

	It("should flush the index to header plus rows", func() {
		seedDB(subject, 3)
		Expect(subject.Delete(2)).To(BeTrue())
		Expect(fileSize(filepath.Join(dir, "store.idx"))).To(Equal(int64(256 + 3*17)))

		_, err := subject.Vacuum(false)
		Expect(err).NotTo(HaveOccurred())
		Expect(fileSize(filepath.Join(dir, "store.idx"))).To(Equal(int64(256 + 2*17)))
	})

	Describe("Update", func() {
		var id uint64

		BeforeEach(func() {
			var err error
			id, err = subject.Create(tlv.String("abcdef"))
			Expect(err).NotTo(HaveOccurred())
			_, err = subject.Create(tlv.String("next"))
			Expect(err).NotTo(HaveOccurred())
		})

		It("should update in place", func() {
			size := fileSize(filepath.Join(dir, "store.0.dat"))

			Expect(subject.Update(tlvdb.Record{ID: id, Value: tlv.String("abc")})).To(Succeed())
			Expect(fileSize(filepath.Join(dir, "store.0.dat"))).To(Equal(size))
			Expect(subject.Read(id)).To(BeEquivalentValue(tlv.String("abc")))
			Expect(subject.Read(id + 1)).To(BeEquivalentValue(tlv.String("next")))

			stats, err := subject.Stats()
			Expect(err).NotTo(HaveOccurred())
			Expect(stats[0].Free).To(Equal(1))
			Expect(stats[0].Reclaimable).To(Equal(int64(3)))
			Expect(subject.FreeRegions(0)).To(Equal([]tlvdb.FreeRegion{{Offset: 5, Size: 3}}))

			Expect(subject.Update(tlvdb.Record{ID: id, Value: tlv.String("abc")})).To(Succeed())
			Expect(subject.FreeRegions(0)).To(HaveLen(1))

			Expect(subject.Update(tlvdb.Record{ID: id, Value: tlv.String("a")})).To(Succeed())
			Expect(subject.FreeRegions(0)).To(Equal([]tlvdb.FreeRegion{
				{Offset: 3, Size: 2},
				{Offset: 5, Size: 3},
			}))
		})

		It("should reclaim shrunk tails on vacuum", func() {
			Expect(subject.Update(tlvdb.Record{ID: id, Value: tlv.String("ab")})).To(Succeed())

			stats, err := subject.Vacuum(false)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Compacted).To(Equal([]int{0}))
			Expect(stats.Reclaimed).To(Equal(int64(4)))
			Expect(fileSize(filepath.Join(dir, "store.0.dat"))).To(Equal(int64(10)))
			Expect(subject.Read(id)).To(BeEquivalentValue(tlv.String("ab")))
			Expect(subject.Read(id + 1)).To(BeEquivalentValue(tlv.String("next")))
			Expect(subject.FreeRegions(0)).To(BeEmpty())
		})

		It("should reject unknown partitions when listing free regions", func() {
			_, err := subject.FreeRegions(1)
			Expect(err).To(MatchError("tlvdb: partition out of range: 1"))
		})

		It("should relocate larger values", func() {
			size := fileSize(filepath.Join(dir, "store.0.dat"))

			Expect(subject.Update(tlvdb.Record{ID: id, Value: tlv.String("abcdefghij")})).To(Succeed())
			Expect(fileSize(filepath.Join(dir, "store.0.dat"))).To(Equal(size + 12))
			Expect(subject.Read(id)).To(BeEquivalentValue(tlv.String("abcdefghij")))
			Expect(subject.Read(id + 1)).To(BeEquivalentValue(tlv.String("next")))

			stats, err := subject.Stats()
			Expect(err).NotTo(HaveOccurred())
			Expect(stats[0].Free).To(Equal(1))
			Expect(stats[0].Reclaimable).To(Equal(int64(8)))
		})

		It("should reject values without identity", func() {
			Expect(subject.Update(tlvdb.Record{Value: tlv.String("x")})).To(MatchError(tlvdb.ErrWrongInstance))
			Expect(subject.Update(tlvdb.Record{ID: 99, Value: tlv.String("x")})).To(MatchError(tlvdb.ErrWrongInstance))
		})

		It("should fail on deleted values", func() {
			Expect(subject.Delete(id)).To(BeTrue())
			Expect(subject.Update(tlvdb.Record{ID: id, Value: tlv.String("x")})).To(MatchError(tlvdb.ErrNotFound))
		})

		It("should persist immediately inside transactions", func() {
			subject.BeginTransaction()
			Expect(subject.Update(tlvdb.Record{ID: id, Value: tlv.String("abcdefghij")})).To(Succeed())
			Expect(fileSize(filepath.Join(dir, "store.idx"))).To(Equal(int64(256 + 3*17)))
			Expect(subject.EndTransaction()).To(Succeed())
		})
	})

	It("should read into typed values", func() {
		id, err := subject.Create(&person{Name: "Alice", Age: 33})
		Expect(err).NotTo(HaveOccurred())

		var p person
		Expect(subject.ReadInto(id, &p)).To(Succeed())
		Expect(p).To(Equal(person{Identity: tlvdb.Identity(id), Name: "Alice", Age: 33}))

		p.Age = 34
		Expect(subject.Update(&p)).To(Succeed())

		var q person
		Expect(subject.ReadInto(id, &q)).To(Succeed())
		Expect(q.Age).To(Equal(uint64(34)))
	})

	Describe("transactions", func() {
		It("should buffer writes", func() {
			idx := filepath.Join(dir, "store.idx")

			subject.BeginTransaction()
			Expect(subject.InTransaction()).To(BeTrue())

			ids := seedDB(subject, 3)
			Expect(subject.Delete(ids[0])).To(BeTrue())
			Expect(fileSize(idx)).To(Equal(int64(256)))

			val, err := subject.Read(ids[2])
			Expect(err).NotTo(HaveOccurred())
			Expect(val.Equal(pairValue(2))).To(BeTrue())

			Expect(subject.EndTransaction()).To(Succeed())
			Expect(subject.InTransaction()).To(BeFalse())
			Expect(fileSize(idx)).To(Equal(int64(256 + 3*17)))
		})

		It("should reject vacuum", func() {
			subject.BeginTransaction()
			_, err := subject.Vacuum(true)
			Expect(err).To(MatchError(tlvdb.ErrInTransaction))
			Expect(subject.EndTransaction()).To(Succeed())
		})

		It("should commit on close", func() {
			subject.BeginTransaction()
			seedDB(subject, 4)
			Expect(subject.Close()).To(Succeed())

			subject = openDB(dir, nil)
			Expect(subject.Header().Items).To(Equal(uint64(4)))
			Expect(subject.Read(4)).To(BeEquivalentValue(pairValue(3)))
		})
	})

	It("should remove stale swap files", func() {
		Expect(subject.Close()).To(Succeed())

		swap := filepath.Join(dir, "store.0.dat.swap")
		Expect(os.WriteFile(swap, []byte("junk"), 0o644)).To(Succeed())

		subject = openDB(dir, nil)
		Expect(swap).NotTo(BeAnExistingFile())
	})

	It("should reject operations when closed", func() {
		Expect(subject.Close()).To(Succeed())
		Expect(subject.Close()).To(Succeed())

		_, err := subject.Create(tlv.Uint(1))
		Expect(err).To(MatchError(tlvdb.ErrClosed))
		_, err = subject.Read(1)
		Expect(err).To(MatchError(tlvdb.ErrClosed))
		_, err = subject.Vacuum(true)
		Expect(err).To(MatchError(tlvdb.ErrClosed))
	})

	It("should spread across partitions", func() {
		Expect(subject.Close()).To(Succeed())
		Expect(os.RemoveAll(dir)).To(Succeed())
		dir = tempDir()

		var next uint32
		subject = openDB(dir, &tlvdb.Options{
			Partitions: 3,
			PartitionSelector: tlvdb.PartitionSelectorFunc(func(n, _ int) int {
				return int(atomic.AddUint32(&next, 1)-1) % n
			}),
		})
		seedDB(subject, 9)
		Expect(subject.Delete(1)).To(BeTrue())
		Expect(subject.Delete(5)).To(BeTrue())

		stats, err := subject.Stats()
		Expect(err).NotTo(HaveOccurred())
		Expect(stats).To(HaveLen(3))
		Expect(stats[0].Items).To(Equal(2))
		Expect(stats[1].Items).To(Equal(2))
		Expect(stats[2].Items).To(Equal(3))
		Expect(stats[1].Path).To(Equal(filepath.Join(dir, "store.1.dat")))

		vs, err := subject.Vacuum(false)
		Expect(err).NotTo(HaveOccurred())
		Expect(vs.Compacted).To(Equal([]int{0, 1}))
		Expect(vs.Skipped).To(Equal([]int{2}))

		for _, id := range []uint64{2, 3, 4, 6, 7, 8, 9} {
			Expect(subject.Read(id)).To(BeEquivalentValue(pairValue(int(id - 1))))
		}

		Expect(subject.Close()).To(Succeed())
		subject = openDB(dir, &tlvdb.Options{Partitions: 1})
		Expect(subject.Header().Partitions).To(Equal(uint8(3)))
		Expect(subject.Read(9)).To(BeEquivalentValue(pairValue(8)))
	})

	It("should reject invalid partition selections", func() {
		Expect(subject.Close()).To(Succeed())
		subject = openDB(dir, &tlvdb.Options{
			PartitionSelector: tlvdb.PartitionSelectorFunc(func(n, _ int) int { return n }),
		})

		_, err := subject.Create(tlv.Uint(1))
		Expect(err).To(MatchError(`tlvdb: partition out of range: selected 1 of 1`))
	})

	It("should support concurrent access", func() {
		var g errgroup.Group
		for w := 0; w < 4; w++ {
			w := w
			g.Go(func() error {
				for i := 0; i < 25; i++ {
					val := tlv.List(tlv.Uint(uint64(w)), tlv.Uint(uint64(i)))
					id, err := subject.Create(val)
					if err != nil {
						return err
					}
					got, err := subject.Read(id)
					if err != nil {
						return err
					}
					if !got.Equal(val) {
						return fmt.Errorf("read %d: got %s, want %s", id, got, val)
					}
					if i%5 == 0 {
						if _, err := subject.Delete(id); err != nil {
							return err
						}
					}
				}
				return nil
			})
		}
		g.Go(func() error {
			for i := 0; i < 5; i++ {
				if _, err := subject.Vacuum(false); err != nil {
					return err
				}
			}
			return nil
		})
		Expect(g.Wait()).To(Succeed())

		Expect(subject.Header().Items).To(Equal(uint64(80)))
		Expect(subject.NextID()).To(Equal(uint64(101)))

		_, err := subject.Vacuum(false)
		Expect(err).NotTo(HaveOccurred())

		var found int
		for id := uint64(1); id <= 100; id++ {
			val, err := subject.Read(id)
			if err == nil {
				Expect(val.Len()).To(Equal(2))
				found++
			}
		}
		Expect(found).To(Equal(80))
	})
})
