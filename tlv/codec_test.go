package tlv_test

import (
	"bytes"
	"errors"
	"io"
	"math"
	"strings"

	"github.com/bsm/tlvdb/tlv"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
)

var _ = Describe("Codec", func() {
	DescribeTable("should round-trip",
		func(v tlv.Value) {
			data, err := tlv.Marshal(v)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(HaveLen(v.EncodedLen()))
			Expect(data[0]).To(Equal(byte(v.Tag())))

			w, n, err := tlv.Unmarshal(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(len(data)))
			Expect(w).To(BeEquivalentValue(v))
			Expect(w.Tag()).To(Equal(v.Tag()))

			sz, err := tlv.SizeAt(bytes.NewReader(data), 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(sz).To(Equal(int64(len(data))))
		},
		Entry("uint8", tlv.Uint(200)),
		Entry("uint16", tlv.Uint(60000)),
		Entry("uint32", tlv.Uint(4000000000)),
		Entry("uint64", tlv.Uint(math.MaxUint64)),
		Entry("int8", tlv.Int(-100)),
		Entry("int16", tlv.Int(-30000)),
		Entry("int32", tlv.Int(-2000000000)),
		Entry("int64", tlv.Int(math.MinInt64)),
		Entry("double", tlv.Float(-3.25)),
		Entry("empty string", tlv.String("")),
		Entry("max string", tlv.String(strings.Repeat("x", 255))),
		Entry("empty list", tlv.List()),
		Entry("empty map", tlv.Map()),
		Entry("nested", sampleValue()),
		Entry("map in list in map", tlv.Map(
			tlv.Pair{Key: tlv.String("people"), Value: tlv.List(
				tlv.Map(tlv.Pair{Key: tlv.String("name"), Value: tlv.String("Andreas")}),
				tlv.Map(tlv.Pair{Key: tlv.String("age"), Value: tlv.Uint(30)}),
			)},
			tlv.Pair{Key: tlv.Int(-1), Value: tlv.List(tlv.Float(1), tlv.Int(-70000))},
		)),
	)

	It("should encode the documented layout", func() {
		data, err := tlv.Marshal(tlv.Map(tlv.Pair{Key: tlv.String("key"), Value: tlv.Uint(258)}))
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte{'K', 1, 's', 3, 'k', 'e', 'y', 'H', 2, 1}))

		data, err = tlv.Marshal(tlv.Int(-2))
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte{'b', 0xfe}))
	})

	It("should reject oversized payloads", func() {
		_, err := tlv.Marshal(tlv.String(strings.Repeat("x", 256)))
		Expect(err).To(MatchError(tlv.ErrTooLong))

		items := make([]tlv.Value, 256)
		for i := range items {
			items[i] = tlv.Uint(uint64(i))
		}
		_, err = tlv.Marshal(tlv.List(items...))
		Expect(err).To(MatchError(tlv.ErrTooLong))

		_, err = tlv.Marshal(tlv.Value{})
		Expect(err).To(HaveOccurred())
	})

	It("should fail on unknown tags", func() {
		_, _, err := tlv.Unmarshal([]byte{'T', 2, 'B', 1, 'z', 0})

		var merr *tlv.MalformedValueError
		Expect(errors.As(err, &merr)).To(BeTrue())
		Expect(merr.Tag).To(Equal(tlv.Tag('z')))
		Expect(merr.Offset).To(Equal(int64(4)))
		Expect(merr.Err).To(MatchError(tlv.ErrUnknownTag))
	})

	It("should fail on truncated numbers", func() {
		_, _, err := tlv.Unmarshal([]byte{'I', 1, 2})

		var merr *tlv.MalformedValueError
		Expect(errors.As(err, &merr)).To(BeTrue())
		Expect(merr.Tag).To(Equal(tlv.TagUint32))
		Expect(merr.Err).To(MatchError(io.ErrUnexpectedEOF))
		Expect(err.Error()).To(Equal("tlv: malformed value with tag I at offset 0: unexpected EOF"))
	})

	It("should fail on truncated containers", func() {
		_, _, err := tlv.Unmarshal([]byte{'T', 3, 'B', 1})

		var merr *tlv.MalformedValueError
		Expect(errors.As(err, &merr)).To(BeTrue())
		Expect(merr.Tag).To(Equal(tlv.TagList))
		Expect(merr.Err).To(MatchError(io.ErrUnexpectedEOF))

		_, err = tlv.SizeAt(bytes.NewReader([]byte{'s', 10, 'a'}), 0)
		Expect(errors.As(err, &merr)).To(BeTrue())
		Expect(merr.Tag).To(Equal(tlv.TagString))
	})

	It("should fail on repeated mapping keys", func() {
		data := []byte{'K', 2, 's', 1, 'a', 'B', 1, 's', 1, 'a', 'B', 2}
		_, _, err := tlv.Unmarshal(data)

		var merr *tlv.MalformedValueError
		Expect(errors.As(err, &merr)).To(BeTrue())
		Expect(merr.Tag).To(Equal(tlv.TagMap))
		Expect(merr.Offset).To(Equal(int64(0)))
		Expect(merr.Err).To(MatchError(tlv.ErrDuplicateKey))

		sz, err := tlv.SizeAt(bytes.NewReader(data), 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(sz).To(Equal(int64(len(data))))
	})

	It("should decode and size at offsets", func() {
		buf := new(bytes.Buffer)
		enc := tlv.NewEncoder(buf)

		n, err := enc.Encode(tlv.String("padding"))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(9))
		Expect(enc.Offset()).To(Equal(int64(9)))

		_, err = enc.Encode(sampleValue())
		Expect(err).NotTo(HaveOccurred())

		r := bytes.NewReader(buf.Bytes())
		v, sz, err := tlv.DecodeAt(r, 9)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(BeEquivalentValue(sampleValue()))
		Expect(sz).To(Equal(enc.Offset() - 9))

		sz2, err := tlv.SizeAt(r, 9)
		Expect(err).NotTo(HaveOccurred())
		Expect(sz2).To(Equal(sz))

		_, _, err = tlv.DecodeAt(r, enc.Offset())
		Expect(err).To(MatchError(io.ErrUnexpectedEOF))
	})

	It("should stream-decode", func() {
		buf := new(bytes.Buffer)
		enc := tlv.NewEncoder(buf)
		for i := 0; i < 3; i++ {
			_, err := enc.Encode(tlv.Uint(uint64(i * 1000)))
			Expect(err).NotTo(HaveOccurred())
		}

		dec := tlv.NewDecoder(buf)
		v, err := dec.Decode()
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Uint()).To(Equal(uint64(0)))
		Expect(dec.Offset()).To(Equal(int64(2)))

		n, err := dec.Skip()
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(3)))

		v, err = dec.Decode()
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Uint()).To(Equal(uint64(2000)))

		_, err = dec.Decode()
		Expect(err).To(Equal(io.EOF))
	})

	Describe("Scanner", func() {
		It("should iterate packed values", func() {
			buf := new(bytes.Buffer)
			enc := tlv.NewEncoder(buf)
			var offsets []int64
			for _, v := range []tlv.Value{tlv.Uint(1), tlv.String("two"), sampleValue()} {
				offsets = append(offsets, enc.Offset())
				_, err := enc.Encode(v)
				Expect(err).NotTo(HaveOccurred())
			}

			s := tlv.NewScanner(buf)
			var seen []int64
			for s.Next() {
				seen = append(seen, s.Offset())
			}
			Expect(s.Err()).NotTo(HaveOccurred())
			Expect(seen).To(Equal(offsets))
			Expect(s.Value()).To(BeEquivalentValue(sampleValue()))
		})

		It("should report trailing garbage", func() {
			s := tlv.NewScanner(bytes.NewReader([]byte{'B', 1, 'x'}))
			Expect(s.Next()).To(BeTrue())
			Expect(s.Next()).To(BeFalse())
			Expect(s.Err()).To(MatchError(tlv.ErrUnknownTag))
		})

		It("should handle empty streams", func() {
			s := tlv.NewScanner(bytes.NewReader(nil))
			Expect(s.Next()).To(BeFalse())
			Expect(s.Err()).NotTo(HaveOccurred())
		})
	})
})
