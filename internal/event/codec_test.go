package event_test

import (
	"strconv"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/ingest/internal/event"
)

var _ = Describe("Codec", func() {
	It("round-trips nested data and binary values byte-exact", func() {
		p := nativePayload()
		p.SetFlag(event.FlagProcessingError)
		p.Data["extra"] = map[string]any{
			"count":  int64(3),
			"ratio":  0.5,
			"nested": []any{"a", int64(1), nil, true, []byte{0x01, 0x02}},
		}

		b, err := event.Encode(p)
		Expect(err).NotTo(HaveOccurred())

		got, err := event.Decode(b)
		Expect(err).NotTo(HaveOccurred())

		Expect(got.ProjectID).To(Equal(int64(42)))
		Expect(got.EventID).To(Equal(p.EventID))
		Expect(got.Timestamp).To(Equal(1700000000.25))
		Expect(got.HasFlag(event.FlagProcessingError)).To(BeTrue())
		Expect(got.Data["minidump"]).To(Equal([]byte{0x00, 0xff, 0x10, 0x80}))
		Expect(got.Data["extra"]).To(Equal(p.Data["extra"]))
		Expect(got.Frames()).To(HaveLen(2))
		Expect(got.Frames()[0].InstructionAddr()).To(Equal("0x1000"))
	})

	It("reads back large arrays and maps", func() {
		samples := make([]any, 140_000)
		for i := range samples {
			samples[i] = int64(i)
		}
		tags := make(map[string]any, 140_000)
		for i := 0; i < 140_000; i++ {
			tags["t"+strconv.Itoa(i)] = true
		}
		p := nativePayload()
		p.Data["extra"] = map[string]any{"samples": samples, "tags": tags}

		b, err := event.Encode(p)
		Expect(err).NotTo(HaveOccurred())

		got, err := event.Decode(b)
		Expect(err).NotTo(HaveOccurred())
		extra := got.Data["extra"].(map[string]any)
		Expect(extra["samples"]).To(HaveLen(140_000))
		Expect(extra["tags"]).To(HaveLen(140_000))
	})

	It("keeps strings that are not valid UTF-8 byte-exact", func() {
		p := nativePayload()
		p.Data["message"] = "bad \xff\xfe bytes"
		p.Data["extra"] = map[string]any{"\xc3\x28": "key"}

		b, err := event.Encode(p)
		Expect(err).NotTo(HaveOccurred())

		got, err := event.Decode(b)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Data["message"]).To(Equal("bad \xff\xfe bytes"))
		Expect(got.Data["extra"]).To(HaveKey("\xc3\x28"))
	})

	It("reads back deeply nested data", func() {
		p := nativePayload()
		p.Data["extra"] = nested(300)

		b, err := event.Encode(p)
		Expect(err).NotTo(HaveOccurred())

		got, err := event.Decode(b)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Data["extra"]).To(Equal(p.Data["extra"]))
	})

	It("refuses to encode what it could not decode", func() {
		p := nativePayload()
		p.Data["extra"] = nested(70_000)

		_, err := event.Encode(p)
		Expect(err).To(MatchError(event.ErrCodec))
	})

	It("fails on garbage input", func() {
		_, err := event.Decode([]byte("not a payload"))
		Expect(err).To(MatchError(event.ErrCodec))
	})
})

func nested(depth int) any {
	var v any = "leaf"
	for i := 0; i < depth; i++ {
		v = []any{v}
	}
	return v
}
