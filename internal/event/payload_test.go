package event_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/ingest/internal/event"
)

func nativePayload() *event.Payload {
	return &event.Payload{
		ProjectID: 42,
		EventID:   "9f1c2a6e7d3b4c5a8e0f1a2b3c4d5e6f",
		Platform:  "native",
		Timestamp: 1700000000.25,
		Data: map[string]any{
			"exception": map[string]any{
				"values": []any{
					map[string]any{
						"type": "SIGSEGV",
						"stacktrace": map[string]any{
							"frames": []any{
								map[string]any{"instruction_addr": "0x1000", "function": "main"},
								map[string]any{"instruction_addr": "0x2000"},
							},
						},
					},
				},
			},
			"debug_meta": map[string]any{
				"images": []any{
					map[string]any{"type": "elf", "code_id": "abc"},
				},
			},
			"minidump": []byte{0x00, 0xff, 0x10, 0x80},
		},
	}
}

var _ = Describe("Payload", func() {
	Describe("flags", func() {
		It("marks fatal processing with both flags", func() {
			p := &event.Payload{}
			p.MarkFatal()

			Expect(p.HasFlag(event.FlagProcessingError)).To(BeTrue())
			Expect(p.HasFlag(event.FlagProcessingFatal)).To(BeTrue())
		})

		It("reports unset flags as false", func() {
			Expect((&event.Payload{}).HasFlag(event.FlagProcessingError)).To(BeFalse())
		})
	})

	Describe("Clone", func() {
		It("returns an independent deep copy", func() {
			p := nativePayload()
			c := p.Clone()

			c.Frames()[0]["function"] = "changed"
			c.Data["minidump"].([]byte)[0] = 0x42
			c.SetFlag(event.FlagProcessingError)

			Expect(p.Frames()[0]["function"]).To(Equal("main"))
			Expect(p.Data["minidump"].([]byte)[0]).To(Equal(byte(0x00)))
			Expect(p.HasFlag(event.FlagProcessingError)).To(BeFalse())
		})
	})

	Describe("processing issues", func() {
		It("returns issues ordered by key", func() {
			p := &event.Payload{}
			p.AddProcessingIssue(event.ProcessingIssue{Scope: "native", Object: "dsym:b", Type: "native_missing_dsym"})
			p.AddProcessingIssue(event.ProcessingIssue{Scope: "native", Object: "dsym:a", Type: "native_missing_dsym", Data: map[string]any{"image_uuid": "a"}})

			issues := p.ProcessingIssues()
			Expect(issues).To(HaveLen(2))
			Expect(issues[0].Object).To(Equal("dsym:a"))
			Expect(issues[0].Data).To(HaveKeyWithValue("image_uuid", "a"))
			Expect(issues[1].Object).To(Equal("dsym:b"))
		})

		It("returns nil when there are none", func() {
			Expect(nativePayload().ProcessingIssues()).To(BeNil())
		})
	})

	Describe("IsReprocessed", func() {
		It("detects the reprocessing context", func() {
			p := nativePayload()
			Expect(p.IsReprocessed()).To(BeFalse())

			p.Data["contexts"] = map[string]any{"reprocessing": map[string]any{"original_issue_id": int64(1)}}
			Expect(p.IsReprocessed()).To(BeTrue())
		})
	})

	Describe("Stacktraces", func() {
		It("finds exception, thread and top level traces", func() {
			p := nativePayload()
			p.Data["stacktrace"] = map[string]any{"frames": []any{map[string]any{"function": "top"}}}
			p.Data["threads"] = map[string]any{"values": []any{
				map[string]any{"stacktrace": map[string]any{"frames": []any{map[string]any{"function": "t1"}}}},
			}}

			traces := p.Stacktraces()
			Expect(traces).To(HaveLen(3))
			Expect(p.Frames()).To(HaveLen(4))
			Expect(traces[1].Platform).To(Equal("native"))
		})

		It("writes back replaced frames", func() {
			p := nativePayload()
			st := p.Stacktraces()[0]
			st.SetFrames(st.Frames[:1])

			Expect(p.Frames()).To(HaveLen(1))
		})

		It("lists debug images", func() {
			Expect(nativePayload().DebugImages()).To(HaveLen(1))
		})
	})

	Describe("JSON", func() {
		It("flattens envelope fields next to the data", func() {
			b, err := json.Marshal(&event.Payload{ProjectID: 7, EventID: "abc", Data: map[string]any{"message": "boom"}})
			Expect(err).NotTo(HaveOccurred())

			var m map[string]any
			Expect(json.Unmarshal(b, &m)).To(Succeed())
			Expect(m).To(HaveKeyWithValue("project", BeNumerically("==", 7)))
			Expect(m).To(HaveKeyWithValue("event_id", "abc"))
			Expect(m).To(HaveKeyWithValue("message", "boom"))
		})

		It("parses the wire shape", func() {
			var p event.Payload
			Expect(json.Unmarshal([]byte(`{"project": 42, "event_id": "e1", "platform": "python", "timestamp": 12.5, "_metrics": {"flag.processing.error": true}, "extra": {"a": 1}}`), &p)).To(Succeed())

			Expect(p.ProjectID).To(Equal(int64(42)))
			Expect(p.Platform).To(Equal("python"))
			Expect(p.Timestamp).To(Equal(12.5))
			Expect(p.HasFlag(event.FlagProcessingError)).To(BeTrue())
			Expect(p.Data).To(HaveKey("extra"))
			Expect(p.Data).NotTo(HaveKey("project"))
		})

		It("rejects a fractional project id", func() {
			var p event.Payload
			Expect(json.Unmarshal([]byte(`{"project": 4.5}`), &p)).NotTo(Succeed())
		})
	})

	Describe("IsEmpty", func() {
		It("treats nil and zero payloads as empty", func() {
			var p *event.Payload
			Expect(p.IsEmpty()).To(BeTrue())
			Expect((&event.Payload{}).IsEmpty()).To(BeTrue())
			Expect(nativePayload().IsEmpty()).To(BeFalse())
		})
	})
})
