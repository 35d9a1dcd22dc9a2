package reprocessing

import "basegraph.app/ingest/internal/event"

// Supports reports whether an event can be held back and reprocessed later.
// Only events that depend on debug files qualify: native platforms, or native
// frames somewhere in the stack traces.
func Supports(p *event.Payload) bool {
	if p == nil {
		return false
	}
	if p.IsNative() {
		return true
	}
	for _, st := range p.Stacktraces() {
		if event.IsNativePlatform(st.Platform) {
			return true
		}
		for _, f := range st.Frames {
			if event.IsNativePlatform(f.String("platform")) {
				return true
			}
		}
	}
	return false
}
