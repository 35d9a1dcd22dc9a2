package event

// Frame is one stack frame. It aliases the map stored inside Payload.Data, so
// writes through a Frame mutate the payload.
type Frame map[string]any

func (f Frame) String(key string) string {
	return stringOf(f[key])
}

func (f Frame) InstructionAddr() string {
	return f.String("instruction_addr")
}

// Stacktrace is one frames list found in the payload together with the platform
// it should be interpreted under.
type Stacktrace struct {
	Frames   []Frame
	Platform string
	// holder is the map owning the "frames" key; used to write back trimmed lists.
	holder map[string]any
}

// SetFrames replaces the frames list inside the payload.
func (s *Stacktrace) SetFrames(frames []Frame) {
	s.Frames = frames
	if s.holder == nil {
		return
	}
	raw := make([]any, len(frames))
	for i, f := range frames {
		raw[i] = map[string]any(f)
	}
	s.holder["frames"] = raw
}

// Stacktraces collects every stack trace of the payload: the top level one, the
// ones attached to exceptions and the ones attached to threads.
func (p *Payload) Stacktraces() []*Stacktrace {
	var out []*Stacktrace

	collect := func(container map[string]any) {
		st, ok := container["stacktrace"].(map[string]any)
		if !ok {
			return
		}
		raw, ok := st["frames"].([]any)
		if !ok {
			return
		}
		frames := make([]Frame, 0, len(raw))
		for _, r := range raw {
			if m, ok := r.(map[string]any); ok {
				frames = append(frames, Frame(m))
			}
		}
		platform := p.Platform
		if pl := stringOf(container["platform"]); pl != "" {
			platform = pl
		}
		out = append(out, &Stacktrace{Frames: frames, Platform: platform, holder: st})
	}

	collect(p.Data)
	for _, key := range []string{"exception", "threads"} {
		for _, v := range values(p.Data[key]) {
			if m, ok := v.(map[string]any); ok {
				collect(m)
			}
		}
	}
	return out
}

// Frames returns all frames of all stack traces, in order.
func (p *Payload) Frames() []Frame {
	var frames []Frame
	for _, st := range p.Stacktraces() {
		frames = append(frames, st.Frames...)
	}
	return frames
}

// DebugImages returns debug_meta.images.
func (p *Payload) DebugImages() []map[string]any {
	meta, ok := p.Data["debug_meta"].(map[string]any)
	if !ok {
		return nil
	}
	var images []map[string]any
	for _, v := range values(meta["images"]) {
		if m, ok := v.(map[string]any); ok {
			images = append(images, m)
		}
	}
	return images
}

// values accepts both {"values": [...]} and a bare list.
func values(v any) []any {
	switch t := v.(type) {
	case map[string]any:
		list, _ := t["values"].([]any)
		return list
	case []any:
		return t
	default:
		return nil
	}
}
