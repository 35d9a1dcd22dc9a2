package eventmanager

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"basegraph.app/ingest/internal/event"
)

// defaultFingerprint in a custom fingerprint stands for the computed grouping.
const defaultFingerprint = "{{ default }}"

// GroupHash derives the group an event belongs to. A custom fingerprint wins;
// otherwise the in-app frames, then the exception, then the message are used.
func GroupHash(p *event.Payload) string {
	components := defaultComponents(p)
	if fp := fingerprint(p); len(fp) > 0 {
		var expanded []string
		for _, v := range fp {
			if v == defaultFingerprint {
				expanded = append(expanded, components...)
				continue
			}
			expanded = append(expanded, "fp:"+v)
		}
		components = expanded
	}

	h := md5.New()
	for _, c := range components {
		h.Write([]byte(c))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func defaultComponents(p *event.Payload) []string {
	if frames := frameComponents(p); len(frames) > 0 {
		return frames
	}
	if exc := exceptionComponents(p); len(exc) > 0 {
		return exc
	}
	if msg := message(p); msg != "" {
		return []string{"message:" + msg}
	}
	return []string{"event:" + p.EventID}
}

func frameComponents(p *event.Payload) []string {
	var all, inApp []string
	for _, f := range p.Frames() {
		c := frameComponent(f)
		if c == "" {
			continue
		}
		all = append(all, c)
		if v, ok := f["in_app"].(bool); ok && v {
			inApp = append(inApp, c)
		}
	}
	if len(inApp) > 0 {
		return inApp
	}
	return all
}

func frameComponent(f event.Frame) string {
	module := f.String("module")
	if module == "" {
		module = f.String("filename")
	}
	function := f.String("function")
	if module == "" && function == "" {
		return ""
	}
	return "frame:" + module + ":" + function
}

func exceptionComponents(p *event.Payload) []string {
	raw, ok := p.Data["exception"]
	if !ok {
		return nil
	}
	var list []any
	switch t := raw.(type) {
	case map[string]any:
		list, _ = t["values"].([]any)
	case []any:
		list = t
	}
	var out []string
	for _, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, fmt.Sprintf("exception:%v:%v", m["type"], m["value"]))
	}
	return out
}

func message(p *event.Payload) string {
	switch t := p.Data["message"].(type) {
	case string:
		return t
	case map[string]any:
		if s, ok := t["formatted"].(string); ok {
			return s
		}
		if s, ok := t["message"].(string); ok {
			return s
		}
	}
	if s, ok := p.Data["logentry"].(map[string]any); ok {
		if f, ok := s["formatted"].(string); ok {
			return f
		}
	}
	return ""
}

func fingerprint(p *event.Payload) []string {
	raw, ok := p.Data["fingerprint"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
