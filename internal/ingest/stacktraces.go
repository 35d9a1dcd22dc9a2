package ingest

import (
	"context"
	"strings"

	"basegraph.app/ingest/internal/event"
	"basegraph.app/ingest/internal/model"
)

// InAppStacktraceProcessor marks frames as in-app or not by module prefix.
// Frames that already carry in_app are left alone; excludes win over includes.
type InAppStacktraceProcessor struct {
	Includes []string
	Excludes []string
}

func (s *InAppStacktraceProcessor) Wants(p *event.Payload) bool {
	if len(s.Includes) == 0 && len(s.Excludes) == 0 {
		return false
	}
	for _, f := range p.Frames() {
		if _, ok := f["in_app"]; !ok && frameModule(f) != "" {
			return true
		}
	}
	return false
}

func (s *InAppStacktraceProcessor) ProcessStacktraces(_ context.Context, _ *model.Project, p *event.Payload) (bool, error) {
	changed := false
	for _, f := range p.Frames() {
		if _, ok := f["in_app"]; ok {
			continue
		}
		module := frameModule(f)
		if module == "" {
			continue
		}
		switch {
		case hasAnyPrefix(module, s.Excludes):
			f["in_app"] = false
		case hasAnyPrefix(module, s.Includes):
			f["in_app"] = true
		default:
			continue
		}
		changed = true
	}
	return changed, nil
}

func frameModule(f event.Frame) string {
	for _, key := range []string{"module", "package", "filename"} {
		if v := f.String(key); v != "" {
			return v
		}
	}
	return ""
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
