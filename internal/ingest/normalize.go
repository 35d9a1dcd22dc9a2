package ingest

import (
	"math"
	"time"

	"basegraph.app/ingest/common/logger"
	"basegraph.app/ingest/internal/event"
)

// BoundedNormalizer caps what processing may have blown up: timestamps outside
// the accepted window, overly long stack traces, breadcrumb lists and strings.
// Zero limits are not enforced.
type BoundedNormalizer struct {
	Retention       time.Duration
	MaxFutureDrift  time.Duration
	MaxFrames       int
	MaxBreadcrumbs  int
	MaxStringLength int
	Now             func() time.Time
}

func (n *BoundedNormalizer) Normalize(p *event.Payload) *event.Payload {
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	if n.MaxFrames > 0 {
		for _, st := range p.Stacktraces() {
			if len(st.Frames) > n.MaxFrames {
				st.SetFrames(trimFrames(st.Frames, n.MaxFrames))
			}
		}
	}

	if n.MaxBreadcrumbs > 0 {
		trimBreadcrumbs(p, n.MaxBreadcrumbs)
	}

	if n.MaxStringLength > 0 {
		for k, v := range p.Data {
			p.Data[k] = truncateStrings(v, n.MaxStringLength)
		}
	}

	n.clampTimestamp(p, now())
	return p
}

func (n *BoundedNormalizer) clampTimestamp(p *event.Payload, now time.Time) {
	if p.Timestamp == 0 {
		p.Timestamp = unixSeconds(now)
		return
	}
	// Compared in float seconds: nanoseconds overflow int64 past the year 2262.
	ts := p.Timestamp
	current := unixSeconds(now)

	var reason string
	switch {
	case math.IsNaN(ts):
		reason = "invalid_data"
	case n.MaxFutureDrift > 0 && ts > current+n.MaxFutureDrift.Seconds():
		reason = "future_timestamp"
	case n.Retention > 0 && ts < current-n.Retention.Seconds():
		reason = "past_timestamp"
	default:
		return
	}

	addNormalizationError(p, reason, p.Timestamp)
	p.Timestamp = unixSeconds(now)
}

func addNormalizationError(p *event.Payload, typ string, value any) {
	if p.Data == nil {
		p.Data = make(map[string]any)
	}
	errs, _ := p.Data["errors"].([]any)
	p.Data["errors"] = append(errs, map[string]any{
		"type":  typ,
		"name":  event.KeyTimestamp,
		"value": value,
	})
}

// trimFrames keeps the outermost and innermost frames, which matter most.
func trimFrames(frames []event.Frame, limit int) []event.Frame {
	head := limit / 2
	tail := limit - head
	out := make([]event.Frame, 0, limit)
	out = append(out, frames[:head]...)
	out = append(out, frames[len(frames)-tail:]...)
	return out
}

// trimBreadcrumbs keeps the most recent breadcrumbs.
func trimBreadcrumbs(p *event.Payload, limit int) {
	switch t := p.Data["breadcrumbs"].(type) {
	case map[string]any:
		if values, ok := t["values"].([]any); ok && len(values) > limit {
			t["values"] = values[len(values)-limit:]
		}
	case []any:
		if len(t) > limit {
			p.Data["breadcrumbs"] = t[len(t)-limit:]
		}
	}
}

func truncateStrings(v any, limit int) any {
	switch t := v.(type) {
	case string:
		return logger.Truncate(t, limit)
	case map[string]any:
		for k, e := range t {
			t[k] = truncateStrings(e, limit)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = truncateStrings(e, limit)
		}
		return t
	default:
		return v
	}
}

func unixSeconds(t time.Time) float64 {
	return math.Round(float64(t.UnixMicro())) / 1e6
}
