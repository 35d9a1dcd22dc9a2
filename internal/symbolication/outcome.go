// Package symbolication runs the external symbolicator with a bounded retry loop.
package symbolication

import (
	"context"
	"time"

	"basegraph.app/ingest/internal/event"
)

type Kind int

const (
	KindTransformed Kind = iota
	KindUnchanged
	KindRetryAfter
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransformed:
		return "transformed"
	case KindUnchanged:
		return "unchanged"
	case KindRetryAfter:
		return "retry_after"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the result of one symbolicator call.
type Outcome struct {
	Kind       Kind
	Payload    *event.Payload
	RetryAfter time.Duration
	Err        error
}

func Transformed(p *event.Payload) Outcome {
	return Outcome{Kind: KindTransformed, Payload: p}
}

func Unchanged() Outcome {
	return Outcome{Kind: KindUnchanged}
}

func RetryAfter(d time.Duration) Outcome {
	return Outcome{Kind: KindRetryAfter, RetryAfter: d}
}

func Fatal(err error) Outcome {
	return Outcome{Kind: KindFatal, Err: err}
}

// Symbolicator performs one symbolication attempt. Implementations never panic on
// service failures; they report them as RetryAfter or Fatal.
type Symbolicator interface {
	Symbolicate(ctx context.Context, p *event.Payload) Outcome
}

type SymbolicatorFunc func(ctx context.Context, p *event.Payload) Outcome

func (f SymbolicatorFunc) Symbolicate(ctx context.Context, p *event.Payload) Outcome {
	return f(ctx, p)
}

// Required reports whether the payload needs symbolication at all.
func Required(p *event.Payload) bool {
	if p == nil {
		return false
	}
	return p.IsNative() || len(p.DebugImages()) > 0
}
