package symbolication

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"basegraph.app/ingest/common/logger"
	"basegraph.app/ingest/internal/event"
)

type Options struct {
	// MaxRetryAfter caps the wait requested by the symbolicator between polls.
	MaxRetryAfter time.Duration
	WarnTimeout   time.Duration
	HardTimeout   time.Duration
	Now           func() time.Time
	Sleep         func(ctx context.Context, d time.Duration) error
}

// Result is the final state of a symbolication run.
type Result struct {
	Payload    *event.Payload
	HasChanged bool
	Fatal      bool
	Attempts   int
	Elapsed    time.Duration
}

type Runner struct {
	sym  Symbolicator
	opts Options
}

func NewRunner(sym Symbolicator, opts Options) *Runner {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Runner{sym: sym, opts: opts}
}

// Run symbolicates p, waiting out RetryAfter answers until the hard timeout.
// A fatal outcome never drops the event: the payload is flagged and returned as
// changed so that it continues to processing. The only error returned is the
// context's, when the wait is interrupted.
func (r *Runner) Run(ctx context.Context, p *event.Payload) (Result, error) {
	sc := logger.StartSpan(ctx, "ingest.symbolicate.run")
	defer sc.End()
	ctx = sc.Context()

	start := r.opts.Now()
	warned := false
	res := Result{Payload: p}

	for {
		res.Attempts++
		outcome := r.sym.Symbolicate(ctx, p)
		res.Elapsed = r.opts.Now().Sub(start)

		switch outcome.Kind {
		case KindTransformed:
			if outcome.Payload != nil {
				res.Payload = outcome.Payload
			}
			res.HasChanged = true
			return res, nil

		case KindUnchanged:
			return res, nil

		case KindRetryAfter:
			if r.opts.WarnTimeout > 0 && res.Elapsed > r.opts.WarnTimeout && !warned {
				warned = true
				slog.WarnContext(ctx, "symbolication is taking a long time",
					"elapsed", res.Elapsed,
					"attempts", res.Attempts)
			}
			if r.opts.HardTimeout > 0 && res.Elapsed > r.opts.HardTimeout {
				err := fmt.Errorf("symbolication exceeded hard timeout of %s after %d attempts", r.opts.HardTimeout, res.Attempts)
				sc.RecordError(err)
				return r.fatal(ctx, res, err), nil
			}

			wait := outcome.RetryAfter
			if r.opts.MaxRetryAfter > 0 && wait > r.opts.MaxRetryAfter {
				wait = r.opts.MaxRetryAfter
			}
			if wait < 0 {
				wait = 0
			}
			if err := r.opts.Sleep(ctx, wait); err != nil {
				return res, err
			}

		case KindFatal:
			sc.RecordError(outcome.Err)
			return r.fatal(ctx, res, outcome.Err), nil

		default:
			return r.fatal(ctx, res, fmt.Errorf("unknown symbolication outcome %d", outcome.Kind)), nil
		}
	}
}

func (r *Runner) fatal(ctx context.Context, res Result, err error) Result {
	slog.ErrorContext(ctx, "symbolication failed, continuing without it",
		"error", err,
		"attempts", res.Attempts,
		"elapsed", res.Elapsed)
	res.Payload.MarkFatal()
	res.HasChanged = true
	res.Fatal = true
	return res
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
