// Package realtime tracks per-project symbolication load in short-lived Redis
// buckets and decides which projects belong to the low priority cohort.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DurationBin is the width of the duration histogram bins.
const DurationBin = 10 * time.Second

// Usage is the load of one project over the tracking window.
type Usage struct {
	Events int64
	// Histogram maps the lower bound of a duration bin, in seconds, to the number
	// of symbolication runs that fell into it.
	Histogram map[int64]int64
}

// TotalDuration is the lower bound of the time spent symbolicating.
func (u Usage) TotalDuration() time.Duration {
	var total int64
	for bin, count := range u.Histogram {
		total += bin * count
	}
	return time.Duration(total) * time.Second
}

// CohortPolicy decides low priority membership from a project's usage.
type CohortPolicy interface {
	IsLowPriority(projectID int64, usage Usage) bool
}

// ThresholdPolicy demotes projects above either threshold. Both inputs only grow
// within a window, so membership is monotonic in load.
type ThresholdPolicy struct {
	EventThreshold    int64
	DurationThreshold time.Duration
}

func (p ThresholdPolicy) IsLowPriority(_ int64, usage Usage) bool {
	if p.EventThreshold > 0 && usage.Events >= p.EventThreshold {
		return true
	}
	if p.DurationThreshold > 0 && usage.TotalDuration() >= p.DurationThreshold {
		return true
	}
	return false
}

type Options struct {
	KeyPrefix  string
	BucketSize time.Duration
	Window     time.Duration
	Policy     CohortPolicy
	Now        func() time.Time
}

type RedisTracker struct {
	client redis.UniversalClient
	opts   Options
}

func NewRedisTracker(client redis.UniversalClient, opts Options) (*RedisTracker, error) {
	if opts.BucketSize <= 0 {
		return nil, errors.New("bucket size must be positive")
	}
	if opts.Window < opts.BucketSize {
		return nil, errors.New("window must cover at least one bucket")
	}
	if opts.Policy == nil {
		return nil, errors.New("cohort policy is required")
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "symbolicate_event_low_priority"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RedisTracker{client: client, opts: opts}, nil
}

func (t *RedisTracker) bucket(ts time.Time) int64 {
	size := int64(t.opts.BucketSize / time.Second)
	if size == 0 {
		size = 1
	}
	sec := ts.Unix()
	return sec - sec%size
}

func (t *RedisTracker) counterKey(projectID, bucket int64) string {
	return fmt.Sprintf("%s:counter:%d:%d:%d", t.opts.KeyPrefix, int64(t.opts.BucketSize/time.Second), projectID, bucket)
}

func (t *RedisTracker) histogramKey(projectID, bucket int64) string {
	return fmt.Sprintf("%s:histogram:%d:%d:%d", t.opts.KeyPrefix, int64(t.opts.BucketSize/time.Second), projectID, bucket)
}

// Keys outlive the window by one bucket so a window read never finds a hole.
func (t *RedisTracker) ttl() time.Duration {
	return t.opts.Window + t.opts.BucketSize
}

// IncrementEventCounter counts one symbolication request for the project.
func (t *RedisTracker) IncrementEventCounter(ctx context.Context, projectID int64, ts time.Time) error {
	key := t.counterKey(projectID, t.bucket(ts))

	pipe := t.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, t.ttl())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// IncrementDurationCounter records one symbolication run of the given length.
func (t *RedisTracker) IncrementDurationCounter(ctx context.Context, projectID int64, ts time.Time, d time.Duration) error {
	key := t.histogramKey(projectID, t.bucket(ts))
	bin := int64(d/DurationBin) * int64(DurationBin/time.Second)

	pipe := t.client.Pipeline()
	pipe.HIncrBy(ctx, key, strconv.FormatInt(bin, 10), 1)
	pipe.Expire(ctx, key, t.ttl())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Usage sums the buckets covering the last Window.
func (t *RedisTracker) Usage(ctx context.Context, projectID int64) (Usage, error) {
	now := t.opts.Now()
	last := t.bucket(now)
	first := t.bucket(now.Add(-t.opts.Window))
	step := int64(t.opts.BucketSize / time.Second)
	if step == 0 {
		step = 1
	}

	pipe := t.client.Pipeline()
	var counters []*redis.StringCmd
	var histograms []*redis.MapStringStringCmd
	for b := first + step; b <= last; b += step {
		counters = append(counters, pipe.Get(ctx, t.counterKey(projectID, b)))
		histograms = append(histograms, pipe.HGetAll(ctx, t.histogramKey(projectID, b)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Usage{}, fmt.Errorf("redis pipeline: %w", err)
	}

	usage := Usage{Histogram: make(map[int64]int64)}
	for _, c := range counters {
		n, err := c.Int64()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return Usage{}, fmt.Errorf("reading counter: %w", err)
		}
		usage.Events += n
	}
	for _, h := range histograms {
		for field, value := range h.Val() {
			bin, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				continue
			}
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				continue
			}
			usage.Histogram[bin] += n
		}
	}
	return usage, nil
}

// IsInLowPriorityCohort reports whether the project should be demoted.
func (t *RedisTracker) IsInLowPriorityCohort(ctx context.Context, projectID int64) (bool, error) {
	usage, err := t.Usage(ctx, projectID)
	if err != nil {
		return false, err
	}
	return t.opts.Policy.IsLowPriority(projectID, usage), nil
}
