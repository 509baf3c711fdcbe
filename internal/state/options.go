package state

import "time"

// Option customizes a single write
type Option func(*writeOptions)

type writeOptions struct {
	origin    Origin
	timestamp *time.Time
	clock     *Clock
}

func newWriteOptions(opts []Option) writeOptions {
	o := writeOptions{origin: OriginLocal}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithOrigin marks where the write came from
func WithOrigin(origin Origin) Option {
	return func(o *writeOptions) { o.origin = origin }
}

// WithTimestamp attaches the wall time the write was made. A write with an
// explicit timestamp is discarded when the slice already holds a later one.
func WithTimestamp(t time.Time) Option {
	return func(o *writeOptions) {
		ts := t.UTC()
		o.timestamp = &ts
	}
}

// WithClock attaches a full clock, as carried by remote documents.
func WithClock(c Clock) Option {
	return func(o *writeOptions) { o.clock = &c }
}

// stamp returns the clock for this write and whether it was supplied by
// the caller rather than ticked locally from base.
func (o writeOptions) stamp(base Clock, now time.Time, node string) (Clock, bool) {
	switch {
	case o.clock != nil:
		return *o.clock, true
	case o.timestamp != nil:
		return Clock{Wall: *o.timestamp, Node: node}, true
	default:
		return base.Tick(now, node), false
	}
}
