// Package reaper evicts sessions that stopped being re-announced.
package reaper

import (
	"context"
	"time"

	"firestige.xyz/sap/internal/log"
	"firestige.xyz/sap/internal/metrics"
	"firestige.xyz/sap/internal/session"
)

// Sweeper is the part of the session store the reaper drives.
type Sweeper interface {
	SweepExpired(now time.Time, ttl time.Duration) []session.Record
}

// Reaper periodically sweeps a store. Interval and TTL are independent.
type Reaper struct {
	store    Sweeper
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	ticks    func(time.Duration) (<-chan time.Time, func())
	log      log.Logger
}

// Option customises a Reaper.
type Option func(*Reaper)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// WithTicks replaces the ticker with a caller-driven channel.
func WithTicks(ch <-chan time.Time) Option {
	return func(r *Reaper) {
		r.ticks = func(time.Duration) (<-chan time.Time, func()) { return ch, func() {} }
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(r *Reaper) { r.log = l }
}

// New creates a Reaper sweeping store every interval for sessions older than ttl.
func New(store Sweeper, ttl, interval time.Duration, opts ...Option) *Reaper {
	r := &Reaper{
		store:    store,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
		ticks: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
		log: log.GetLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("component", "reaper")
	return r
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ch, stop := r.ticks(r.interval)
	defer stop()

	r.log.WithFields(map[string]interface{}{
		"ttl":      r.ttl.String(),
		"interval": r.interval.String(),
	}).Debug("reaper started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			r.Sweep()
		}
	}
}

// Sweep runs a single expiry pass at the current clock time.
func (r *Reaper) Sweep() []session.Record {
	return r.SweepAt(r.now())
}

// SweepAt runs a single expiry pass at now and logs each eviction.
func (r *Reaper) SweepAt(now time.Time) []session.Record {
	start := time.Now()
	removed := r.store.SweepExpired(now, r.ttl)
	metrics.SweepDurationSeconds.Observe(time.Since(start).Seconds())

	for _, rec := range removed {
		r.log.WithFields(map[string]interface{}{
			"title":  rec.Title,
			"id":     rec.Key.String(),
			"handle": rec.Handle,
			"idle":   now.Sub(rec.LastSeen).Truncate(time.Second).String(),
		}).Info("session expired")
	}
	return removed
}
