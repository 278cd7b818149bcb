// Package announcer periodically multicasts SAP announcements for locally
// authored sessions and withdraws them on shutdown.
package announcer

import (
	"bytes"
	"context"
	"math/rand/v2"
	"net/netip"
	"path/filepath"
	"sync"
	"time"

	"firestige.xyz/sap/internal/log"
	"firestige.xyz/sap/internal/metrics"
	"firestige.xyz/sap/pkg/sap"
)

// Options holds the announce schedule.
type Options struct {
	Origin        netip.Addr
	BurstCount    int
	BurstInterval time.Duration
	IntervalMin   time.Duration
	IntervalMax   time.Duration
}

// Announcer owns a set of sessions and a transport.
type Announcer struct {
	mu        sync.Mutex
	sessions  []*Session
	withdrawn bool
	transport Transport
	opts      Options

	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func(min, max time.Duration) time.Duration
	debounce time.Duration
	log      log.Logger
}

// Option customises an Announcer.
type Option func(*Announcer)

// WithSleep replaces the context-aware sleep between sends.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Announcer) { a.sleep = fn }
}

// WithJitter replaces the interval draw.
func WithJitter(fn func(min, max time.Duration) time.Duration) Option {
	return func(a *Announcer) { a.jitter = fn }
}

// WithDebounce sets how long Watch waits for a document to settle.
func WithDebounce(d time.Duration) Option {
	return func(a *Announcer) { a.debounce = d }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(a *Announcer) { a.log = l }
}

// New creates an Announcer for sessions.
func New(t Transport, sessions []*Session, opts Options, o ...Option) *Announcer {
	a := &Announcer{
		sessions:  sessions,
		transport: t,
		opts:      opts,
		sleep:     sleepCtx,
		jitter:    Jitter,
		debounce:  250 * time.Millisecond,
		log:       log.GetLogger(),
	}
	for _, opt := range o {
		opt(a)
	}
	a.log = a.log.WithField("component", "announcer")
	return a
}

// Sessions returns the current sessions.
func (a *Announcer) Sessions() []*Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Session(nil), a.sessions...)
}

// Run sends the startup burst, then repeats every jittered interval until ctx
// is cancelled, and finally sends one Delete per session.
func (a *Announcer) Run(ctx context.Context) error {
	for _, s := range a.Sessions() {
		a.log.WithFields(map[string]interface{}{
			"title": s.Title,
			"id":    s.ID,
			"bytes": len(s.Document),
		}).Info("announcing session")
	}

	for i := 0; i < a.opts.BurstCount; i++ {
		a.announceAll()
		if a.sleep(ctx, a.opts.BurstInterval) != nil {
			a.withdrawAll()
			return nil
		}
	}
	for {
		a.announceAll()
		if a.sleep(ctx, a.jitter(a.opts.IntervalMin, a.opts.IntervalMax)) != nil {
			a.withdrawAll()
			return nil
		}
	}
}

func (a *Announcer) announceAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.sessions {
		a.send(s, sap.Announce)
	}
}

func (a *Announcer) withdrawAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.withdrawn = true
	for _, s := range a.sessions {
		a.send(s, sap.Delete)
	}
	a.log.WithField("sessions", len(a.sessions)).Info("sessions withdrawn")
}

// send must be called with a.mu held.
func (a *Announcer) send(s *Session, t sap.MessageType) {
	pkt := s.announce
	if t == sap.Delete {
		pkt = s.delete
	}
	if err := a.transport.Send(pkt); err != nil {
		metrics.AnnounceErrorsTotal.Inc()
		a.log.WithError(err).WithFields(map[string]interface{}{
			"title": s.Title,
			"type":  t.String(),
		}).Warn("send failed")
		return
	}
	metrics.AnnouncementsSentTotal.WithLabelValues(t.String()).Inc()
}

// Reload re-reads the document at path. A changed document is withdrawn
// under its old id and announced at once under the new one. Unknown paths
// and unchanged content are ignored, as is every reload once the sessions
// have been withdrawn.
func (a *Announcer) Reload(path string) error {
	path = filepath.Clean(path)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.withdrawn {
		return nil
	}

	idx := -1
	for i, s := range a.sessions {
		if s.Path != "" && filepath.Clean(s.Path) == path {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	old := a.sessions[idx]
	next, err := LoadSession(old.Path, a.opts.Origin)
	if err != nil {
		return err
	}
	if bytes.Equal(next.Document, old.Document) {
		return nil
	}

	a.send(old, sap.Delete)
	a.sessions[idx] = next
	a.send(next, sap.Announce)

	a.log.WithFields(map[string]interface{}{
		"title":  next.Title,
		"old_id": old.ID,
		"new_id": next.ID,
	}).Info("session document changed")
	return nil
}

// Jitter draws a duration uniformly from [min, max].
func Jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min+1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
