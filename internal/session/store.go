// Package session keeps the directory of sessions currently announced on the
// SAP channel.
//
// All mutations go through a single mutex, and sink side effects run while it
// is held, so a session's document is written at most once per creation and
// removed at most once per removal regardless of whether the removal comes
// from a Delete packet or from expiry.
package session

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"firestige.xyz/sap/internal/log"
	"firestige.xyz/sap/internal/metrics"
)

// ErrSink wraps every failure reported by a Sink.
var ErrSink = errors.New("session sink")

// Sink persists session documents outside the process.
type Sink interface {
	// Write creates or overwrites the document stored under handle.
	Write(handle, content string) error
	// Remove deletes the document under handle. A missing target is not an error.
	Remove(handle string) error
}

// Scope selects how sessions are identified.
type Scope int

const (
	// ScopeMessageID keys sessions by message id alone.
	ScopeMessageID Scope = iota
	// ScopeOrigin keys sessions by (originating source, message id) as RFC 2974 intends.
	ScopeOrigin
)

// ParseScope maps a configuration value to a Scope.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "", "message_id":
		return ScopeMessageID, nil
	case "origin":
		return ScopeOrigin, nil
	default:
		return ScopeMessageID, fmt.Errorf("unknown key scope %q", s)
	}
}

// Key identifies a session. Origin is the zero Addr under ScopeMessageID.
type Key struct {
	Origin    netip.Addr
	MessageID uint16
}

func (k Key) String() string {
	if !k.Origin.IsValid() {
		return fmt.Sprintf("%d", k.MessageID)
	}
	return fmt.Sprintf("%s/%d", k.Origin, k.MessageID)
}

// Record is one entry of the directory.
type Record struct {
	Key      Key       `yaml:"key"`
	Title    string    `yaml:"title"`
	Document string    `yaml:"-"`
	Handle   string    `yaml:"handle"`
	Created  time.Time `yaml:"created"`
	LastSeen time.Time `yaml:"last_seen"`
}

// Outcome is the result of an Upsert.
type Outcome int

const (
	Created Outcome = iota
	Refreshed
)

func (o Outcome) String() string {
	if o == Created {
		return "created"
	}
	return "refreshed"
}

// Options configures a Store.
type Options struct {
	Scope Scope
	// Extension is appended to every sink handle, e.g. ".sdp".
	Extension string
	Logger    log.Logger
}

// Store is the session directory.
type Store struct {
	mu       sync.Mutex
	sessions map[Key]*Record
	sink     Sink
	scope    Scope
	ext      string
	log      log.Logger
}

// NewStore creates an empty Store persisting through sink.
func NewStore(sink Sink, opts Options) *Store {
	l := opts.Logger
	if l == nil {
		l = log.GetLogger()
	}
	return &Store{
		sessions: make(map[Key]*Record),
		sink:     sink,
		scope:    opts.Scope,
		ext:      opts.Extension,
		log:      l.WithField("component", "store"),
	}
}

// KeyFor builds the key for a packet under the store's scope.
func (s *Store) KeyFor(origin netip.Addr, id uint16) Key {
	if s.scope == ScopeOrigin {
		return Key{Origin: origin, MessageID: id}
	}
	return Key{MessageID: id}
}

// Upsert records an announcement. The first call for a key allocates a handle
// and writes the document; later calls only refresh LastSeen. The title and
// handle are fixed at creation.
func (s *Store) Upsert(key Key, title, document string, now time.Time) (Outcome, Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.sessions[key]; ok {
		r.LastSeen = now
		return Refreshed, *r
	}

	if title == "" {
		title = fallbackName(key)
	}
	r := &Record{
		Key:      key,
		Title:    title,
		Document: document,
		Handle:   s.handleFor(title),
		Created:  now,
		LastSeen: now,
	}
	if err := s.sink.Write(r.Handle, document); err != nil {
		metrics.SinkErrorsTotal.WithLabelValues("write").Inc()
		s.log.WithError(fmt.Errorf("%w: %w", ErrSink, err)).
			WithField("handle", r.Handle).
			Warn("failed to persist session document")
	}
	s.sessions[key] = r
	metrics.SessionsCreatedTotal.Inc()
	metrics.SessionsActive.Set(float64(len(s.sessions)))
	return Created, *r
}

// Remove drops the session for key and removes its document. The boolean is
// false when no such session exists.
func (s *Store) Remove(key Key) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.sessions[key]
	if !ok {
		return Record{}, false
	}
	s.removeLocked(r, "delete")
	return *r, true
}

// SweepExpired removes every session not refreshed for longer than ttl and
// returns what was removed.
func (s *Store) SweepExpired(now time.Time, ttl time.Duration) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*Record
	for _, r := range s.sessions {
		if now.Sub(r.LastSeen) > ttl {
			expired = append(expired, r)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].LastSeen.Before(expired[j].LastSeen) })

	removed := make([]Record, 0, len(expired))
	for _, r := range expired {
		s.removeLocked(r, "expired")
		removed = append(removed, *r)
	}
	return removed
}

// removeLocked must be called with s.mu held. The map entry is dropped even
// if the sink fails.
func (s *Store) removeLocked(r *Record, cause string) {
	if err := s.sink.Remove(r.Handle); err != nil {
		metrics.SinkErrorsTotal.WithLabelValues("remove").Inc()
		s.log.WithError(fmt.Errorf("%w: %w", ErrSink, err)).
			WithField("handle", r.Handle).
			Warn("failed to remove session document")
	}
	delete(s.sessions, r.Key)
	metrics.SessionsRemovedTotal.WithLabelValues(cause).Inc()
	metrics.SessionsActive.Set(float64(len(s.sessions)))
}

// Get returns a copy of the session for key.
func (s *Store) Get(key Key) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[key]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Len returns the number of active sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Snapshot returns copies of all sessions ordered by title, then key.
func (s *Store) Snapshot() []Record {
	s.mu.Lock()
	out := make([]Record, 0, len(s.sessions))
	for _, r := range s.sessions {
		out = append(out, *r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

func (s *Store) handleFor(title string) string {
	return SanitizeName(title) + s.ext
}

func fallbackName(key Key) string {
	if key.Origin.IsValid() {
		return fmt.Sprintf("session_%s_%d", strings.ReplaceAll(key.Origin.String(), ".", "-"), key.MessageID)
	}
	return fmt.Sprintf("session_%d", key.MessageID)
}

// SanitizeName turns a session title into a file-system safe name: spaces
// become underscores, path separators and control characters are dropped and
// leading dots are stripped.
func SanitizeName(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r == ' ':
			b.WriteByte('_')
		case r == '/' || r == '\\' || r < 0x20 || r == 0x7f:
		default:
			b.WriteRune(r)
		}
	}
	name := strings.TrimLeft(b.String(), ".")
	if name == "" {
		return "session"
	}
	return name
}
