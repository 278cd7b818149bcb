package session

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/sap/internal/log"
)

const testDocument = "v=0\no=sender 1 1 IN IP4 192.0.2.10\ns=Test Session\nt=0 0"

type MockSink struct {
	mock.Mock
}

func (m *MockSink) Write(handle, content string) error {
	args := m.Called(handle, content)
	return args.Error(0)
}

func (m *MockSink) Remove(handle string) error {
	args := m.Called(handle)
	return args.Error(0)
}

func newTestStore(sink Sink, scope Scope) *Store {
	return NewStore(sink, Options{Scope: scope, Extension: ".sdp", Logger: log.Nop()})
}

var t0 = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func TestUpsert_CreatesAndWritesOnce(t *testing.T) {
	sink := new(MockSink)
	sink.On("Write", "Test_Session.sdp", testDocument).Return(nil).Once()
	s := newTestStore(sink, ScopeMessageID)
	key := s.KeyFor(netip.MustParseAddr("192.0.2.10"), 0x1234)

	outcome, rec := s.Upsert(key, "Test Session", testDocument, t0)
	assert.Equal(t, Created, outcome)
	assert.Equal(t, "Test Session", rec.Title)
	assert.Equal(t, "Test_Session.sdp", rec.Handle)

	outcome, rec = s.Upsert(key, "Test Session", testDocument, t0.Add(time.Minute))
	assert.Equal(t, Refreshed, outcome)
	assert.Equal(t, t0.Add(time.Minute), rec.LastSeen)
	assert.Equal(t, t0, rec.Created)

	sink.AssertExpectations(t)
	sink.AssertNumberOfCalls(t, "Write", 1)
}

func TestUpsert_RefreshIgnoresChangedContent(t *testing.T) {
	sink := new(MockSink)
	sink.On("Write", mock.Anything, mock.Anything).Return(nil)
	s := newTestStore(sink, ScopeMessageID)
	key := Key{MessageID: 7}

	s.Upsert(key, "Original", "v=0\ns=Original", t0)
	outcome, rec := s.Upsert(key, "Renamed", "v=0\ns=Renamed", t0.Add(time.Second))

	assert.Equal(t, Refreshed, outcome)
	assert.Equal(t, "Original", rec.Title)
	assert.Equal(t, "Original.sdp", rec.Handle)
	sink.AssertNumberOfCalls(t, "Write", 1)
}

func TestUpsert_FallbackTitle(t *testing.T) {
	sink := new(MockSink)
	sink.On("Write", "session_4660.sdp", "v=0").Return(nil)
	s := newTestStore(sink, ScopeMessageID)

	_, rec := s.Upsert(Key{MessageID: 0x1234}, "", "v=0", t0)
	assert.Equal(t, "session_4660", rec.Title)
	sink.AssertExpectations(t)
}

func TestUpsert_FallbackTitleWithOriginScope(t *testing.T) {
	sink := new(MockSink)
	sink.On("Write", "session_192-0-2-10_5.sdp", "v=0").Return(nil)
	s := newTestStore(sink, ScopeOrigin)

	_, rec := s.Upsert(s.KeyFor(netip.MustParseAddr("192.0.2.10"), 5), "", "v=0", t0)
	assert.Equal(t, "session_192-0-2-10_5", rec.Title)
	sink.AssertExpectations(t)
}

func TestUpsert_SinkFailureStillRecords(t *testing.T) {
	sink := new(MockSink)
	sink.On("Write", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	s := newTestStore(sink, ScopeMessageID)

	outcome, _ := s.Upsert(Key{MessageID: 1}, "A", "v=0", t0)
	assert.Equal(t, Created, outcome)
	assert.Equal(t, 1, s.Len())
}

func TestRemove_RemovesOnceThenNoop(t *testing.T) {
	sink := new(MockSink)
	sink.On("Write", "Test_Session.sdp", testDocument).Return(nil)
	sink.On("Remove", "Test_Session.sdp").Return(nil).Once()
	s := newTestStore(sink, ScopeMessageID)
	key := Key{MessageID: 0x1234}

	s.Upsert(key, "Test Session", testDocument, t0)

	rec, ok := s.Remove(key)
	require.True(t, ok)
	assert.Equal(t, "Test_Session.sdp", rec.Handle)

	_, ok = s.Remove(key)
	assert.False(t, ok)

	sink.AssertExpectations(t)
	sink.AssertNumberOfCalls(t, "Remove", 1)
	assert.Zero(t, s.Len())
}

func TestRemove_SinkFailureStillDrops(t *testing.T) {
	sink := new(MockSink)
	sink.On("Write", mock.Anything, mock.Anything).Return(nil)
	sink.On("Remove", mock.Anything).Return(errors.New("permission denied"))
	s := newTestStore(sink, ScopeMessageID)
	key := Key{MessageID: 3}

	s.Upsert(key, "A", "v=0", t0)
	_, ok := s.Remove(key)
	assert.True(t, ok)
	_, ok = s.Get(key)
	assert.False(t, ok)
}

func TestSweepExpired(t *testing.T) {
	sink := new(MockSink)
	sink.On("Write", mock.Anything, mock.Anything).Return(nil)
	sink.On("Remove", "Stale.sdp").Return(nil).Once()
	s := newTestStore(sink, ScopeMessageID)
	ttl := 300 * time.Second

	s.Upsert(Key{MessageID: 1}, "Stale", "v=0", t0)
	s.Upsert(Key{MessageID: 2}, "Fresh", "v=0", t0)

	// Fresh is refreshed inside every window; Stale never is.
	for i := 1; i <= 10; i++ {
		now := t0.Add(time.Duration(i) * 30 * time.Second)
		s.Upsert(Key{MessageID: 2}, "Fresh", "v=0", now)
		assert.Empty(t, s.SweepExpired(now, ttl), "sweep at %s", now.Sub(t0))
	}

	removed := s.SweepExpired(t0.Add(301*time.Second), ttl)
	require.Len(t, removed, 1)
	assert.Equal(t, "Stale", removed[0].Title)

	_, ok := s.Get(Key{MessageID: 2})
	assert.True(t, ok)
	sink.AssertExpectations(t)
}

func TestSweepExpired_BoundaryIsExclusive(t *testing.T) {
	sink := new(MockSink)
	sink.On("Write", mock.Anything, mock.Anything).Return(nil)
	sink.On("Remove", mock.Anything).Return(nil)
	s := newTestStore(sink, ScopeMessageID)

	s.Upsert(Key{MessageID: 1}, "A", "v=0", t0)
	assert.Empty(t, s.SweepExpired(t0.Add(300*time.Second), 300*time.Second))
	assert.Len(t, s.SweepExpired(t0.Add(300*time.Second+time.Nanosecond), 300*time.Second), 1)
}

func TestKeyScope(t *testing.T) {
	a := netip.MustParseAddr("192.0.2.1")
	b := netip.MustParseAddr("192.0.2.2")

	byID := newTestStore(new(MockSink), ScopeMessageID)
	assert.Equal(t, byID.KeyFor(a, 9), byID.KeyFor(b, 9))

	byOrigin := newTestStore(new(MockSink), ScopeOrigin)
	assert.NotEqual(t, byOrigin.KeyFor(a, 9), byOrigin.KeyFor(b, 9))
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("origin")
	require.NoError(t, err)
	assert.Equal(t, ScopeOrigin, s)

	s, err = ParseScope("")
	require.NoError(t, err)
	assert.Equal(t, ScopeMessageID, s)

	_, err = ParseScope("sender")
	assert.Error(t, err)
}

func TestSnapshotOrderedByTitle(t *testing.T) {
	sink := new(MockSink)
	sink.On("Write", mock.Anything, mock.Anything).Return(nil)
	s := newTestStore(sink, ScopeMessageID)

	s.Upsert(Key{MessageID: 1}, "Feed B", "v=0", t0)
	s.Upsert(Key{MessageID: 2}, "Feed A", "v=0", t0)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "Feed A", snap[0].Title)
	assert.Equal(t, "Feed B", snap[1].Title)
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"Test Session":     "Test_Session",
		"Feed A - Ball":    "Feed_A_-_Ball",
		"../../etc/passwd": "etcpasswd",
		"a\\b":             "ab",
		"...":              "session",
		"tab\there":        "tabhere",
		"Café Übertragung": "Café_Übertragung",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeName(in), in)
	}
}

func TestConcurrentUpsertRemoveSweep(t *testing.T) {
	sink := newCountingSink()
	s := newTestStore(sink, ScopeMessageID)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := Key{MessageID: uint16(i % 16)}
				now := t0.Add(time.Duration(i) * time.Second)
				switch (g + i) % 3 {
				case 0:
					s.Upsert(key, "", "v=0", now)
				case 1:
					s.Remove(key)
				default:
					s.SweepExpired(now, 5*time.Second)
				}
			}
		}(g)
	}
	wg.Wait()

	// Every write is matched by at most one remove, and what is left is still live.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, sink.writes-sink.removes, s.Len())
}

type countingSink struct {
	mu      sync.Mutex
	writes  int
	removes int
}

func newCountingSink() *countingSink { return &countingSink{} }

func (c *countingSink) Write(string, string) error {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return nil
}

func (c *countingSink) Remove(string) error {
	c.mu.Lock()
	c.removes++
	c.mu.Unlock()
	return nil
}
