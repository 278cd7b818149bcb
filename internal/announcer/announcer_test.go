package announcer

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/sap/internal/config"
	"firestige.xyz/sap/internal/log"
	"firestige.xyz/sap/pkg/sap"
)

var origin = netip.MustParseAddr("192.0.2.10")

const docA = "v=0\no=senderA 1 1 IN IP4 192.0.2.10\ns=Feed A - Ball\nt=0 0\n"

type memTransport struct {
	mu      sync.Mutex
	packets []sap.Packet
	err     error
}

func (m *memTransport) Send(pkt []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	p, err := sap.Decode(pkt)
	if err != nil {
		return err
	}
	m.packets = append(m.packets, p)
	return nil
}

func (m *memTransport) Close() error { return nil }

func (m *memTransport) sent() []sap.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sap.Packet(nil), m.packets...)
}

// scriptedSleep records every requested pause and cancels after n of them.
type scriptedSleep struct {
	cancel context.CancelFunc
	n      int
	calls  []time.Duration
}

func (s *scriptedSleep) sleep(ctx context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	if len(s.calls) >= s.n {
		s.cancel()
	}
	return ctx.Err()
}

func mustSession(t *testing.T, doc string) *Session {
	t.Helper()
	s, err := NewSession("", []byte(doc), origin)
	require.NoError(t, err)
	return s
}

func TestRunSchedule(t *testing.T) {
	tr := &memTransport{}
	ctx, cancel := context.WithCancel(context.Background())
	sl := &scriptedSleep{cancel: cancel, n: 5}

	var drawn [][2]time.Duration
	a := New(tr, []*Session{mustSession(t, docA), mustSession(t, "v=0\ns=Feed B\n")}, Options{
		Origin:        origin,
		BurstCount:    3,
		BurstInterval: time.Second,
		IntervalMin:   60 * time.Second,
		IntervalMax:   120 * time.Second,
	}, WithSleep(sl.sleep), WithLogger(log.Nop()), WithJitter(func(min, max time.Duration) time.Duration {
		drawn = append(drawn, [2]time.Duration{min, max})
		return 90 * time.Second
	}))

	require.NoError(t, a.Run(ctx))

	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second, 90 * time.Second, 90 * time.Second}, sl.calls)
	assert.Len(t, drawn, 2)
	assert.Equal(t, [2]time.Duration{60 * time.Second, 120 * time.Second}, drawn[0])

	sent := tr.sent()
	require.Len(t, sent, 5*2+2)
	for _, p := range sent[:10] {
		assert.Equal(t, sap.Announce, p.Type)
		assert.Equal(t, origin, p.Origin)
	}
	assert.Equal(t, sap.Delete, sent[10].Type)
	assert.Equal(t, sap.Delete, sent[11].Type)
	assert.Equal(t, sap.MessageIDFor([]byte(docA)), sent[10].MessageID)
}

func TestRunWithdrawsDuringBurst(t *testing.T) {
	tr := &memTransport{}
	ctx, cancel := context.WithCancel(context.Background())
	sl := &scriptedSleep{cancel: cancel, n: 1}

	a := New(tr, []*Session{mustSession(t, docA)}, Options{
		Origin: origin, BurstCount: 3, BurstInterval: time.Second,
		IntervalMin: time.Minute, IntervalMax: time.Minute,
	}, WithSleep(sl.sleep), WithLogger(log.Nop()))

	require.NoError(t, a.Run(ctx))

	sent := tr.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, sap.Announce, sent[0].Type)
	assert.Equal(t, sap.Delete, sent[1].Type)
	assert.Equal(t, sent[0].MessageID, sent[1].MessageID)
}

func TestRunSurvivesSendErrors(t *testing.T) {
	tr := &memTransport{err: errors.New("network unreachable")}
	ctx, cancel := context.WithCancel(context.Background())
	sl := &scriptedSleep{cancel: cancel, n: 4}

	a := New(tr, []*Session{mustSession(t, docA)}, Options{
		Origin: origin, BurstCount: 3, BurstInterval: time.Second,
		IntervalMin: time.Minute, IntervalMax: time.Minute,
	}, WithSleep(sl.sleep), WithLogger(log.Nop()))

	assert.NoError(t, a.Run(ctx))
	assert.Len(t, sl.calls, 4)
}

func TestJitter(t *testing.T) {
	assert.Equal(t, 20*time.Second, Jitter(20*time.Second, 20*time.Second))

	min, max := 60*time.Second, 120*time.Second
	for i := 0; i < 1000; i++ {
		d := Jitter(min, max)
		assert.GreaterOrEqual(t, d, min)
		assert.LessOrEqual(t, d, max)
	}
}

func TestNewSessionDerivesID(t *testing.T) {
	s := mustSession(t, docA)
	assert.Equal(t, sap.MessageIDFor([]byte(docA)), s.ID)
	assert.Equal(t, "Feed A - Ball", s.Title)

	_, err := NewSession("", []byte(docA), netip.MustParseAddr("2001:db8::1"))
	assert.ErrorIs(t, err, ErrDocument)
}

func TestSessionsFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed-b.sdp")
	require.NoError(t, os.WriteFile(path, []byte("v=0\ns=Feed B\n"), 0644))

	sessions, err := SessionsFromConfig([]config.SessionSpec{
		{Name: "Feed A - Ball", Group: "239.255.0.10", Port: 5004},
		{Document: path},
	}, origin)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.Equal(t, "Feed A - Ball", sessions[0].Title)
	assert.Contains(t, string(sessions[0].Document), "c=IN IP4 239.255.0.10/1\n")
	assert.Contains(t, string(sessions[0].Document), "o=sender 1 1 IN IP4 192.0.2.10\n")
	assert.Empty(t, sessions[0].Path)

	assert.Equal(t, "Feed B", sessions[1].Title)
	assert.Equal(t, path, sessions[1].Path)
}

func TestSessionsFromConfigErrors(t *testing.T) {
	_, err := SessionsFromConfig([]config.SessionSpec{{Document: filepath.Join(t.TempDir(), "missing.sdp")}}, origin)
	assert.ErrorIs(t, err, ErrDocument)

	_, err = SessionsFromConfig([]config.SessionSpec{{Name: "x", Group: "10.0.0.1"}}, origin)
	assert.ErrorIs(t, err, ErrDocument)

	_, err = SessionsFromConfig([]config.SessionSpec{{Name: "x", Source: "nope"}}, origin)
	assert.ErrorIs(t, err, ErrDocument)
}

func TestReloadReplacesChangedDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.sdp")
	require.NoError(t, os.WriteFile(path, []byte(docA), 0644))
	s, err := LoadSession(path, origin)
	require.NoError(t, err)

	tr := &memTransport{}
	a := New(tr, []*Session{s}, Options{Origin: origin}, WithLogger(log.Nop()))

	require.NoError(t, a.Reload(path))
	assert.Empty(t, tr.sent(), "unchanged document must not be resent")

	changed := docA + "a=recvonly\n"
	require.NoError(t, os.WriteFile(path, []byte(changed), 0644))
	require.NoError(t, a.Reload(path))

	sent := tr.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, sap.Delete, sent[0].Type)
	assert.Equal(t, s.ID, sent[0].MessageID)
	assert.Equal(t, sap.Announce, sent[1].Type)
	assert.Equal(t, sap.MessageIDFor([]byte(changed)), sent[1].MessageID)
	assert.Equal(t, changed, string(a.Sessions()[0].Document))

	assert.NoError(t, a.Reload(filepath.Join(t.TempDir(), "other.sdp")))
}

func TestReloadAfterWithdrawIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.sdp")
	require.NoError(t, os.WriteFile(path, []byte(docA), 0644))
	s, err := LoadSession(path, origin)
	require.NoError(t, err)

	tr := &memTransport{}
	ctx, cancel := context.WithCancel(context.Background())
	sl := &scriptedSleep{cancel: cancel, n: 1}
	a := New(tr, []*Session{s}, Options{
		Origin: origin, BurstCount: 1, BurstInterval: time.Second,
		IntervalMin: time.Minute, IntervalMax: time.Minute,
	}, WithSleep(sl.sleep), WithLogger(log.Nop()))
	require.NoError(t, a.Run(ctx))
	require.Len(t, tr.sent(), 2)

	require.NoError(t, os.WriteFile(path, []byte(docA+"a=recvonly\n"), 0644))
	require.NoError(t, a.Reload(path))

	sent := tr.sent()
	require.Len(t, sent, 2, "no announce may follow the shutdown delete")
	assert.Equal(t, sap.Delete, sent[1].Type)
	assert.Equal(t, s.ID, a.Sessions()[0].ID)
}

func TestWatchPicksUpEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.sdp")
	require.NoError(t, os.WriteFile(path, []byte(docA), 0644))
	s, err := LoadSession(path, origin)
	require.NoError(t, err)

	tr := &memTransport{}
	a := New(tr, []*Session{s}, Options{Origin: origin}, WithLogger(log.Nop()), WithDebounce(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Watch(ctx) }()

	changed := docA + "a=sendonly\n"
	want := sap.MessageIDFor([]byte(changed))
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(changed), 0644)
		sent := tr.sent()
		return len(sent) >= 2 && sent[len(sent)-1].Type == sap.Announce && sent[len(sent)-1].MessageID == want
	}, 5*time.Second, 50*time.Millisecond)

	sent := tr.sent()
	assert.Equal(t, sap.Delete, sent[0].Type)
	assert.Equal(t, s.ID, sent[0].MessageID)

	cancel()
	assert.NoError(t, <-done)
}

func TestWatchWithoutFiles(t *testing.T) {
	a := New(&memTransport{}, []*Session{mustSession(t, docA)}, Options{Origin: origin}, WithLogger(log.Nop()))
	assert.NoError(t, a.Watch(context.Background()))
}
