package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/sentinel/internal/protocol"
	"github.com/mbd888/sentinel/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu      sync.Mutex
	inits   []string
	reports []protocol.BehaviorReport
	sendErr error
	done    chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{done: make(chan struct{})}
}

func (f *fakeChannel) SendSessionInit(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.inits = append(f.inits, token)
	return nil
}

func (f *fakeChannel) SendReport(r protocol.BehaviorReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.reports = append(f.reports, r)
	return nil
}

func (f *fakeChannel) Done() <-chan struct{} { return f.done }

func (f *fakeChannel) Reports() []protocol.BehaviorReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.BehaviorReport(nil), f.reports...)
}

func newTestMonitor(t *testing.T) (*Monitor, *telemetry.Bus, *fakeChannel) {
	t.Helper()
	bus := telemetry.NewBus()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sampler := telemetry.NewSampler(bus, bus, telemetry.WithClock(func() time.Time {
		clock = clock.Add(100 * time.Millisecond)
		return clock
	}))
	ch := newFakeChannel()
	return New(sampler, ch, "tok-1", quietLogger()), bus, ch
}

func TestMonitor_StartSendsSessionInit(t *testing.T) {
	m, _, ch := newTestMonitor(t)

	require.NoError(t, m.Start())
	assert.True(t, m.Running())
	assert.Equal(t, []string{"tok-1"}, ch.inits)

	// Second Start is a no-op.
	require.NoError(t, m.Start())
	assert.Len(t, ch.inits, 1)
}

func TestMonitor_EverySampleBecomesReport(t *testing.T) {
	m, bus, ch := newTestMonitor(t)
	require.NoError(t, m.Start())

	bus.PressKey() // first keystroke publishes nothing
	bus.PressKey()
	bus.PressKey()

	reports := ch.Reports()
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.Equal(t, "tok-1", r.SessionToken)
		assert.InDelta(t, 100.0, r.TypingSpeed, 1e-9)
	}
	assert.Equal(t, int64(2), m.Sent())
}

func TestMonitor_PointerColdStart(t *testing.T) {
	m, bus, ch := newTestMonitor(t)
	require.NoError(t, m.Start())

	bus.MovePointer(telemetry.Point{X: 0, Y: 0})
	bus.MovePointer(telemetry.Point{X: 1, Y: 0})
	assert.Empty(t, ch.Reports())

	bus.MovePointer(telemetry.Point{X: 3, Y: 0})
	reports := ch.Reports()
	require.Len(t, reports, 1)
	assert.InDelta(t, 0.5, reports[0].MouseJitter, 1e-9)
}

func TestMonitor_StopDetaches(t *testing.T) {
	m, bus, ch := newTestMonitor(t)
	require.NoError(t, m.Start())

	m.Stop()
	assert.False(t, m.Running())

	bus.PressKey()
	bus.PressKey()
	assert.Empty(t, ch.Reports())

	keys, pointers := bus.Subscribers()
	assert.Zero(t, keys)
	assert.Zero(t, pointers)

	m.Stop() // idempotent
}

func TestMonitor_ChannelEndDeactivates(t *testing.T) {
	m, _, ch := newTestMonitor(t)
	require.NoError(t, m.Start())

	close(ch.done)

	deadline := time.Now().Add(2 * time.Second)
	for m.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.False(t, m.Running())
	assert.True(t, errors.Is(m.Start(), ErrClosed))
}

func TestMonitor_SendFailuresAreCounted(t *testing.T) {
	m, bus, ch := newTestMonitor(t)
	require.NoError(t, m.Start())

	ch.mu.Lock()
	ch.sendErr = errors.New("broken pipe")
	ch.mu.Unlock()

	bus.PressKey()
	bus.PressKey()

	assert.Equal(t, int64(1), m.Failed())
	assert.Zero(t, m.Sent())
	assert.True(t, m.Running(), "send failures do not stop sampling")
}

func TestMonitor_StartFailsWhenInitFails(t *testing.T) {
	m, _, ch := newTestMonitor(t)
	ch.sendErr = errors.New("refused")

	err := m.Start()
	require.Error(t, err)
	assert.False(t, m.Running())
}

func TestMonitor_EndToEnd(t *testing.T) {
	url, store, _ := startHub(t)

	updates := make(chan protocol.RiskUpdate, 16)
	c, err := Dial(context.Background(), url,
		WithLogger(quietLogger()),
		WithOnUpdate(func(u protocol.RiskUpdate) { updates <- u }),
	)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	bus := telemetry.NewBus()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sampler := telemetry.NewSampler(bus, bus, telemetry.WithClock(func() time.Time {
		clock = clock.Add(700 * time.Millisecond)
		return clock
	}))
	m := New(sampler, c, "e2e", quietLogger())
	require.NoError(t, m.Start())
	defer m.Stop()

	bus.PressKey()
	bus.PressKey() // mean gap 700ms > 500

	select {
	case u := <-updates:
		assert.Equal(t, 30, u.RiskScore)
		assert.Equal(t, "Normal", u.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}

	_, err = store.Get(context.Background(), "e2e")
	assert.NoError(t, err)
}
