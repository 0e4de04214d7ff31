package monitor

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mbd888/sentinel/internal/protocol"
	"github.com/mbd888/sentinel/internal/telemetry"
)

// Channel is the upstream half of a telemetry connection.
type Channel interface {
	SendSessionInit(token string) error
	SendReport(r protocol.BehaviorReport) error
	Done() <-chan struct{}
}

// Monitor streams one session's samples over a channel.
type Monitor struct {
	sampler *telemetry.Sampler
	channel Channel
	token   string
	logger  *slog.Logger

	mu          sync.Mutex
	running     bool
	unsubscribe func()
	stop        chan struct{}

	sent   atomic.Int64
	failed atomic.Int64
}

// New creates a monitor for token. Nothing is sent until Start.
func New(sampler *telemetry.Sampler, channel Channel, token string, logger *slog.Logger) *Monitor {
	return &Monitor{
		sampler: sampler,
		channel: channel,
		token:   token,
		logger:  logger.With("session_token", token),
	}
}

// Start announces the session and activates sampling. Every sample
// published afterwards is sent as a report. Calling Start on a running
// monitor does nothing.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	select {
	case <-m.channel.Done():
		return ErrClosed
	default:
	}

	if err := m.channel.SendSessionInit(m.token); err != nil {
		return fmt.Errorf("monitor: session init: %w", err)
	}

	m.unsubscribe = m.sampler.Subscribe(m.report)
	m.sampler.SetActive(true)
	m.running = true
	m.stop = make(chan struct{})
	go m.watch(m.stop)

	m.logger.Info("monitoring started")
	return nil
}

// Stop deactivates sampling. The channel is left open.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.sampler.SetActive(false)
	m.unsubscribe()
	m.unsubscribe = nil
	close(m.stop)
	m.running = false

	m.logger.Info("monitoring stopped", "sent", m.sent.Load(), "failed", m.failed.Load())
}

// Running reports whether sampling is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Sent returns the number of reports written to the channel.
func (m *Monitor) Sent() int64 { return m.sent.Load() }

// Failed returns the number of reports the channel refused.
func (m *Monitor) Failed() int64 { return m.failed.Load() }

func (m *Monitor) report(s telemetry.Sample) {
	err := m.channel.SendReport(protocol.BehaviorReport{
		TypingSpeed:  s.TypingSpeed,
		MouseJitter:  s.MouseJitter,
		SessionToken: m.token,
	})
	if err != nil {
		m.failed.Add(1)
		m.logger.Warn("failed to send behavior report", "error", err)
		return
	}
	m.sent.Add(1)
}

// watch stops sampling when the channel ends.
func (m *Monitor) watch(stop <-chan struct{}) {
	select {
	case <-m.channel.Done():
		m.logger.Info("telemetry channel ended, deactivating")
		m.Stop()
	case <-stop:
	}
}
