// Package ingest turns upstream telemetry frames into downstream risk
// updates and session records.
//
// Failures never reach the client: malformed frames are skipped, store
// errors are logged, and every behavior report yields exactly one update.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/protocol"
	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/sessions"
	"github.com/mbd888/sentinel/internal/traces"
)

const (
	// storeTimeout bounds a single session-init write.
	storeTimeout = 5 * time.Second

	// startTimePrecision is the finest resolution every store backend
	// orders by.
	startTimePrecision = time.Microsecond
)

// ConnInfo describes the connection a frame arrived on.
type ConnInfo struct {
	ID         string
	RemoteAddr string
	UserAgent  string
}

// Service is the server-side ingestion path.
type Service struct {
	store  sessions.Store
	logger *slog.Logger
	now    func() time.Time

	breaker    *circuitbreaker.Breaker
	breakerKey string
}

// NewService creates an ingestion service writing session records to store.
func NewService(store sessions.Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source used for session start times.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithBreaker sheds session-init writes while the store keeps failing, so
// a stalled store cannot hold up the reports queued behind an init.
func (s *Service) WithBreaker(b *circuitbreaker.Breaker, key string) *Service {
	s.breaker = b
	s.breakerKey = key
	return s
}

// Handle processes one upstream frame and returns the update to send back,
// or nil when the frame produces no downstream message.
func (s *Service) Handle(ctx context.Context, conn ConnInfo, frame []byte) *protocol.RiskUpdate {
	logger := s.logger.With("conn_id", conn.ID)

	msg, err := protocol.Decode(frame)
	if err != nil {
		metrics.FramesTotal.WithLabelValues("malformed").Inc()
		logger.Debug("skipping malformed frame", "error", err, "bytes", len(frame))
		return nil
	}

	switch msg.Kind {
	case protocol.KindBehaviorReport:
		metrics.FramesTotal.WithLabelValues("behavior_report").Inc()
		update := s.scoreReport(ctx, conn, msg.Report, logger)
		return &update

	case protocol.KindSessionInit:
		metrics.FramesTotal.WithLabelValues("session_init").Inc()
		s.initSession(ctx, conn, msg.Init, logger)
		return nil

	default:
		metrics.FramesTotal.WithLabelValues("unknown").Inc()
		logger.Debug("ignoring unrecognized frame", "type", msg.Tag)
		return nil
	}
}

func (s *Service) scoreReport(ctx context.Context, conn ConnInfo, report protocol.BehaviorReport, logger *slog.Logger) protocol.RiskUpdate {
	_, span := traces.StartSpan(ctx, "ingest.behavior_report",
		traces.ConnID(conn.ID),
		traces.SessionToken(report.SessionToken),
	)
	defer span.End()

	assessment := risk.Score(report)
	span.SetAttributes(traces.RiskScore(assessment.Score), traces.Anomalous(assessment.Anomalous()))

	metrics.RiskScore.Observe(float64(assessment.Score))
	if assessment.Anomalous() {
		metrics.AnomaliesTotal.Inc()
		logger.Info("anomalous interaction",
			"session_token", report.SessionToken,
			"score", assessment.Score,
			"typing_speed_ms", report.TypingSpeed,
			"mouse_jitter", report.MouseJitter,
		)
	}

	return assessment.Update()
}

func (s *Service) initSession(ctx context.Context, conn ConnInfo, init protocol.SessionInit, logger *slog.Logger) {
	if s.breaker != nil && !s.breaker.Allow(s.breakerKey) {
		metrics.SessionInitsTotal.WithLabelValues("skipped").Inc()
		logger.Debug("session store circuit open, skipping record", "session_token", init.Token)
		return
	}

	ctx, span := traces.StartSpan(ctx, "ingest.session_init",
		traces.ConnID(conn.ID),
		traces.SessionToken(init.Token),
		traces.StoreBackend(s.breakerKey),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	rec := &sessions.Record{
		Token:         init.Token,
		StartTime:     s.now().UTC().Truncate(startTimePrecision),
		SourceAddress: conn.RemoteAddr,
		UserAgent:     conn.UserAgent,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		metrics.SessionInitsTotal.WithLabelValues("error").Inc()
		traces.Fail(span, err)
		if s.breaker != nil {
			s.breaker.Failure(s.breakerKey)
		}
		level := slog.LevelWarn
		if errors.Is(err, context.Canceled) {
			level = slog.LevelDebug
		}
		logger.Log(ctx, level, "failed to record session", "error", err)
		return
	}

	if s.breaker != nil {
		s.breaker.Success(s.breakerKey)
	}
	metrics.SessionInitsTotal.WithLabelValues("ok").Inc()
	logger.Debug("session recorded", "session_token", init.Token, "source", conn.RemoteAddr)
}
