// Command simulate runs a synthetic monitored session against a server.
//
// Usage:
//
//	go run ./cmd/simulate -profile human
//	go run ./cmd/simulate -profile bot -events 60 -url ws://localhost:8080/ws
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/monitor"
	"github.com/mbd888/sentinel/internal/protocol"
	"github.com/mbd888/sentinel/internal/simulate"
	"github.com/mbd888/sentinel/internal/telemetry"
)

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/ws", "telemetry endpoint")
		profile   = flag.String("profile", "human", "input profile: human or bot")
		events    = flag.Int("events", 40, "number of keystroke/pointer ticks to emit")
		seed      = flag.Uint64("seed", 0, "random seed (0 picks one from the clock)")
		token     = flag.String("token", "", "session token (default: random UUID)")
		logLevel  = flag.String("log-level", "info", "log level")
		drainWait = flag.Duration("drain", 5*time.Second, "how long to wait for outstanding updates")
	)
	flag.Parse()

	logger := logging.New(*logLevel, "text")

	p, err := simulate.ParseProfile(*profile)
	if err != nil {
		logger.Error("invalid profile", "error", err)
		os.Exit(2)
	}

	if *seed == 0 {
		*seed = uint64(time.Now().UnixNano())
	}
	faker := gofakeit.New(*seed)
	if *token == "" {
		*token = faker.UUID()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := monitor.Dial(ctx, *url,
		monitor.WithLogger(logger),
		monitor.WithHeader(http.Header{"User-Agent": {faker.UserAgent()}}),
		monitor.WithOnUpdate(func(u protocol.RiskUpdate) {
			logger.Info("risk update", "score", u.RiskScore, "reason", u.Reason)
		}),
	)
	if err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer func() { _ = client.Close() }()

	bus := telemetry.NewBus()
	sampler := telemetry.NewSampler(bus, bus)
	mon := monitor.New(sampler, client, *token, logger)

	if err := mon.Start(); err != nil {
		logger.Error("failed to start monitoring", "error", err)
		os.Exit(1)
	}

	logger.Info("simulating session", "profile", p, "events", *events, "seed", *seed, "token", *token)
	driver := simulate.NewDriver(bus, p, *seed)
	if err := driver.Run(ctx, *events); err != nil {
		logger.Warn("simulation interrupted", "error", err)
	}
	mon.Stop()

	// Updates arrive one per report; wait for the tail.
	deadline := time.Now().Add(*drainWait)
	for client.Updates() < mon.Sent() && time.Now().Before(deadline) {
		select {
		case <-client.Done():
			deadline = time.Now()
		case <-time.After(20 * time.Millisecond):
		}
	}

	latest, ok := client.Latest()
	logger.Info("simulation finished",
		"reports_sent", mon.Sent(),
		"reports_failed", mon.Failed(),
		"updates_received", client.Updates(),
		"final_score", latest.RiskScore,
		"final_reason", latest.Reason,
		"has_update", ok,
	)
}
