// Package simulate drives a telemetry bus with synthetic interaction.
//
// Two profiles are provided. Human input has short, varied keystroke gaps
// and smooth pointer paths. Bot input has long, regular gaps and a pointer
// that alternates between tiny nudges and large jumps. Against the fixed
// scoring rule the first stays at 0 and the second scores 70.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/mbd888/sentinel/internal/telemetry"
)

// Profile selects the shape of generated input.
type Profile string

const (
	ProfileHuman Profile = "human"
	ProfileBot   Profile = "bot"
)

// ParseProfile validates a profile name.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case ProfileHuman, ProfileBot:
		return Profile(s), nil
	default:
		return "", fmt.Errorf("unknown profile %q (want human or bot)", s)
	}
}

// Driver emits keystrokes and pointer moves onto a bus.
type Driver struct {
	bus     *telemetry.Bus
	faker   *gofakeit.Faker
	profile Profile

	mu      sync.Mutex
	virtual bool
	clock   time.Time
	pos     telemetry.Point
	heading float64
	step    int
}

// Option configures a Driver.
type Option func(*Driver)

// WithVirtualClock makes Run advance an internal clock instead of sleeping.
// Pair it with telemetry.WithClock(d.Now) for instant, deterministic runs.
func WithVirtualClock(start time.Time) Option {
	return func(d *Driver) {
		d.virtual = true
		d.clock = start
	}
}

// NewDriver creates a driver. The same seed produces the same input.
func NewDriver(bus *telemetry.Bus, profile Profile, seed uint64, opts ...Option) *Driver {
	d := &Driver{
		bus:     bus,
		faker:   gofakeit.New(seed),
		profile: profile,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.heading = d.faker.Float64Range(0, 2*math.Pi)
	return d
}

// Now returns the driver's clock: virtual time if enabled, else wall time.
func (d *Driver) Now() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.virtual {
		return d.clock
	}
	return time.Now()
}

// ErrNoListeners is returned by Run when nothing is subscribed to the bus.
var ErrNoListeners = errors.New("simulate: no listeners on bus")

// Run emits events ticks, each one keystroke followed by one pointer move.
// It returns early with ctx.Err() when ctx is cancelled.
func (d *Driver) Run(ctx context.Context, events int) error {
	if keys, pointers := d.bus.Subscribers(); keys == 0 && pointers == 0 {
		return ErrNoListeners
	}
	for i := 0; i < events; i++ {
		if err := d.wait(ctx, d.keyGap()); err != nil {
			return err
		}
		d.bus.PressKey()
		d.bus.MovePointer(d.nextPoint())
	}
	return nil
}

func (d *Driver) wait(ctx context.Context, gap time.Duration) error {
	if d.virtual {
		d.mu.Lock()
		d.clock = d.clock.Add(gap)
		d.mu.Unlock()
		return ctx.Err()
	}

	timer := time.NewTimer(gap)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) keyGap() time.Duration {
	if d.profile == ProfileBot {
		return time.Duration(d.faker.Number(550, 900)) * time.Millisecond
	}
	return time.Duration(d.faker.Number(80, 250)) * time.Millisecond
}

func (d *Driver) nextPoint() telemetry.Point {
	var length float64
	switch d.profile {
	case ProfileBot:
		// Alternate nudges and jumps in random directions.
		if d.step%2 == 0 {
			length = 2 + d.faker.Float64Range(0, 1)
		} else {
			length = 40 + d.faker.Float64Range(0, 1)
		}
		d.heading = d.faker.Float64Range(0, 2*math.Pi)
	default:
		// Steady strokes along a slowly curving path.
		length = 5 + d.faker.Float64Range(-0.2, 0.2)
		d.heading += d.faker.Float64Range(-0.05, 0.05)
	}
	d.step++

	d.pos = telemetry.Point{
		X: d.pos.X + length*math.Cos(d.heading),
		Y: d.pos.Y + length*math.Sin(d.heading),
	}
	return d.pos
}
