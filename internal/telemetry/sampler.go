// Package telemetry derives behavioral signals from raw input events.
//
// A Sampler watches keystrokes and pointer movement for one monitoring
// session and keeps two bounded windows:
// - the last KeyWindowSize inter-keystroke gaps (typing cadence)
// - the last PointerWindowSize pointer positions (movement jitter)
//
// Metrics are recomputed synchronously on every event and published to
// observers. Memory stays constant no matter how many events arrive.
package telemetry

import (
	"math"
	"sync"
	"time"
)

const (
	// KeyWindowSize is the number of inter-keystroke gaps retained.
	KeyWindowSize = 10
	// PointerWindowSize is the number of pointer positions retained.
	PointerWindowSize = 20

	// minJitterPoints is the fewest positions that yield a jitter value.
	minJitterPoints = 3
)

// Point is an absolute pointer position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Sample is a snapshot of the derived metrics.
type Sample struct {
	TypingSpeed float64   `json:"typingSpeed"` // mean inter-keystroke gap, ms
	MouseJitter float64   `json:"mouseJitter"` // mean absolute deviation of step lengths
	Timestamp   time.Time `json:"timestamp"`
}

// KeySource delivers key events to a subscribed handler.
type KeySource interface {
	SubscribeKeys(func()) (unsubscribe func())
}

// PointerSource delivers pointer positions to a subscribed handler.
type PointerSource interface {
	SubscribePointer(func(Point)) (unsubscribe func())
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) {
		s.now = now
	}
}

type observer struct {
	id uint64
	fn func(Sample)
}

// Sampler turns raw input events into a Sample stream.
// Either source may be nil, in which case the corresponding On* method is
// the only way to feed events.
type Sampler struct {
	keys    KeySource
	pointer PointerSource
	now     func() time.Time

	// lifeMu serializes activation transitions.
	lifeMu sync.Mutex

	mu         sync.Mutex
	active     bool
	intervals  *Window[time.Duration]
	points     *Window[Point]
	lastKey    time.Time
	hasLastKey bool
	current    Sample
	unsubKeys  func()
	unsubPtr   func()
	observers  []observer
	nextObsID  uint64
}

// NewSampler creates an inactive sampler over the given sources.
func NewSampler(keys KeySource, pointer PointerSource, opts ...Option) *Sampler {
	s := &Sampler{
		keys:      keys,
		pointer:   pointer,
		now:       time.Now,
		intervals: NewWindow[time.Duration](KeyWindowSize),
		points:    NewWindow[Point](PointerWindowSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetActive gates sampling. Activating clears all residual state from a
// previous session and attaches to the sources; deactivating detaches.
func (s *Sampler) SetActive(active bool) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.active == active {
		s.mu.Unlock()
		return
	}
	s.active = active

	if !active {
		unsubKeys, unsubPtr := s.unsubKeys, s.unsubPtr
		s.unsubKeys, s.unsubPtr = nil, nil
		s.mu.Unlock()
		if unsubKeys != nil {
			unsubKeys()
		}
		if unsubPtr != nil {
			unsubPtr()
		}
		return
	}

	s.intervals.Reset()
	s.points.Reset()
	s.lastKey = time.Time{}
	s.hasLastKey = false
	s.current = Sample{}
	s.mu.Unlock()

	// Subscribe outside s.mu: a source may deliver synchronously.
	var unsubKeys, unsubPtr func()
	if s.keys != nil {
		unsubKeys = s.keys.SubscribeKeys(s.OnKeyEvent)
	}
	if s.pointer != nil {
		unsubPtr = s.pointer.SubscribePointer(s.OnPointerEvent)
	}

	s.mu.Lock()
	s.unsubKeys, s.unsubPtr = unsubKeys, unsubPtr
	s.mu.Unlock()
}

// Active reports whether the sampler is currently observing events.
func (s *Sampler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Subscribe registers fn to receive every recomputed sample.
func (s *Sampler) Subscribe(fn func(Sample)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextObsID++
	id := s.nextObsID
	s.observers = append(s.observers, observer{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, o := range s.observers {
			if o.id == id {
				s.observers = append(s.observers[:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

// Latest returns the current metrics.
func (s *Sampler) Latest() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// OnKeyEvent records a keystroke at the current time.
func (s *Sampler) OnKeyEvent() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}

	now := s.now()
	if !s.hasLastKey {
		s.lastKey = now
		s.hasLastKey = true
		s.mu.Unlock()
		return
	}

	gap := now.Sub(s.lastKey)
	if gap < 0 {
		gap = 0
	}
	s.lastKey = now
	s.intervals.Push(gap)
	s.current.TypingSpeed = meanMillis(s.intervals)
	s.current.Timestamp = now

	s.publishLocked()
}

// OnPointerEvent records a pointer position.
func (s *Sampler) OnPointerEvent(p Point) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}

	s.points.Push(p)
	if s.points.Len() < minJitterPoints {
		s.mu.Unlock()
		return
	}
	s.current.MouseJitter = stepJitter(s.points)
	s.current.Timestamp = s.now()

	s.publishLocked()
}

// publishLocked releases s.mu and notifies observers of the current sample.
func (s *Sampler) publishLocked() {
	sample := s.current
	fns := make([]func(Sample), len(s.observers))
	for i, o := range s.observers {
		fns[i] = o.fn
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(sample)
	}
}

func meanMillis(w *Window[time.Duration]) float64 {
	gaps := w.Values()
	if len(gaps) == 0 {
		return 0
	}
	var total time.Duration
	for _, g := range gaps {
		total += g
	}
	return float64(total) / float64(len(gaps)) / float64(time.Millisecond)
}

// stepJitter is the mean absolute deviation of consecutive step lengths
// from their mean. Requires at least minJitterPoints positions.
func stepJitter(w *Window[Point]) float64 {
	pts := w.Values()
	if len(pts) < minJitterPoints {
		return 0
	}

	steps := make([]float64, len(pts)-1)
	var sum float64
	for i := 1; i < len(pts); i++ {
		a, b := pts[i-1], pts[i]
		steps[i-1] = math.Hypot(b.X-a.X, b.Y-a.Y)
		sum += steps[i-1]
	}
	mean := sum / float64(len(steps))

	var dev float64
	for _, d := range steps {
		dev += math.Abs(d - mean)
	}
	return dev / float64(len(steps))
}
