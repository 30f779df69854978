package player

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfmyers9/earshot/internal/engine"
)

// DefaultProgressInterval is how often progress is sampled.
const DefaultProgressInterval = time.Second / 60

// Sampler keeps a normalized progress value for the current item, fed by
// a periodic registration on the engine adapter.
type Sampler struct {
	adapter  *engine.Adapter
	interval time.Duration
	logger   zerolog.Logger

	mu  sync.Mutex
	sub *engine.Subscription
	gen uint64

	progress atomic.Uint64 // float64 bits
}

// NewSampler creates an unbound sampler.
func NewSampler(adapter *engine.Adapter, interval time.Duration, logger zerolog.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &Sampler{
		adapter:  adapter,
		interval: interval,
		logger:   logger.With().Str("component", "progress").Logger(),
	}
}

// Bind registers against the adapter's current item, invalidating any
// previous registration first.
func (s *Sampler) Bind() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invalidateLocked()
	gen := s.gen
	s.sub = s.adapter.AddPeriodicObserver(s.interval, func(sample engine.Sample) {
		s.tick(gen, sample)
	})
}

// Invalidate cancels the current registration. Ticks already in flight
// are dropped.
func (s *Sampler) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateLocked()
}

func (s *Sampler) invalidateLocked() {
	s.gen++
	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
}

// Reset sets progress back to zero.
func (s *Sampler) Reset() {
	s.progress.Store(math.Float64bits(0))
}

// Progress returns the last sampled progress in [0, 1].
func (s *Sampler) Progress() float64 {
	return math.Float64frombits(s.progress.Load())
}

func (s *Sampler) tick(gen uint64, sample engine.Sample) {
	if !sample.DurationKnown || sample.Duration <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.progress.Store(math.Float64bits(clamp(sample.Elapsed, sample.Duration)))
}

// clamp returns elapsed/total limited to [0, 1].
func clamp(elapsed, total time.Duration) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(elapsed) / float64(total)
	switch {
	case p < 0 || math.IsNaN(p):
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
