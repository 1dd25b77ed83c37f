package rews

import (
	"math"
	"math/rand"
	"time"

	"github.com/flowthings/flowthings.go/pkg/constants"
)

// BackoffConfig defines the reconnection delay policy.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// RandomizationFactor spreads each delay over
	// [delay*(1-f), delay*(1+f)]. Zero keeps the sequence deterministic.
	RandomizationFactor float64
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: constants.DefaultBackoffInitialDelay,
		MaxDelay:     constants.DefaultBackoffMaxDelay,
		Multiplier:   constants.DefaultBackoffMultiplier,
	}
}

// Backoff hands out exponentially growing delays, one per failed attempt.
// It is not safe for concurrent use.
type Backoff struct {
	cfg     BackoffConfig
	attempt int
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = constants.DefaultBackoffInitialDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	return &Backoff{cfg: cfg}
}

// Next returns the delay for the current attempt and advances to the next one.
func (b *Backoff) Next() time.Duration {
	d := b.Delay(b.attempt)
	b.attempt++
	return d
}

// Delay returns the delay for the zero-based attempt n without advancing.
func (b *Backoff) Delay(n int) time.Duration {
	delay := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(n))
	if delay > float64(b.cfg.MaxDelay) || math.IsInf(delay, 0) {
		delay = float64(b.cfg.MaxDelay)
	}
	if f := b.cfg.RandomizationFactor; f > 0 {
		//nolint:gosec // jitter only
		delay *= 1 - f + 2*f*rand.Float64()
	}
	return time.Duration(delay)
}

// Attempt is the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
