package executor

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ghostflow/ghostflow/flow"
)

// VariationLevel scales how much randomness is injected into replay.
// Byte-identical replay is itself a detection signal.
type VariationLevel string

const (
	VariationNone   VariationLevel = "none"
	VariationLow    VariationLevel = "low"
	VariationMedium VariationLevel = "medium"
	VariationHigh   VariationLevel = "high"
)

var variationScale = map[VariationLevel]float64{
	VariationNone:   0,
	VariationLow:    0.5,
	VariationMedium: 1.0,
	VariationHigh:   2.0,
}

// VariationConfig bounds the jitter applied before each action.
type VariationConfig struct {
	Level VariationLevel `json:"level" yaml:"level"`
	// BaseDelay is the default inter-action delay when the action itself
	// carries no bounds.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`
	// MaxJitter caps the random component added on top of the base delay.
	MaxJitter time.Duration `json:"max_jitter" yaml:"max_jitter"`
}

// DefaultVariationConfig returns sensible defaults.
func DefaultVariationConfig() VariationConfig {
	return VariationConfig{
		Level:     VariationMedium,
		BaseDelay: 300 * time.Millisecond,
		MaxJitter: 700 * time.Millisecond,
	}
}

// Variation produces per-action jitter and selector fallbacks.
type Variation struct {
	cfg VariationConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewVariation creates a variation source.
func NewVariation(cfg VariationConfig) *Variation {
	if cfg.Level == "" {
		cfg.Level = VariationMedium
	}
	return &Variation{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the pre-dispatch delay for an action. Actions with explicit
// bounds draw uniformly within them; others use the configured base plus
// scaled jitter.
func (v *Variation) Delay(a flow.Action) time.Duration {
	scale := variationScale[v.cfg.Level]

	if a.MinDelay > 0 || a.MaxDelay > a.MinDelay {
		span := a.MaxDelay - a.MinDelay
		if span <= 0 {
			return a.MinDelay
		}
		return a.MinDelay + time.Duration(v.random()*float64(span))
	}

	if scale == 0 {
		return 0
	}
	jitter := time.Duration(v.random() * scale * float64(v.cfg.MaxJitter))
	if jitter > v.cfg.MaxJitter {
		jitter = v.cfg.MaxJitter
	}
	return v.cfg.BaseDelay + jitter
}

// Selector returns the selector for a given in-place retry attempt: the
// primary first, then recorded fallbacks in order.
func (v *Variation) Selector(a flow.Action, attempt int) string {
	if attempt <= 0 || len(a.Fallbacks) == 0 {
		return a.Selector
	}
	idx := attempt - 1
	if idx >= len(a.Fallbacks) {
		idx = len(a.Fallbacks) - 1
	}
	return a.Fallbacks[idx]
}

func (v *Variation) random() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rng.Float64()
}
