// Package ratelimit implements the adaptive backoff rate limiter (spec
// §4.8): a single-instance gradient-descent state machine used by writers
// that face throttling from downstream stores (the snapshot store's S3-like
// artifact backend, in this core's case). Chosen over fixed exponential
// backoff because the target acceptance rate drifts across tenants and time
// of day (spec §9); the Zeno cutoff keeps recovery from stalling at an
// asymptotically small delay.
//
// Grounded on original_source/lib/si-layer-cache/src/rate_limiter.rs, a
// direct port of its RateLimitConfig/RateLimiter pair.
package ratelimit

import (
	"time"

	"github.com/go-playground/validator/v10"

	sgerrors "github.com/si-workspace/snapgraph/pkg/shared/errors"
	"github.com/si-workspace/snapgraph/pkg/infrastructure/metrics"
)

var validate = validator.New()

// Config holds the tunables for one Limiter (spec §4.8/§6).
type Config struct {
	MinDelayMs               uint64  `yaml:"min_delay_ms" validate:"gte=0"`
	MaxDelayMs               uint64  `yaml:"max_delay_ms" validate:"gte=0"`
	InitialBackoffMs         uint64  `yaml:"initial_backoff_ms" validate:"gte=0"`
	AdjustmentSizeMs         uint64  `yaml:"adjustment_size_ms" validate:"gte=0"`
	InitialLearningRate      float64 `yaml:"initial_learning_rate"`
	MinLearningRate          float64 `yaml:"min_learning_rate" validate:"gt=0"`
	MaxLearningRate          float64 `yaml:"max_learning_rate" validate:"gt=0"`
	LearningRateGrowth       float64 `yaml:"learning_rate_growth"`
	LearningRateShrink       float64 `yaml:"learning_rate_shrink"`
	SuccessesBeforeReduction uint32  `yaml:"successes_before_reduction" validate:"gte=0"`
	ZenoThresholdMs          uint64  `yaml:"zeno_threshold_ms" validate:"gte=0"`
}

// DefaultConfig mirrors the teacher source's Default impl.
func DefaultConfig() Config {
	return Config{
		MinDelayMs:               0,
		MaxDelayMs:               5000,
		InitialBackoffMs:         100,
		AdjustmentSizeMs:         100,
		InitialLearningRate:      1.0,
		MinLearningRate:          0.1,
		MaxLearningRate:          3.0,
		LearningRateGrowth:       1.1,
		LearningRateShrink:       0.9,
		SuccessesBeforeReduction: 3,
		ZenoThresholdMs:          50,
	}
}

// Validate enforces spec §4.8's config validation rules, in the same
// order as the teacher source so error precedence matches.
func (c Config) Validate() error {
	if c.MinDelayMs > c.MaxDelayMs {
		return sgerrors.ConfigurationError("min_delay_ms", "cannot be greater than max_delay_ms")
	}
	if c.SuccessesBeforeReduction == 0 {
		return sgerrors.ConfigurationError("successes_before_reduction", "cannot be zero")
	}
	if c.LearningRateGrowth <= 1.0 {
		return sgerrors.ConfigurationError("learning_rate_growth", "must be greater than 1.0")
	}
	if c.LearningRateShrink <= 0.0 || c.LearningRateShrink >= 1.0 {
		return sgerrors.ConfigurationError("learning_rate_shrink", "must be greater than 0.0 and less than 1.0")
	}
	if c.MinLearningRate >= c.MaxLearningRate {
		return sgerrors.ConfigurationError("min_learning_rate", "must be less than max_learning_rate")
	}
	if c.InitialLearningRate < c.MinLearningRate || c.InitialLearningRate > c.MaxLearningRate {
		return sgerrors.ConfigurationError("initial_learning_rate", "must be within [min_learning_rate, max_learning_rate] bounds")
	}
	if err := validate.Struct(c); err != nil {
		return sgerrors.Wrapf(err, "rate limiter config")
	}
	return nil
}

// Limiter is the adaptive rate limiter state machine (spec §4.8). It is not
// safe for concurrent use; callers run one Limiter per writer instance
// (spec §5: "The rate limiter is per writer instance (not shared across
// processes)").
type Limiter struct {
	name                 string
	currentBackoffMs     float64
	learningRate         float64
	consecutiveSuccesses uint32
	config               Config
}

// New builds a Limiter from a validated Config. name identifies this
// limiter instance in metrics (spec §4.8's per-writer instancing).
func New(name string, config Config) (*Limiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Limiter{
		name:         name,
		learningRate: config.InitialLearningRate,
		config:       config,
	}, nil
}

// CurrentDelay returns the delay to apply before the next operation.
func (l *Limiter) CurrentDelay() time.Duration {
	return time.Duration(l.currentBackoffMs) * time.Millisecond
}

// ConsecutiveSuccesses returns the current success streak.
func (l *Limiter) ConsecutiveSuccesses() uint32 {
	return l.consecutiveSuccesses
}

// OnThrottle records a throttling response and increases the delay (spec
// §4.8).
func (l *Limiter) OnThrottle() {
	if l.currentBackoffMs == 0 {
		l.currentBackoffMs = float64(l.config.InitialBackoffMs)
		l.learningRate = l.config.InitialLearningRate
	} else {
		adjustment := l.learningRate * float64(l.config.AdjustmentSizeMs)
		l.currentBackoffMs = min(l.currentBackoffMs+adjustment, float64(l.config.MaxDelayMs))
		l.learningRate = min(l.learningRate*l.config.LearningRateGrowth, l.config.MaxLearningRate)
	}
	l.consecutiveSuccesses = 0
	metrics.RecordThrottleEvent(l.name, l.CurrentDelay())
}

// OnSuccess records a successful operation.
func (l *Limiter) OnSuccess() {
	l.consecutiveSuccesses++
}

// ShouldReduceBackoff reports whether the success streak has earned a
// backoff reduction.
func (l *Limiter) ShouldReduceBackoff() bool {
	return l.consecutiveSuccesses >= l.config.SuccessesBeforeReduction
}

// ReduceBackoff reduces the delay after a qualifying success streak (spec
// §4.8), snapping to zero below the Zeno threshold.
func (l *Limiter) ReduceBackoff() {
	if l.currentBackoffMs < float64(l.config.ZenoThresholdMs) {
		l.currentBackoffMs = 0
		l.learningRate = l.config.InitialLearningRate
	} else {
		adjustment := l.learningRate * float64(l.config.AdjustmentSizeMs)
		l.currentBackoffMs = max(l.currentBackoffMs-adjustment, float64(l.config.MinDelayMs))
		l.learningRate = max(l.learningRate*l.config.LearningRateShrink, l.config.MinLearningRate)
	}
	l.consecutiveSuccesses = 0
	metrics.SetRateLimiterDelay(l.name, l.CurrentDelay())
}
