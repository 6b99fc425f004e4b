package retry

import (
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Curve selects the delay growth between attempts.
type Curve string

const (
	CurveImmediate   Curve = "immediate"
	CurveLinear      Curve = "linear"
	CurveExponential Curve = "exponential"
	CurveFibonacci   Curve = "fibonacci"
)

// Strategy is the per-kind retry configuration.
type Strategy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Curve      Curve
	// SkipSubstrings disables retry when the error message contains any of
	// these markers.
	SkipSubstrings []string
	// RequiresUserAction forces a no-retry decision and a user notification.
	RequiresUserAction bool
}

// Delay computes the pause before attempt k (1-indexed), capped at MaxDelay.
func (s Strategy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch s.Curve {
	case CurveImmediate:
		return 0
	case CurveLinear:
		d = s.BaseDelay * time.Duration(attempt)
	case CurveExponential:
		d = s.BaseDelay * time.Duration(int64(1)<<uint(attempt-1))
	case CurveFibonacci:
		d = time.Duration(fib(attempt)) * s.BaseDelay
	default:
		d = s.BaseDelay
	}
	if s.MaxDelay > 0 && d > s.MaxDelay {
		d = s.MaxDelay
	}
	return d
}

// DefaultStrategies returns the built-in per-kind strategies.
func DefaultStrategies() map[Kind]Strategy {
	return map[Kind]Strategy{
		KindNetwork: {
			MaxRetries:     5,
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			Curve:          CurveExponential,
			SkipSubstrings: []string{"QUOTA_EXCEEDED", "PERMISSION_DENIED"},
		},
		KindServer: {
			MaxRetries:     3,
			BaseDelay:      2 * time.Second,
			MaxDelay:       10 * time.Second,
			Curve:          CurveLinear,
			SkipSubstrings: []string{"NOT_FOUND", "INVALID_ARGUMENT"},
		},
		KindValidation: {
			MaxRetries:         2,
			BaseDelay:          0,
			MaxDelay:           time.Second,
			Curve:              CurveImmediate,
			RequiresUserAction: true,
		},
		KindStorage: {
			MaxRetries:     3,
			BaseDelay:      500 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			Curve:          CurveExponential,
			SkipSubstrings: []string{"QUOTA_EXCEEDED"},
		},
	}
}

// Report is the structured record handed to error subscribers.
type Report struct {
	Err            error
	Kind           Kind
	Severity       Severity
	Context        Context
	Timestamp      int64
	Recommendation string
}

const historyCap = 50

// Classifier owns the retry strategies, a bounded error history and the
// error subscribers. It is the single authority on retry decisions.
type Classifier struct {
	strategies map[Kind]Strategy
	logger     log.Logger

	mu          sync.Mutex
	history     []Report
	subscribers []func(Report)
}

// NewClassifier creates a Classifier; nil strategies means the defaults.
func NewClassifier(strategies map[Kind]Strategy, logger log.Logger) *Classifier {
	if strategies == nil {
		strategies = DefaultStrategies()
	}
	return &Classifier{strategies: strategies, logger: logger}
}

// Subscribe registers a callback for every handled error.
func (c *Classifier) Subscribe(fn func(Report)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// History returns a copy of the bounded error history, newest last.
func (c *Classifier) History() []Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Report(nil), c.history...)
}

// HandleError classifies the error, records it, notifies subscribers and
// returns the retry decision for the attempt that just failed.
func (c *Classifier) HandleError(err error, ctx Context) (bool, time.Duration) {
	kind := Classify(err)
	severity := Assess(kind, ctx)
	report := Report{
		Err:            err,
		Kind:           kind,
		Severity:       severity,
		Context:        ctx,
		Timestamp:      time.Now().UnixMilli(),
		Recommendation: Recommendation(kind),
	}

	c.mu.Lock()
	c.history = append(c.history, report)
	if len(c.history) > historyCap {
		c.history = c.history[len(c.history)-historyCap:]
	}
	subscribers := append(([]func(Report))(nil), c.subscribers...)
	c.mu.Unlock()

	for _, fn := range subscribers {
		fn(report)
	}

	strategy, ok := c.strategies[kind]
	if !ok {
		c.logger.Debugf("no retry strategy for %s errors, not retrying", kind)
		return false, 0
	}
	if strategy.RequiresUserAction {
		c.logger.Warnf("%s error needs user action: %s", kind, err)
		return false, 0
	}
	msg := err.Error()
	for _, marker := range strategy.SkipSubstrings {
		if strings.Contains(msg, marker) {
			c.logger.Debugf("error marked %s, not retrying", marker)
			return false, 0
		}
	}
	if ctx.RetryCount >= strategy.MaxRetries {
		c.logger.Debugf("%s error exhausted %d retries", kind, strategy.MaxRetries)
		return false, 0
	}

	delay := strategy.Delay(ctx.RetryCount + 1)
	c.logger.Debugf("%s error, retry %d/%d after %s", kind, ctx.RetryCount+1, strategy.MaxRetries, delay)
	return true, delay
}

func fib(n int) int64 {
	a, b := int64(1), int64(1)
	for i := 2; i <= n; i++ {
		a, b = b, a+b
	}
	return a
}
