package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_TaggedErrorsWin(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewError(KindStorage, "disk full", nil))
	assert.Equal(t, KindStorage, Classify(err))
}

func TestClassify_Heuristics(t *testing.T) {
	tests := []struct {
		msg  string
		want Kind
	}{
		{msg: "network unreachable", want: KindNetwork},
		{msg: "client is offline", want: KindNetwork},
		{msg: "connection reset by peer", want: KindNetwork},
		{msg: "server exploded", want: KindServer},
		{msg: "timeout waiting for response", want: KindServer},
		{msg: "502 bad gateway", want: KindServer},
		{msg: "validation failed for field", want: KindValidation},
		{msg: "invalid chunk index", want: KindValidation},
		{msg: "unexpected format", want: KindValidation},
		{msg: "storage backend gone", want: KindStorage},
		{msg: "quota exhausted", want: KindStorage},
		{msg: "no space left on device", want: KindStorage},
		{msg: "something else entirely", want: KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(errors.New(tt.msg)))
		})
	}
}

func TestAssess(t *testing.T) {
	assert.Equal(t, SeverityCritical, Assess(KindNetwork, Context{Recoverable: false}))
	assert.Equal(t, SeverityCritical, Assess(KindServer, Context{Recoverable: true, RetryCount: 5}))
	assert.Equal(t, SeverityWarning, Assess(KindNetwork, Context{Recoverable: true, RetryCount: 1}))
	assert.Equal(t, SeverityError, Assess(KindNetwork, Context{Recoverable: true, RetryCount: 3}))
	assert.Equal(t, SeverityError, Assess(KindValidation, Context{Recoverable: true}))
}

func TestStrategyDelay_Curves(t *testing.T) {
	base := time.Second

	tests := []struct {
		curve   Curve
		attempt int
		want    time.Duration
	}{
		{curve: CurveImmediate, attempt: 1, want: 0},
		{curve: CurveImmediate, attempt: 4, want: 0},
		{curve: CurveLinear, attempt: 1, want: time.Second},
		{curve: CurveLinear, attempt: 3, want: 3 * time.Second},
		{curve: CurveExponential, attempt: 1, want: time.Second},
		{curve: CurveExponential, attempt: 2, want: 2 * time.Second},
		{curve: CurveExponential, attempt: 4, want: 8 * time.Second},
		{curve: CurveFibonacci, attempt: 1, want: time.Second},
		{curve: CurveFibonacci, attempt: 2, want: time.Second},
		{curve: CurveFibonacci, attempt: 3, want: 2 * time.Second},
		{curve: CurveFibonacci, attempt: 5, want: 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s-%d", tt.curve, tt.attempt), func(t *testing.T) {
			s := Strategy{BaseDelay: base, MaxDelay: time.Minute, Curve: tt.curve}
			assert.Equal(t, tt.want, s.Delay(tt.attempt))
		})
	}
}

func TestStrategyDelay_CapsAtMaxDelay(t *testing.T) {
	s := Strategy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Curve: CurveExponential}
	assert.Equal(t, 5*time.Second, s.Delay(10))
}

func TestHandleError_RetriesNetworkWithBackoff(t *testing.T) {
	c := NewClassifier(nil, log.NewLogger())
	err := NewError(KindNetwork, "connection dropped", nil)

	shouldRetry, delay := c.HandleError(err, Context{RetryCount: 0, Recoverable: true})
	assert.True(t, shouldRetry)
	assert.Equal(t, time.Second, delay)

	shouldRetry, delay = c.HandleError(err, Context{RetryCount: 1, Recoverable: true})
	assert.True(t, shouldRetry)
	assert.Equal(t, 2*time.Second, delay)
}

func TestHandleError_StopsAfterMaxRetries(t *testing.T) {
	c := NewClassifier(nil, log.NewLogger())
	err := NewError(KindNetwork, "connection dropped", nil)

	shouldRetry, _ := c.HandleError(err, Context{RetryCount: 5, Recoverable: true})
	assert.False(t, shouldRetry)
}

func TestHandleError_ValidationNeedsUserAction(t *testing.T) {
	c := NewClassifier(nil, log.NewLogger())

	shouldRetry, delay := c.HandleError(NewError(KindValidation, "bad file", nil), Context{Recoverable: true})
	assert.False(t, shouldRetry)
	assert.Equal(t, time.Duration(0), delay)
}

func TestHandleError_SkipMarkers(t *testing.T) {
	c := NewClassifier(nil, log.NewLogger())

	shouldRetry, _ := c.HandleError(NewError(KindNetwork, "QUOTA_EXCEEDED for user", nil), Context{Recoverable: true})
	assert.False(t, shouldRetry)
}

func TestHandleError_NotifiesSubscribersAndBoundsHistory(t *testing.T) {
	c := NewClassifier(nil, log.NewLogger())

	var reports []Report
	c.Subscribe(func(r Report) {
		reports = append(reports, r)
	})

	for i := 0; i < historyCap+10; i++ {
		c.HandleError(NewError(KindServer, "503 unavailable", nil), Context{RetryCount: 0, Recoverable: true})
	}

	assert.Len(t, reports, historyCap+10)
	assert.Len(t, c.History(), historyCap)
	require.NotEmpty(t, reports)
	assert.Equal(t, KindServer, reports[0].Kind)
	assert.Equal(t, Recommendation(KindServer), reports[0].Recommendation)
}
