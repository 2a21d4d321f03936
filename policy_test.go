package tilth

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelays(t *testing.T) {
	fixed := BackoffStrategy{Kind: BackoffFixed, Delay: Duration(5 * time.Second)}
	assert.Equal(t, 5*time.Second, fixed.DelayFor(1))
	assert.Equal(t, 5*time.Second, fixed.DelayFor(4))

	linear := BackoffStrategy{Kind: BackoffLinear, Initial: Duration(time.Second), Increment: Duration(2 * time.Second)}
	assert.Equal(t, 3*time.Second, linear.DelayFor(1))
	assert.Equal(t, 5*time.Second, linear.DelayFor(2))
	assert.Equal(t, 7*time.Second, linear.DelayFor(3))

	exponential := BackoffStrategy{Kind: BackoffExponential, Initial: Duration(time.Second), Multiplier: 2.0}
	assert.Equal(t, 1*time.Second, exponential.DelayFor(1))
	assert.Equal(t, 2*time.Second, exponential.DelayFor(2))
	assert.Equal(t, 4*time.Second, exponential.DelayFor(3))
	assert.Equal(t, 8*time.Second, exponential.DelayFor(4))

	fibonacci := BackoffStrategy{Kind: BackoffFibonacci, Initial: Duration(time.Second)}
	assert.Equal(t, 1*time.Second, fibonacci.DelayFor(1))
	assert.Equal(t, 1*time.Second, fibonacci.DelayFor(2))
	assert.Equal(t, 2*time.Second, fibonacci.DelayFor(3))
	assert.Equal(t, 3*time.Second, fibonacci.DelayFor(4))
	assert.Equal(t, 5*time.Second, fibonacci.DelayFor(5))
}

func TestBackoffYAMLForms(t *testing.T) {
	wf, err := LoadString(`
name: backoff-forms
map:
  input: items.json
  steps:
    - shell: "true"
error_policy:
  on_item_failure: retry
  retry_config:
    max_attempts: 4
    backoff:
      linear: {initial: 1s, increment: 2s}
`)
	require.NoError(t, err)
	require.NotNil(t, wf.ErrorPolicy.Retry)
	assert.Equal(t, 4, wf.ErrorPolicy.Retry.MaxAttempts)
	assert.Equal(t, BackoffLinear, wf.ErrorPolicy.Retry.Backoff.Kind)
	assert.Equal(t, Duration(time.Second), wf.ErrorPolicy.Retry.Backoff.Initial)
	assert.Equal(t, Duration(2*time.Second), wf.ErrorPolicy.Retry.Backoff.Increment)
}

func newTestEngine(t *testing.T, policy *ErrorPolicy) *PolicyEngine {
	t.Helper()
	engine, err := NewPolicyEngine(PolicyEngineOptions{Policy: policy})
	require.NoError(t, err)
	return engine
}

func TestPolicyDefaultDeadLetters(t *testing.T) {
	engine := newTestEngine(t, nil)

	action := engine.OnItemFailure("item-0", 1, errors.New("boom"))
	assert.Equal(t, ActionDeadLetter, action.Kind)

	metrics := engine.Metrics()
	assert.Equal(t, 1, metrics.Failed)
	assert.Equal(t, 1, metrics.TotalItems)
}

func TestPolicyRetryBudget(t *testing.T) {
	engine := newTestEngine(t, &ErrorPolicy{
		OnItemFailure: FailureActionRetry,
		Retry: &RetryConfig{
			MaxAttempts: 3,
			Backoff:     BackoffStrategy{Kind: BackoffFixed, Delay: Duration(time.Second)},
		},
	})

	err := errors.New("transient")
	action := engine.OnItemFailure("item-0", 1, err)
	assert.Equal(t, ActionRetry, action.Kind)
	assert.Equal(t, time.Second, action.Delay)

	action = engine.OnItemFailure("item-0", 2, err)
	assert.Equal(t, ActionRetry, action.Kind)

	// Third failure exhausts the budget and degrades to dead-lettering.
	action = engine.OnItemFailure("item-0", 3, err)
	assert.Equal(t, ActionDeadLetter, action.Kind)

	metrics := engine.Metrics()
	assert.Equal(t, 1, metrics.Failed)
	assert.Equal(t, 1, metrics.TotalItems)
}

func TestPolicySkipAccounting(t *testing.T) {
	engine := newTestEngine(t, &ErrorPolicy{OnItemFailure: FailureActionSkip})

	action := engine.OnItemFailure("item-0", 1, errors.New("boom"))
	assert.Equal(t, ActionSkip, action.Kind)

	metrics := engine.Metrics()
	assert.Equal(t, 0, metrics.Failed)
	assert.Equal(t, 1, metrics.Skipped)
}

func TestPolicyFatalErrorStops(t *testing.T) {
	engine := newTestEngine(t, &ErrorPolicy{
		OnItemFailure: FailureActionRetry,
		Retry:         &RetryConfig{MaxAttempts: 5},
	})

	// Fatal errors bypass the retry budget entirely.
	action := engine.OnItemFailure("item-0", 1, NewWorkflowError(ErrorTypeFatal, "unrecoverable"))
	assert.Equal(t, ActionStop, action.Kind)
	assert.True(t, engine.Stopped())
}

func TestPolicyMaxFailuresBoundary(t *testing.T) {
	engine := newTestEngine(t, &ErrorPolicy{
		OnItemFailure: FailureActionDLQ,
		MaxFailures:   2,
	})

	for i := 0; i < 8; i++ {
		engine.OnItemSuccess(fmt.Sprintf("ok-%d", i))
	}

	// Failures up to the limit dead-letter; the run keeps going.
	action := engine.OnItemFailure("bad-1", 1, errors.New("boom"))
	assert.Equal(t, ActionDeadLetter, action.Kind)
	action = engine.OnItemFailure("bad-2", 1, errors.New("boom"))
	assert.Equal(t, ActionDeadLetter, action.Kind)
	assert.False(t, engine.Stopped())

	// One more exceeds max_failures and stops the phase.
	action = engine.OnItemFailure("bad-3", 1, errors.New("boom"))
	assert.Equal(t, ActionStop, action.Kind)
	assert.True(t, engine.Stopped())

	metrics := engine.Metrics()
	assert.Equal(t, 8, metrics.Successful)
	assert.Equal(t, 3, metrics.Failed)
}

func TestPolicyFailureRateThreshold(t *testing.T) {
	engine := newTestEngine(t, &ErrorPolicy{
		OnItemFailure:    FailureActionDLQ,
		FailureThreshold: 0.5,
	})

	engine.OnItemSuccess("ok-1")
	action := engine.OnItemFailure("bad-1", 1, errors.New("boom"))
	assert.Equal(t, ActionDeadLetter, action.Kind)

	// Two failures out of three exceeds the 0.5 rate.
	action = engine.OnItemFailure("bad-2", 1, errors.New("boom"))
	assert.Equal(t, ActionStop, action.Kind)
}

func TestPolicyStopAction(t *testing.T) {
	engine := newTestEngine(t, &ErrorPolicy{OnItemFailure: FailureActionStop})

	action := engine.OnItemFailure("item-0", 1, errors.New("boom"))
	assert.Equal(t, ActionStop, action.Kind)
	assert.True(t, engine.Stopped())
}

func TestPolicyCircuitOpenFailuresAreNotRetried(t *testing.T) {
	engine := newTestEngine(t, &ErrorPolicy{
		OnItemFailure:  FailureActionRetry,
		Retry:          &RetryConfig{MaxAttempts: 5},
		CircuitBreaker: &CircuitBreakerConfig{FailureThreshold: 5},
	})

	rejection := NewWorkflowError(ErrorTypeCircuitOpen, "circuit breaker is open")
	action := engine.OnItemFailure("item-0", 1, rejection)
	assert.NotEqual(t, ActionRetry, action.Kind)

	// Rejections do not feed the breaker's failure count.
	assert.Equal(t, CircuitClosed, engine.Breaker().State())
}

func TestPolicyErrorCollectionImmediate(t *testing.T) {
	var reported [][]string
	engine, err := NewPolicyEngine(PolicyEngineOptions{
		Policy: &ErrorPolicy{
			OnItemFailure:   FailureActionDLQ,
			ErrorCollection: ErrorCollection{Mode: CollectImmediate},
		},
		Reporter: func(messages []string) { reported = append(reported, messages) },
	})
	require.NoError(t, err)

	engine.OnItemFailure("item-0", 1, errors.New("first"))
	engine.OnItemFailure("item-1", 1, errors.New("second"))
	require.Len(t, reported, 2)
	assert.Len(t, reported[0], 1)
	assert.Contains(t, reported[0][0], "first")
}

func TestPolicyErrorCollectionBatched(t *testing.T) {
	var reported [][]string
	engine, err := NewPolicyEngine(PolicyEngineOptions{
		Policy: &ErrorPolicy{
			OnItemFailure:   FailureActionDLQ,
			ErrorCollection: ErrorCollection{Mode: CollectBatched, BatchSize: 2},
		},
		Reporter: func(messages []string) { reported = append(reported, messages) },
	})
	require.NoError(t, err)

	engine.OnItemFailure("item-0", 1, errors.New("first"))
	assert.Empty(t, reported)
	engine.OnItemFailure("item-1", 1, errors.New("second"))
	require.Len(t, reported, 1)
	assert.Len(t, reported[0], 2)

	// A partial batch surfaces on flush.
	engine.OnItemFailure("item-2", 1, errors.New("third"))
	engine.Flush()
	require.Len(t, reported, 2)
	assert.Len(t, reported[1], 1)
}

func TestPolicyErrorCollectionAggregate(t *testing.T) {
	var reported [][]string
	engine, err := NewPolicyEngine(PolicyEngineOptions{
		Policy: &ErrorPolicy{OnItemFailure: FailureActionDLQ},
		Reporter: func(messages []string) { reported = append(reported, messages) },
	})
	require.NoError(t, err)

	engine.OnItemFailure("item-0", 1, errors.New("first"))
	engine.OnItemFailure("item-1", 1, errors.New("second"))
	assert.Empty(t, reported)

	engine.Flush()
	require.Len(t, reported, 1)
	assert.Len(t, reported[0], 2)
	assert.Len(t, engine.CollectedErrors(), 2)
}

func TestPolicyRestoreCounts(t *testing.T) {
	engine := newTestEngine(t, &ErrorPolicy{OnItemFailure: FailureActionDLQ, MaxFailures: 3})
	engine.restoreCounts(10, 7, 3, 0)

	metrics := engine.Metrics()
	assert.Equal(t, 10, metrics.TotalItems)
	assert.Equal(t, 7, metrics.Successful)
	assert.Equal(t, 3, metrics.Failed)

	// The restored failure count participates in threshold checks.
	action := engine.OnItemFailure("bad", 1, errors.New("boom"))
	assert.Equal(t, ActionStop, action.Kind)
}

func TestCircuitBreakerConfigDefaults(t *testing.T) {
	cfg := CircuitBreakerConfig{}
	cfg.applyDefaults()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 3, cfg.SuccessThreshold)
	assert.Equal(t, Duration(30*time.Second), cfg.Timeout)
	assert.Equal(t, 3, cfg.HalfOpenRequests)

	partial := CircuitBreakerConfig{FailureThreshold: 10}
	partial.applyDefaults()
	assert.Equal(t, 10, partial.FailureThreshold)
	assert.Equal(t, 3, partial.SuccessThreshold)
}
