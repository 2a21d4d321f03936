package tilth

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ItemFailureAction is the terminal action for a permanently failed work item.
type ItemFailureAction string

const (
	FailureActionDLQ   ItemFailureAction = "dlq"
	FailureActionRetry ItemFailureAction = "retry"
	FailureActionSkip  ItemFailureAction = "skip"
	FailureActionStop  ItemFailureAction = "stop"
)

// ErrorCollection is the strategy for surfacing item errors to the user.
// It governs reporting only, never control flow.
type ErrorCollection struct {
	Mode      string `yaml:"mode" json:"mode"` // aggregate | immediate | batched
	BatchSize int    `yaml:"size,omitempty" json:"size,omitempty"`
}

const (
	CollectAggregate = "aggregate"
	CollectImmediate = "immediate"
	CollectBatched   = "batched"
)

func (c *ErrorCollection) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var mode string
		if err := node.Decode(&mode); err != nil {
			return err
		}
		*c = ErrorCollection{Mode: mode}
		return nil
	}
	// batched: {size: N}
	var obj struct {
		Batched struct {
			Size int `yaml:"size"`
		} `yaml:"batched"`
	}
	if err := node.Decode(&obj); err != nil {
		return err
	}
	*c = ErrorCollection{Mode: CollectBatched, BatchSize: obj.Batched.Size}
	return nil
}

// BackoffStrategy maps a retry attempt number to the delay before the next
// attempt. The YAML form is an externally tagged union:
//
//	backoff: {fixed: {delay: 5s}}
//	backoff: {linear: {initial: 1s, increment: 2s}}
//	backoff: {exponential: {initial: 1s, multiplier: 2.0}}
//	backoff: {fibonacci: {initial: 1s}}
type BackoffStrategy struct {
	Kind       string   `json:"kind"`
	Delay      Duration `json:"delay,omitempty"`
	Initial    Duration `json:"initial,omitempty"`
	Increment  Duration `json:"increment,omitempty"`
	Multiplier float64  `json:"multiplier,omitempty"`
}

const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
	BackoffFibonacci   = "fibonacci"
)

// DefaultBackoff is exponential starting at one second and doubling.
func DefaultBackoff() BackoffStrategy {
	return BackoffStrategy{
		Kind:       BackoffExponential,
		Initial:    Duration(time.Second),
		Multiplier: 2.0,
	}
}

func (b *BackoffStrategy) UnmarshalYAML(node *yaml.Node) error {
	var tagged map[string]struct {
		Delay      Duration `yaml:"delay"`
		Initial    Duration `yaml:"initial"`
		Increment  Duration `yaml:"increment"`
		Multiplier float64  `yaml:"multiplier"`
	}
	if err := node.Decode(&tagged); err != nil {
		return err
	}
	if len(tagged) != 1 {
		return fmt.Errorf("backoff must have exactly one strategy, got %d", len(tagged))
	}
	for kind, params := range tagged {
		switch kind {
		case BackoffFixed, BackoffLinear, BackoffExponential, BackoffFibonacci:
		default:
			return fmt.Errorf("unknown backoff strategy %q", kind)
		}
		*b = BackoffStrategy{
			Kind:       kind,
			Delay:      params.Delay,
			Initial:    params.Initial,
			Increment:  params.Increment,
			Multiplier: params.Multiplier,
		}
	}
	return nil
}

// DelayFor returns the delay before the retry following attempt n (1-based).
func (b BackoffStrategy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch b.Kind {
	case BackoffFixed:
		return b.Delay.Std()
	case BackoffLinear:
		return b.Initial.Std() + time.Duration(attempt)*b.Increment.Std()
	case BackoffExponential:
		d := float64(b.Initial.Std())
		for i := 1; i < attempt; i++ {
			d *= b.Multiplier
		}
		return time.Duration(d)
	case BackoffFibonacci:
		return time.Duration(fib(attempt)) * b.Initial.Std()
	}
	return b.Delay.Std()
}

func fib(n int) int64 {
	a, b := int64(1), int64(1)
	for i := 2; i < n; i++ {
		a, b = b, a+b
	}
	if n <= 1 {
		return 1
	}
	return b
}

// RetryConfig controls item-level re-admission by the error policy engine.
// This budget is independent of the per-step max_attempts budget consumed
// inside a single agent execution.
type RetryConfig struct {
	MaxAttempts int             `yaml:"max_attempts" json:"max_attempts"`
	Backoff     BackoffStrategy `yaml:"backoff" json:"backoff"`
}

// DefaultRetryConfig allows three attempts with the default backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, Backoff: DefaultBackoff()}
}

// CircuitBreakerConfig configures the failure guard that prevents cascading
// retries against a failing dependency.
type CircuitBreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold" json:"success_threshold"`
	Timeout          Duration `yaml:"timeout" json:"timeout"`
	HalfOpenRequests int      `yaml:"half_open_requests" json:"half_open_requests"`
}

// DefaultCircuitBreakerConfig mirrors the defaults used in production:
// open after 5 failures, close after 3 successes, 30 second timeout,
// 3 probes allowed half-open.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          Duration(30 * time.Second),
		HalfOpenRequests: 3,
	}
}

func (c *CircuitBreakerConfig) applyDefaults() {
	d := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = d.HalfOpenRequests
	}
}

// ErrorPolicy is the declarative, per-run-immutable configuration that
// governs how map-phase item failures are handled.
type ErrorPolicy struct {
	OnItemFailure    ItemFailureAction     `yaml:"on_item_failure" json:"on_item_failure"`
	MaxFailures      int                   `yaml:"max_failures,omitempty" json:"max_failures,omitempty"`
	FailureThreshold float64               `yaml:"failure_threshold,omitempty" json:"failure_threshold,omitempty"`
	ErrorCollection  ErrorCollection       `yaml:"error_collection,omitempty" json:"error_collection,omitempty"`
	CircuitBreaker   *CircuitBreakerConfig `yaml:"circuit_breaker,omitempty" json:"circuit_breaker,omitempty"`
	Retry            *RetryConfig          `yaml:"retry_config,omitempty" json:"retry_config,omitempty"`
}

// DefaultErrorPolicy dead-letters failed items and keeps going.
func DefaultErrorPolicy() *ErrorPolicy {
	return &ErrorPolicy{
		OnItemFailure:   FailureActionDLQ,
		ErrorCollection: ErrorCollection{Mode: CollectAggregate},
	}
}

func (p *ErrorPolicy) validate() error {
	switch p.OnItemFailure {
	case "", FailureActionDLQ, FailureActionRetry, FailureActionSkip, FailureActionStop:
	default:
		return fmt.Errorf("invalid on_item_failure %q", p.OnItemFailure)
	}
	if p.FailureThreshold < 0 || p.FailureThreshold > 1 {
		return fmt.Errorf("failure_threshold must be in [0, 1], got %v", p.FailureThreshold)
	}
	if p.MaxFailures < 0 {
		return fmt.Errorf("max_failures must be non-negative")
	}
	switch p.ErrorCollection.Mode {
	case "", CollectAggregate, CollectImmediate, CollectBatched:
	default:
		return fmt.Errorf("invalid error_collection mode %q", p.ErrorCollection.Mode)
	}
	return nil
}

// ActionKind is the policy engine's decision about a work item result.
type ActionKind string

const (
	ActionContinue   ActionKind = "continue"
	ActionRetry      ActionKind = "retry"
	ActionDeadLetter ActionKind = "dead_letter"
	ActionSkip       ActionKind = "skip"
	ActionStop       ActionKind = "stop"
)

// Action tells the coordinator what to do with a work item result.
type Action struct {
	Kind   ActionKind
	Delay  time.Duration
	Reason string
}

// ErrorMetrics is a point-in-time snapshot of map-phase error accounting.
type ErrorMetrics struct {
	TotalItems  int            `json:"total_items"`
	Successful  int            `json:"successful"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	FailureRate float64        `json:"failure_rate"`
	ErrorTypes  map[string]int `json:"error_types,omitempty"`
}

// ErrorReporter receives surfaced error messages per the configured
// collection strategy.
type ErrorReporter func(messages []string)

// PolicyEngine decides whether a work-item failure is retried,
// dead-lettered, skipped, or fatal, and owns the circuit breaker. The
// coordinator is the engine's only caller, so a single mutex is the one
// serialization point for all shared failure accounting.
type PolicyEngine struct {
	policy  *ErrorPolicy
	breaker *CircuitBreaker
	logger  *slog.Logger

	mu         sync.Mutex
	total      int
	successful int
	failed     int
	skipped    int
	errorTypes map[string]int
	collected  []string
	pending    []string
	reporter   ErrorReporter
	stopped    bool
}

// PolicyEngineOptions configures a PolicyEngine.
type PolicyEngineOptions struct {
	Policy   *ErrorPolicy
	Logger   *slog.Logger
	Reporter ErrorReporter
}

// NewPolicyEngine creates a policy engine for one run.
func NewPolicyEngine(opts PolicyEngineOptions) (*PolicyEngine, error) {
	policy := opts.Policy
	if policy == nil {
		policy = DefaultErrorPolicy()
	}
	if err := policy.validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	engine := &PolicyEngine{
		policy:     policy,
		logger:     logger,
		errorTypes: map[string]int{},
		reporter:   opts.Reporter,
	}
	if policy.CircuitBreaker != nil {
		cfg := *policy.CircuitBreaker
		cfg.applyDefaults()
		engine.breaker = NewCircuitBreaker(cfg)
	}
	return engine, nil
}

// Policy returns the engine's immutable configuration.
func (e *PolicyEngine) Policy() *ErrorPolicy {
	return e.policy
}

// Breaker returns the circuit breaker, or nil when none is configured.
func (e *PolicyEngine) Breaker() *CircuitBreaker {
	return e.breaker
}

// Admit checks whether a work item may execute. When the circuit is open the
// item fails fast without executing.
func (e *PolicyEngine) Admit() error {
	if e.breaker == nil {
		return nil
	}
	if !e.breaker.Allow() {
		return NewWorkflowError(ErrorTypeCircuitOpen, "circuit breaker is open")
	}
	return nil
}

// OnItemSuccess records a successful work item.
func (e *PolicyEngine) OnItemSuccess(itemID string) Action {
	if e.breaker != nil {
		e.breaker.RecordSuccess()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.total++
	e.successful++
	return Action{Kind: ActionContinue}
}

// OnItemFailure decides what happens to a failed work item. The attempt
// count is the number of executions the item has consumed so far.
func (e *PolicyEngine) OnItemFailure(itemID string, attempt int, err error) Action {
	wErr := ClassifyError(err)
	circuitRejected := wErr.Type == ErrorTypeCircuitOpen
	if e.breaker != nil && !circuitRejected {
		e.breaker.RecordFailure()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.errorTypes[wErr.Type]++
	e.collect(fmt.Sprintf("item %s attempt %d: %v", itemID, attempt, err))

	// Fatal errors bypass retry budgets entirely.
	if IsFatal(err) {
		e.total++
		e.failed++
		e.stopped = true
		return Action{Kind: ActionStop, Reason: wErr.Cause}
	}

	// Retry while budget remains. Items rejected by an open circuit skip
	// the retry budget and take the policy's terminal action immediately.
	if !circuitRejected && e.retryBudget() > attempt {
		delay := e.backoff().DelayFor(attempt)
		return Action{Kind: ActionRetry, Delay: delay}
	}

	// Budget exhausted: terminal accounting, then the policy's action.
	e.total++
	e.failed++

	if action, stop := e.thresholdExceeded(); stop {
		e.stopped = true
		return action
	}

	switch e.policy.OnItemFailure {
	case FailureActionStop:
		e.stopped = true
		return Action{Kind: ActionStop, Reason: fmt.Sprintf("item %s failed: %v", itemID, err)}
	case FailureActionSkip:
		e.failed--
		e.skipped++
		return Action{Kind: ActionSkip}
	case FailureActionRetry, FailureActionDLQ, "":
		// The retry action's budget is exhausted at this point; it
		// degrades to dead-lettering, the default.
		return Action{Kind: ActionDeadLetter, Reason: wErr.Cause}
	}
	return Action{Kind: ActionDeadLetter, Reason: wErr.Cause}
}

// Stopped reports whether the engine has signalled a phase stop.
func (e *PolicyEngine) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// retryBudget returns the total execution budget per item.
func (e *PolicyEngine) retryBudget() int {
	if e.policy.Retry != nil {
		if e.policy.Retry.MaxAttempts > 0 {
			return e.policy.Retry.MaxAttempts
		}
		return DefaultRetryConfig().MaxAttempts
	}
	if e.policy.OnItemFailure == FailureActionRetry {
		return DefaultRetryConfig().MaxAttempts
	}
	return 1
}

func (e *PolicyEngine) backoff() BackoffStrategy {
	if e.policy.Retry != nil && e.policy.Retry.Backoff.Kind != "" {
		return e.policy.Retry.Backoff
	}
	return DefaultBackoff()
}

// thresholdExceeded checks max_failures and the aggregate failure-rate
// threshold. Caller holds the mutex.
func (e *PolicyEngine) thresholdExceeded() (Action, bool) {
	if e.policy.MaxFailures > 0 && e.failed > e.policy.MaxFailures {
		return Action{
			Kind:   ActionStop,
			Reason: fmt.Sprintf("failure count %d exceeded max_failures %d", e.failed, e.policy.MaxFailures),
		}, true
	}
	if e.policy.FailureThreshold > 0 && e.total > 0 {
		rate := float64(e.failed) / float64(e.total)
		if rate > e.policy.FailureThreshold {
			return Action{
				Kind:   ActionStop,
				Reason: fmt.Sprintf("failure rate %.2f exceeded threshold %.2f", rate, e.policy.FailureThreshold),
			}, true
		}
	}
	return Action{}, false
}

// collect buffers or surfaces an error message per the collection strategy.
// Caller holds the mutex.
func (e *PolicyEngine) collect(msg string) {
	e.collected = append(e.collected, msg)
	switch e.policy.ErrorCollection.Mode {
	case CollectImmediate:
		e.report([]string{msg})
	case CollectBatched:
		e.pending = append(e.pending, msg)
		size := e.policy.ErrorCollection.BatchSize
		if size <= 0 {
			size = 10
		}
		if len(e.pending) >= size {
			e.report(e.pending)
			e.pending = nil
		}
	}
}

func (e *PolicyEngine) report(messages []string) {
	if e.reporter != nil {
		e.reporter(messages)
	}
	for _, msg := range messages {
		e.logger.Warn("item error", "error", msg)
	}
}

// Flush surfaces any errors still buffered by the aggregate or batched
// collection strategies. Called once at the end of the map phase.
func (e *PolicyEngine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.policy.ErrorCollection.Mode {
	case CollectBatched:
		if len(e.pending) > 0 {
			e.report(e.pending)
			e.pending = nil
		}
	case CollectAggregate, "":
		if len(e.collected) > 0 {
			e.report(e.collected)
		}
	}
}

// CollectedErrors returns all error messages recorded so far.
func (e *PolicyEngine) CollectedErrors() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.collected))
	copy(out, e.collected)
	return out
}

// Metrics returns a snapshot of the engine's error accounting.
func (e *PolicyEngine) Metrics() ErrorMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := ErrorMetrics{
		TotalItems: e.total,
		Successful: e.successful,
		Failed:     e.failed,
		Skipped:    e.skipped,
		ErrorTypes: make(map[string]int, len(e.errorTypes)),
	}
	if e.total > 0 {
		m.FailureRate = float64(e.failed) / float64(e.total)
	}
	for k, v := range e.errorTypes {
		m.ErrorTypes[k] = v
	}
	return m
}

// restoreCounts rehydrates aggregate counters from a checkpoint.
func (e *PolicyEngine) restoreCounts(total, successful, failed, skipped int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.total = total
	e.successful = successful
	e.failed = failed
	e.skipped = skipped
}
