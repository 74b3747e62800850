// Package breaker provides a per-target circuit breaker registry used to
// protect the router from repeatedly hammering a failing child process or
// upstream enhancement endpoint.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config holds the defaults applied to every breaker the registry
// lazily constructs.
type Config struct {
	// FailureThreshold is the number of consecutive failures needed to
	// trip the circuit.
	FailureThreshold uint32
	// RecoveryTimeout is how long an Open breaker waits before allowing
	// a half-open probe.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls caps concurrent probes while HalfOpen.
	HalfOpenMaxCalls uint32
	// SuccessThreshold is accepted for configuration parity but not
	// consulted: a HalfOpen breaker closes after HalfOpenMaxCalls
	// consecutive successful probes (gobreaker's MaxRequests).
	SuccessThreshold uint32
}

// Snapshot reports the observable state of one named breaker.
type Snapshot struct {
	Name                string
	State               gobreaker.State
	ConsecutiveFailures uint32
	Trips               int64
}

// breaker wraps one gobreaker.CircuitBreaker with the opened_at bookkeeping
// gobreaker itself does not expose, plus a count of successful half-open
// probes; that count is not read when deciding whether to close.
type breaker struct {
	name     string
	cb       *gobreaker.CircuitBreaker
	settings gobreaker.Settings

	openedAt atomic.Value // time.Time

	halfOpenSuccesses atomic.Int32
	trips             atomic.Int64

	metrics *breakerMetrics
}

type breakerMetrics struct {
	stateGauge prometheus.Gauge
	tripsTotal prometheus.Counter
}

// Registry lazily constructs and serves one breaker per target name.
type Registry struct {
	cfg      Config
	logger   *zap.Logger
	registry *prometheus.Registry

	breakers sync.Map // name -> *breaker
	mu       sync.Mutex
}

// NewRegistry creates a Registry applying cfg to every breaker it
// constructs. registry may be nil, in which case no metrics are registered
// (used in tests).
func NewRegistry(cfg Config, logger *zap.Logger, registry *prometheus.Registry) *Registry {
	return &Registry{cfg: cfg, logger: logger, registry: registry}
}

func (r *Registry) getOrCreate(name string) *breaker {
	if v, ok := r.breakers.Load(name); ok {
		return v.(*breaker)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.breakers.Load(name); ok {
		return v.(*breaker)
	}

	b := &breaker{name: name}

	if r.registry != nil {
		b.metrics = &breakerMetrics{
			stateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
				Name:        "router_breaker_state",
				Help:        "Circuit breaker state (0=closed, 1=half-open, 2=open)",
				ConstLabels: prometheus.Labels{"target": name},
			}),
			tripsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name:        "router_breaker_trips_total",
				Help:        "Total number of times this breaker has tripped open",
				ConstLabels: prometheus.Labels{"target": name},
			}),
		}
		r.registry.MustRegister(b.metrics.stateGauge)
		r.registry.MustRegister(b.metrics.tripsTotal)
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: r.cfg.HalfOpenMaxCalls,
		Interval:    0, // never reset Closed-state counts on a timer; only ReadyToTrip matters
		Timeout:     r.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
		OnStateChange: func(bname string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				b.openedAt.Store(time.Now())
				b.trips.Add(1)
				if b.metrics != nil {
					b.metrics.stateGauge.Set(2)
					b.metrics.tripsTotal.Inc()
				}
			case gobreaker.StateHalfOpen:
				b.halfOpenSuccesses.Store(0)
				if b.metrics != nil {
					b.metrics.stateGauge.Set(1)
				}
			case gobreaker.StateClosed:
				b.halfOpenSuccesses.Store(0)
				if b.metrics != nil {
					b.metrics.stateGauge.Set(0)
				}
			}
			if r.logger != nil {
				r.logger.Info("circuit breaker state changed",
					zap.String("target", bname),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			}
		},
	}
	b.settings = settings
	b.cb = gobreaker.NewCircuitBreaker(settings)

	actual, _ := r.breakers.LoadOrStore(name, b)
	return actual.(*breaker)
}

// Permit represents a reservation obtained from Check. The caller must
// call Record exactly once with the outcome of the work it gated.
type Permit struct {
	name     string
	resultCh chan error
	done     chan error
}

// Record reports the outcome of the work this permit gated and returns once
// the breaker has applied it. Record must be called exactly once per Permit.
func (p *Permit) Record(err error) {
	p.resultCh <- err
	<-p.done
}

// Check asks whether a call against name may proceed. On success it
// returns a Permit; the caller does its work and then calls Permit.Record
// with the outcome. On rejection it returns a CircuitOpenError describing
// how long to wait before retrying.
func (r *Registry) Check(name string) (*Permit, *CircuitOpenError) {
	b := r.getOrCreate(name)

	started := make(chan struct{})
	resultCh := make(chan error, 1)
	done := make(chan error, 1)

	go func() {
		_, err := b.cb.Execute(func() (interface{}, error) {
			close(started)
			innerErr := <-resultCh
			if innerErr == nil {
				if b.cb.State() == gobreaker.StateHalfOpen {
					b.halfOpenSuccesses.Add(1)
				}
			}
			return nil, innerErr
		})
		done <- err
	}()

	select {
	case <-started:
		return &Permit{name: name, resultCh: resultCh, done: done}, nil
	case err := <-done:
		_ = err // gobreaker.ErrOpenState or gobreaker.ErrTooManyRequests
		return nil, &CircuitOpenError{Target: name, RetryAfterSeconds: r.retryAfterSeconds(b)}
	}
}

func (r *Registry) retryAfterSeconds(b *breaker) int {
	opened, ok := b.openedAt.Load().(time.Time)
	if !ok {
		return 0
	}
	remaining := r.cfg.RecoveryTimeout - time.Since(opened)
	if remaining < 0 {
		return 0
	}
	return int(remaining.Seconds() + 0.5)
}

// Exists reports whether a breaker has been constructed for name, i.e.
// whether it has ever been passed to Check. It never constructs one as a
// side effect, unlike Check/Reset/getOrCreate.
func (r *Registry) Exists(name string) bool {
	_, ok := r.breakers.Load(name)
	return ok
}

// Reset forces the named breaker back to Closed. Intended for
// administrative use (e.g. the /circuit-breakers/{name}/reset endpoint).
func (r *Registry) Reset(name string) {
	b := r.getOrCreate(name)
	b.cb = gobreaker.NewCircuitBreaker(b.settings)
	b.openedAt.Store(time.Time{})
	b.halfOpenSuccesses.Store(0)
	r.breakers.Store(name, b)
	if b.metrics != nil {
		b.metrics.stateGauge.Set(0)
	}
}

// Snapshot returns the observable state of every breaker the registry has
// constructed so far.
func (r *Registry) Snapshot() []Snapshot {
	var out []Snapshot
	r.breakers.Range(func(key, value interface{}) bool {
		b := value.(*breaker)
		out = append(out, Snapshot{
			Name:                key.(string),
			State:               b.cb.State(),
			ConsecutiveFailures: b.cb.Counts().ConsecutiveFailures,
			Trips:               b.trips.Load(),
		})
		return true
	})
	return out
}

// CircuitOpenError reports that a breaker rejected a Check call.
type CircuitOpenError struct {
	Target            string
	RetryAfterSeconds int
}

func (e *CircuitOpenError) Error() string {
	return "circuit open for " + e.Target
}
