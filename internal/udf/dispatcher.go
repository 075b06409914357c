// Package udf implements the UDF dispatcher (spec §4.E): it refreshes a
// snapshot of currently-registered bus endpoints on a fixed period and
// invokes them with a tight timeout, collapsing every failure mode —
// unregistered endpoint, timeout, bus error, non-bool reply — onto the same
// "accepted, no attributes" no-op path, so a missing or misbehaving UDF can
// never drop telemetry (spec §9).
package udf

import (
	"context"
	"sync"
	"time"

	"firestige.xyz/otus/internal/log"
	"firestige.xyz/otus/internal/metrics"
)

// Requester is the subset of *bus.Bus the dispatcher needs. Kept as an
// interface so tests can substitute a fake bus without importing the real
// one.
type Requester interface {
	Request(ctx context.Context, topic string, msg any) (any, error)
	Endpoints() map[string]struct{}
}

// Request is the payload sent to a UDF endpoint: the original record plus an
// empty Attributes map the UDF is expected to populate.
type Request struct {
	Payload    any
	Attributes map[string]any
}

// Result is what Execute hands back to its callback: whether to keep the
// packet, and the filtered attribute set (string/bool entries only — spec
// §4.E: "retain only attribute entries whose values are string or bool;
// warn and drop others").
type Result struct {
	Accepted   bool
	Attributes map[string]any
}

// Callback receives the dispatch outcome.
type Callback func(Result)

// Dispatcher is one per-process instance; every aggregator shares it.
type Dispatcher struct {
	bus Requester

	checkPeriod      time.Duration
	executionTimeout time.Duration

	mu        sync.RWMutex
	snapshot  map[string]struct{}
	stopCh    chan struct{}
	stoppedWg sync.WaitGroup
}

// New creates a Dispatcher. checkPeriod defaults to 5m, executionTimeout to
// 100ms, matching spec §6 defaults.
func New(b Requester, checkPeriod, executionTimeout time.Duration) *Dispatcher {
	if checkPeriod <= 0 {
		checkPeriod = 5 * time.Minute
	}
	if executionTimeout <= 0 {
		executionTimeout = 100 * time.Millisecond
	}
	d := &Dispatcher{
		bus:              b,
		checkPeriod:      checkPeriod,
		executionTimeout: executionTimeout,
		snapshot:         make(map[string]struct{}),
		stopCh:           make(chan struct{}),
	}
	d.refresh()
	d.stoppedWg.Add(1)
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer d.stoppedWg.Done()
	ticker := time.NewTicker(d.checkPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.refresh()
		}
	}
}

func (d *Dispatcher) refresh() {
	snap := d.bus.Endpoints()
	d.mu.Lock()
	d.snapshot = snap
	d.mu.Unlock()
	log.GetLogger().WithField("count", len(snap)).Debug("udf: endpoint snapshot refreshed")
}

func (d *Dispatcher) known(endpoint string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.snapshot[endpoint]
	return ok
}

// noopSuccess is the single no-op-success tuple every failure path converges
// on: spec §9's "NO_RESULT_FUTURE path is also the error path".
func noopSuccess() Result {
	return Result{Accepted: true, Attributes: map[string]any{}}
}

// Execute dispatches payload to endpoint and invokes cb with the outcome.
// It never blocks past executionTimeout and never calls back with Accepted
// false except on an explicit `false` reply from the UDF.
func (d *Dispatcher) Execute(ctx context.Context, endpoint string, payload any, cb Callback) {
	if !d.known(endpoint) {
		metrics.UDFOutcomeTotal.WithLabelValues(endpoint, "no_endpoint").Inc()
		cb(noopSuccess())
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.executionTimeout)
	defer cancel()

	req := &Request{Payload: payload, Attributes: map[string]any{}}
	reply, err := d.bus.Request(reqCtx, endpoint, req)
	if err != nil {
		outcome := "error"
		if reqCtx.Err() != nil {
			outcome = "timeout"
		}
		metrics.UDFOutcomeTotal.WithLabelValues(endpoint, outcome).Inc()
		log.GetLogger().WithField("endpoint", endpoint).WithError(err).Warn("udf: dispatch failed, treating as no-op success")
		cb(noopSuccess())
		return
	}

	keep, ok := reply.(bool)
	if !ok {
		metrics.UDFOutcomeTotal.WithLabelValues(endpoint, "error").Inc()
		log.GetLogger().WithField("endpoint", endpoint).Warn("udf: non-bool reply, treating as no-op success")
		cb(noopSuccess())
		return
	}

	if !keep {
		metrics.UDFOutcomeTotal.WithLabelValues(endpoint, "rejected").Inc()
		cb(Result{Accepted: false})
		return
	}

	metrics.UDFOutcomeTotal.WithLabelValues(endpoint, "accepted").Inc()
	cb(Result{Accepted: true, Attributes: filterAttributes(req.Attributes)})
}

// filterAttributes drops any entry whose value is not a string or bool,
// warning once per dropped key (spec §4.E).
func filterAttributes(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		switch v.(type) {
		case string, bool:
			out[k] = v
		default:
			log.GetLogger().WithField("attribute", k).Warn("udf: dropping non-string/bool attribute")
		}
	}
	return out
}

// Close stops the periodic refresh loop.
func (d *Dispatcher) Close() {
	close(d.stopCh)
	d.stoppedWg.Wait()
}
