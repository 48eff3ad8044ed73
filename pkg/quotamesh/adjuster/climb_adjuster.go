package adjuster

import (
	"sync"
	"time"

	"github.com/forgo/quotamesh/pkg/quotamesh/bucket"
	"github.com/forgo/quotamesh/pkg/quotamesh/model"
	"github.com/forgo/quotamesh/pkg/quotamesh/reactor"
	"github.com/forgo/quotamesh/pkg/quotamesh/transport"
)

// ClimbAdjuster attaches to a window whose rule has adjuster.climb.enable
// set. It implements window.Adjuster: RecordResult feeds the call-metric
// ring, and a reactor timer runs the judge cycle that tunes the
// governing token bucket's local max in place.
//
// With a MetricConnector registration the judge consumes the metric
// service's cluster-wide aggregates; without one (local mode, or the
// metric service unreachable) it falls back to the local ring's own
// snapshot.
type ClimbAdjuster struct {
	ring   *CallMetricRing
	health *HealthMetricClimb
	target *bucket.TokenBucket

	reactor    *reactor.Reactor
	durationMs int64
	judgeMs    int64
	timer      reactor.TimerHandle

	stopOnce sync.Once
	// onStop detaches this adjuster from its MetricConnector, set at
	// registration time.
	onStop func()

	remoteMu       sync.Mutex
	remoteAttached bool
	remoteData     *HealthMetricData
	remoteAtMs     int64
}

// New builds a ClimbAdjuster for one window's governing Amount and
// starts its judge-cycle timer on r. target is the token bucket whose
// local max gets tuned.
func New(r *reactor.Reactor, cfg MetricConfig, policy TriggerPolicy, throttling Throttling, bounds Bounds, target *bucket.TokenBucket, durationMs int64) *ClimbAdjuster {
	a := &ClimbAdjuster{
		ring:       NewCallMetricRing(cfg, policy),
		health:     NewHealthMetricClimb(policy, throttling, bounds),
		target:     target,
		reactor:    r,
		durationMs: durationMs,
		judgeMs:    throttling.JudgeDurationMs,
	}
	a.timer = r.AddTimer(a.judge, msToDuration(throttling.JudgeDurationMs), true)
	return a
}

// RecordResult implements window.Adjuster.
func (a *ClimbAdjuster) RecordResult(result model.CallResult) {
	a.ring.Record(result.Result, result.ResponseTimeMs, result.ResponseCode)
}

// attachRemote marks this adjuster as metric-connector-driven: the judge
// stops draining the local ring (reports do that) and prefers the
// queried aggregate when one is fresh.
func (a *ClimbAdjuster) attachRemote() {
	a.remoteMu.Lock()
	a.remoteAttached = true
	a.remoteMu.Unlock()
}

// applyAggregate installs a query response's cluster-wide totals as the
// next judge cycle's input.
func (a *ClimbAdjuster) applyAggregate(d HealthMetricData, atMs int64) {
	a.remoteMu.Lock()
	a.remoteData = &d
	a.remoteAtMs = atMs
	a.remoteMu.Unlock()
}

// takeAggregate consumes the latest remote aggregate if one arrived
// within the last two judge cycles, so a dead metric stream degrades to
// local judging instead of freezing on stale data.
func (a *ClimbAdjuster) takeAggregate(nowMs int64) (HealthMetricData, bool) {
	a.remoteMu.Lock()
	defer a.remoteMu.Unlock()
	if a.remoteData == nil || nowMs-a.remoteAtMs > 2*a.judgeMs {
		return HealthMetricData{}, false
	}
	d := *a.remoteData
	a.remoteData = nil
	return d, true
}

// serializeReport drains the local ring into one metric report for key.
// Called by the MetricConnector on the reactor goroutine.
func (a *ClimbAdjuster) serializeReport(key transport.MetricKey, nowMs int64) transport.MetricRequest {
	req := a.ring.Serialize(key, nowMs)
	a.ring.Reset()
	return req
}

// judge runs one health-evaluate + tune cycle and, if the bucket's local
// max changed, applies it immediately so the next Allocate sees it.
func (a *ClimbAdjuster) judge() {
	now := time.Now().UnixMilli()
	snapshot, remote := a.takeAggregate(now)
	if !remote {
		snapshot = a.ring.Snapshot()
		a.remoteMu.Lock()
		drainLocal := !a.remoteAttached
		a.remoteMu.Unlock()
		if drainLocal {
			// Reports drain the ring when a metric connector owns it;
			// otherwise the judge cycle is the only consumer.
			a.ring.Reset()
		}
	}

	current := a.target.LocalMaxAmount()
	newMax, changed := a.health.TryAdjust(current, snapshot)
	if changed {
		a.target.UpdateLocalMaxAmount(newMax)
	}
}

// CollectThresholdChanges implements window.Adjuster, draining the
// health machine's change log for telemetry.
func (a *ClimbAdjuster) CollectThresholdChanges() []model.ThresholdChange {
	entries := a.health.collectLog(a.durationMs)
	if len(entries) == 0 {
		return nil
	}
	out := make([]model.ThresholdChange, len(entries))
	for i, e := range entries {
		out[i] = model.ThresholdChange{TimeMs: e.TimeMs, OldThreshold: e.Old, NewThreshold: e.New, Reason: e.Reason}
	}
	return out
}

// Stop cancels the judge-cycle timer and detaches from the metric
// connector. Idempotent; called when the owning window is deleted.
func (a *ClimbAdjuster) Stop() {
	a.stopOnce.Do(func() {
		a.reactor.CancelTimer(a.timer)
		if a.onStop != nil {
			a.onStop()
		}
	})
}
