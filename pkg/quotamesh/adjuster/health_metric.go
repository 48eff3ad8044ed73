package adjuster

import (
	"fmt"
	"sync"
	"time"
)

// HealthMetricData is one judge cycle's summed call outcomes.
type HealthMetricData struct {
	Total   int64
	Limit   int64
	Slow    int64
	Error   int64
	Special map[string]int64
}

// tuneState is the climb adjuster's finite state, per spec.md 4.6.
type tuneState int

const (
	stateKeeping tuneState = iota
	stateTuningUp
	stateTuningDown
)

// HealthMetricClimb evaluates HealthMetricData against a TriggerPolicy
// and drives the tune-up/tune-down finite state machine described in
// spec.md 4.6, grounded on the original climb_health_metric logic:
// unhealthy increments a tune-down trigger counter and, once past the
// soft floor, only acts every tuneDownPeriod cycles; healthy-with-limits
// does the mirrored thing for tune-up.
type HealthMetricClimb struct {
	policy     TriggerPolicy
	throttling Throttling
	bounds     Bounds

	mu      sync.Mutex
	state   tuneState
	trigger int64
	log     []changeEntry
}

type changeEntry struct {
	timeMs int64
	old    int64
	new    int64
	reason string
}

// NewHealthMetricClimb builds a climb state machine for one window's
// governing Amount.
func NewHealthMetricClimb(policy TriggerPolicy, throttling Throttling, bounds Bounds) *HealthMetricClimb {
	return &HealthMetricClimb{policy: policy, throttling: throttling, bounds: bounds}
}

// IsUnhealthy evaluates the trigger policy against one judge cycle's
// data, per spec.md 4.6: the slow-rate check runs whenever enabled; the
// error-rate and per-special checks are gated on request volume.
func (h *HealthMetricClimb) IsUnhealthy(d HealthMetricData) bool {
	normal := d.Total - d.Limit
	if normal <= 0 {
		return false
	}

	if h.policy.SlowRate.Enable {
		if normal*h.policy.SlowRate.SlowRatePercent < d.Slow*100 {
			return true
		}
	}

	if h.policy.ErrorRate.Enable && d.Total > h.policy.ErrorRate.RequestVolumeThreshold {
		if normal*h.policy.ErrorRate.ErrorRatePercent < d.Error*100 {
			return true
		}
	}

	if d.Total > h.policy.ErrorRate.RequestVolumeThreshold {
		for _, sp := range h.policy.ErrorSpecials {
			count := d.Special[sp.Name]
			if normal*sp.ErrorRatePercent < count*100 {
				return true
			}
		}
	}

	return false
}

// TryAdjust runs one judge cycle: evaluates health, advances the state
// machine, and returns the new maxAmount if it changed (ok=false means
// no change this cycle).
func (h *HealthMetricClimb) TryAdjust(currentMax int64, d HealthMetricData) (newMax int64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	unhealthy := h.IsUnhealthy(d)

	switch {
	case unhealthy:
		h.state = stateTuningDown
		h.trigger++
		return h.tuneDown(currentMax)
	case d.Limit > 0:
		h.state = stateTuningUp
		return h.tuneUp(currentMax, d)
	default:
		h.state = stateKeeping
		h.trigger = 0
		return currentMax, false
	}
}

// tuneDown implements spec.md 4.6's tune-down rules exactly.
func (h *HealthMetricClimb) tuneDown(max int64) (int64, bool) {
	if max <= h.bounds.MinAmount {
		return max, false
	}
	if max <= h.bounds.StartAmount {
		newMax := max * h.throttling.ColdBelowTuneDownRate / 100
		if newMax < h.bounds.MinAmount {
			newMax = h.bounds.MinAmount
		}
		h.trigger = 0
		if newMax != max {
			h.record(max, newMax, "unhealthy below soft floor")
		}
		return newMax, newMax != max
	}
	if h.trigger < h.throttling.TuneDownPeriod {
		return max, false
	}
	newMax := max * h.throttling.ColdAboveTuneDownRate / 100
	if newMax < h.bounds.StartAmount {
		newMax = h.bounds.StartAmount
	}
	h.trigger = 0
	if newMax != max {
		h.record(max, newMax, "unhealthy above soft floor")
	}
	return newMax, newMax != max
}

// tuneUp implements spec.md 4.6's tune-up rules exactly, using ceiling
// division as the original does. Below the soft floor it acts every
// cycle; above it, the trigger counter only advances when the limit
// rate itself crosses limitThresholdToTuneUp, and tuning only fires
// once that counter reaches tuneUpPeriod.
func (h *HealthMetricClimb) tuneUp(max int64, d HealthMetricData) (int64, bool) {
	if max <= h.bounds.StartAmount {
		newMax := ceilDiv(max*100, h.throttling.ColdBelowTuneUpRate)
		if newMax > h.bounds.StartAmount {
			newMax = h.bounds.StartAmount
		}
		h.trigger = 0
		if newMax != max {
			h.record(max, newMax, "healthy below soft floor")
		}
		return newMax, newMax != max
	}

	if d.Limit*100 <= d.Total*h.throttling.LimitThresholdToTuneUp {
		return max, false
	}
	h.trigger++
	if h.trigger < h.throttling.TuneUpPeriod {
		return max, false
	}
	newMax := ceilDiv(max*100, h.throttling.ColdAboveTuneUpRate)
	if newMax > h.bounds.EndAmount {
		newMax = h.bounds.EndAmount
	}
	h.trigger = 0
	if newMax != max {
		h.record(max, newMax, "healthy above soft floor")
	}
	return newMax, newMax != max
}

func ceilDiv(a, b int64) int64 {
	if b == 0 {
		return a
	}
	return (a + b - 1) / b
}

func (h *HealthMetricClimb) record(old, new int64, reason string) {
	h.log = append(h.log, changeEntry{
		timeMs: time.Now().UnixMilli(),
		old:    old,
		new:    new,
		reason: reason,
	})
}

// collectLog drains the threshold-change log, formatting entries as
// "<amount>/<duration_s>s" strings against durationMs.
func (h *HealthMetricClimb) collectLog(durationMs int64) []thresholdChange {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.log) == 0 {
		return nil
	}
	out := make([]thresholdChange, len(h.log))
	durSec := durationMs / 1000
	for i, e := range h.log {
		out[i] = thresholdChange{
			TimeMs: e.timeMs,
			Old:    fmt.Sprintf("%d/%ds", e.old, durSec),
			New:    fmt.Sprintf("%d/%ds", e.new, durSec),
			Reason: e.reason,
		}
	}
	h.log = nil
	return out
}

type thresholdChange struct {
	TimeMs int64
	Old    string
	New    string
	Reason string
}
