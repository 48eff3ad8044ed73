// Package adjuster implements the climb adjuster: it observes call
// metrics through a ring buffer, evaluates window health against a
// configurable trigger policy, and tunes a window's governing amount
// up or down through a small finite state machine.
package adjuster

import (
	"sync"
	"time"

	"github.com/forgo/quotamesh/pkg/quotamesh/model"
	"github.com/forgo/quotamesh/pkg/quotamesh/transport"
)

// MetricDimensionLimit is reported alongside the dimensions named in
// transport: the tuning state machine consumes the cluster-wide limit
// count, so it has to travel with the report.
const MetricDimensionLimit = "limitCount"

type metricBucket struct {
	total   int64
	limit   int64
	slow    int64
	errorCt int64
	special map[string]int64
}

// CallMetricRing is a ring of per-bucket call-outcome tallies covering
// MetricConfig.WindowSizeMs of history at Precision resolution.
type CallMetricRing struct {
	cfg     MetricConfig
	policy  TriggerPolicy

	mu      sync.Mutex
	buckets []metricBucket
}

// NewCallMetricRing builds a ring sized per cfg.
func NewCallMetricRing(cfg MetricConfig, policy TriggerPolicy) *CallMetricRing {
	r := &CallMetricRing{cfg: cfg, policy: policy}
	r.buckets = make([]metricBucket, cfg.bucketCount())
	for i := range r.buckets {
		r.buckets[i].special = make(map[string]int64)
	}
	return r
}

func (r *CallMetricRing) bucketIndex(nowMs int64) int {
	size := r.cfg.bucketSizeMs()
	if size <= 0 {
		size = 1
	}
	return int((nowMs / size) % int64(len(r.buckets)))
}

// Record maps one call outcome into the current bucket, per spec.md
// 4.6: Limited -> limit++; Ok with slow response -> slow++; Failed ->
// the first matching special-error class, else the generic error
// counter. Every outcome also increments total.
func (r *CallMetricRing) Record(result model.LimitCallResultType, responseTimeMs int64, responseCode int) {
	now := time.Now().UnixMilli()
	r.mu.Lock()
	defer r.mu.Unlock()
	b := &r.buckets[r.bucketIndex(now)]
	b.total++

	switch result {
	case model.LimitCallResultLimited:
		b.limit++
	case model.LimitCallResultFailed:
		matched := false
		for _, sp := range r.policy.ErrorSpecials {
			if codeIn(responseCode, sp.Codes) {
				b.special[sp.Name]++
				matched = true
				break
			}
		}
		if !matched {
			b.errorCt++
		}
	case model.LimitCallResultOk:
		if r.policy.SlowRate.Enable && responseTimeMs >= r.policy.SlowRate.MaxRtMs {
			b.slow++
		}
	}
}

func codeIn(code int, codes []int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// Snapshot sums every active bucket into one HealthMetricData, as of
// now.
func (r *CallMetricRing) Snapshot() HealthMetricData {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := HealthMetricData{Special: make(map[string]int64)}
	for _, b := range r.buckets {
		out.Total += b.total
		out.Limit += b.limit
		out.Slow += b.slow
		out.Error += b.errorCt
		for name, v := range b.special {
			out.Special[name] += v
		}
	}
	return out
}

// Dimensions lists the dimension types this ring reports, in emission
// order: reqCount, limitCount and errorCount always, slowCount when the
// slow-rate policy is enabled, one per configured special type.
func (r *CallMetricRing) Dimensions() []string {
	dims := []string{transport.MetricDimensionReq, MetricDimensionLimit, transport.MetricDimensionError}
	if r.policy.SlowRate.Enable {
		dims = append(dims, transport.MetricDimensionSlow)
	}
	for _, sp := range r.policy.ErrorSpecials {
		dims = append(dims, sp.Name)
	}
	return dims
}

// Serialize renders the ring into one metric report for key: every
// dimension carries the full ring's bucket values (window size at
// precision resolution, plus the 2s slack buckets), oldest bucket first
// relative to nowMs.
func (r *CallMetricRing) Serialize(key transport.MetricKey, nowMs int64) transport.MetricRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.buckets)
	cur := r.bucketIndex(nowMs)
	ordered := make([]*metricBucket, 0, n)
	for i := 1; i <= n; i++ {
		ordered = append(ordered, &r.buckets[(cur+i)%n])
	}

	pick := func(f func(*metricBucket) int64) []int64 {
		values := make([]int64, n)
		for i, b := range ordered {
			values[i] = f(b)
		}
		return values
	}

	req := transport.MetricRequest{Key: key, TimestampMs: nowMs}
	req.Dimensions = append(req.Dimensions,
		transport.MetricDimension{Type: transport.MetricDimensionReq, Values: pick(func(b *metricBucket) int64 { return b.total })},
		transport.MetricDimension{Type: MetricDimensionLimit, Values: pick(func(b *metricBucket) int64 { return b.limit })},
		transport.MetricDimension{Type: transport.MetricDimensionError, Values: pick(func(b *metricBucket) int64 { return b.errorCt })},
	)
	if r.policy.SlowRate.Enable {
		req.Dimensions = append(req.Dimensions,
			transport.MetricDimension{Type: transport.MetricDimensionSlow, Values: pick(func(b *metricBucket) int64 { return b.slow })})
	}
	for _, sp := range r.policy.ErrorSpecials {
		name := sp.Name
		req.Dimensions = append(req.Dimensions,
			transport.MetricDimension{Type: name, Values: pick(func(b *metricBucket) int64 { return b.special[name] })})
	}
	return req
}

// Reset clears every bucket, e.g. after a judge cycle has consumed the
// snapshot (mirrors the original's per-cycle window roll).
func (r *CallMetricRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.buckets {
		r.buckets[i] = metricBucket{special: make(map[string]int64)}
	}
}
