package adjuster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgo/quotamesh/pkg/quotamesh/bucket"
	"github.com/forgo/quotamesh/pkg/quotamesh/model"
	"github.com/forgo/quotamesh/pkg/quotamesh/reactor"
	"github.com/forgo/quotamesh/pkg/quotamesh/transport"
	"github.com/forgo/quotamesh/pkg/quotamesh/transport/fakeserver"
	"github.com/forgo/quotamesh/pkg/quotamesh/transport/resolver"
)

func TestSerializeEmitsConfiguredDimensions(t *testing.T) {
	t.Parallel()
	cfg := MetricConfig{WindowSizeMs: 10_000, Precision: 10, ReportIntervalMs: 1000}
	policy := TriggerPolicy{
		SlowRate:      SlowRatePolicy{Enable: true, MaxRtMs: 100, SlowRatePercent: 50},
		ErrorSpecials: []ErrorSpecialPolicy{{Name: "retriable", Codes: []int{503}, ErrorRatePercent: 30}},
	}
	ring := NewCallMetricRing(cfg, policy)

	ring.Record(model.LimitCallResultOk, 10, 200)
	ring.Record(model.LimitCallResultOk, 200, 200) // slow
	ring.Record(model.LimitCallResultLimited, 0, 0)
	ring.Record(model.LimitCallResultFailed, 10, 503) // special
	ring.Record(model.LimitCallResultFailed, 10, 500) // generic error

	key := transport.MetricKey{Namespace: "ns", Service: "svc", Role: "callee"}
	req := ring.Serialize(key, time.Now().UnixMilli())
	require.Equal(t, key, req.Key)

	byType := make(map[string][]int64)
	for _, d := range req.Dimensions {
		byType[d.Type] = d.Values
	}
	require.Len(t, byType, 5)
	// Every dimension covers the full ring: precision buckets plus the
	// 2s slack.
	wantBuckets := int(cfg.Precision) + int(2000/cfg.bucketSizeMs())
	require.Len(t, byType[transport.MetricDimensionReq], wantBuckets)

	sum := func(vs []int64) (total int64) {
		for _, v := range vs {
			total += v
		}
		return total
	}
	require.EqualValues(t, 5, sum(byType[transport.MetricDimensionReq]))
	require.EqualValues(t, 1, sum(byType[MetricDimensionLimit]))
	require.EqualValues(t, 1, sum(byType[transport.MetricDimensionError]))
	require.EqualValues(t, 1, sum(byType[transport.MetricDimensionSlow]))
	require.EqualValues(t, 1, sum(byType["retriable"]))
}

func TestSerializeOmitsSlowDimensionWhenDisabled(t *testing.T) {
	t.Parallel()
	ring := NewCallMetricRing(DefaultMetricConfig(), TriggerPolicy{})
	req := ring.Serialize(transport.MetricKey{Service: "svc"}, time.Now().UnixMilli())
	for _, d := range req.Dimensions {
		require.NotEqual(t, transport.MetricDimensionSlow, d.Type)
	}
}

// newMetricTestRig wires a reactor, resolver, fake metric server and one
// registered adjuster with fast timers so the init/report/query cycle
// completes inside a test.
func newMetricTestRig(t *testing.T) (*fakeserver.MetricServer, *ClimbAdjuster, *bucket.TokenBucket, transport.MetricKey) {
	t.Helper()

	r := reactor.New()
	go r.Run()
	t.Cleanup(func() {
		r.Stop()
		r.Wait()
	})

	res := resolver.New()
	res.SetInstances("ns", "metric", []transport.Instance{
		{ID: "metric-1", Host: "127.0.0.1", Port: 9001, Healthy: true},
	})
	server := fakeserver.NewMetricServer()

	mc := NewMetricConnector(r, res, server, "ns", "metric", time.Second, nil)

	cfg := MetricConfig{WindowSizeMs: 10_000, Precision: 10, ReportIntervalMs: 50}
	policy := TriggerPolicy{SlowRate: SlowRatePolicy{Enable: true, MaxRtMs: 100, SlowRatePercent: 50}}
	throttling := DefaultThrottling()
	throttling.JudgeDurationMs = 100
	throttling.TuneDownPeriod = 1

	target := bucket.NewTokenBucket(1000, 90)
	a := New(r, cfg, policy, throttling, Bounds{MinAmount: 5, StartAmount: 70, EndAmount: 200}, target, 1000)
	t.Cleanup(a.Stop)

	key := transport.MetricKey{Namespace: "ns", Service: "svc", Labels: "method=POST", Role: "callee"}
	mc.Register(a, key)
	return server, a, target, key
}

func TestMetricConnectorInitsAndReports(t *testing.T) {
	server, a, _, key := newMetricTestRig(t)

	require.Eventually(t, func() bool {
		return server.InitCount() >= 1
	}, 2*time.Second, 10*time.Millisecond, "registration should init against the metric server")

	for i := 0; i < 7; i++ {
		a.RecordResult(model.CallResult{Result: model.LimitCallResultOk, ResponseTimeMs: 10, ResponseCode: 200})
	}
	require.Eventually(t, func() bool {
		return server.Totals(key)[transport.MetricDimensionReq] >= 7
	}, 2*time.Second, 10*time.Millisecond, "reports should carry the recorded calls to the server")
}

func TestMetricConnectorReInitsAfterNotFound(t *testing.T) {
	server, a, _, _ := newMetricTestRig(t)

	require.Eventually(t, func() bool {
		return server.InitCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	server.ForgetAllKeys()
	// Keep traffic flowing so reports keep hitting the 404.
	a.RecordResult(model.CallResult{Result: model.LimitCallResultOk, ResponseTimeMs: 10, ResponseCode: 200})

	require.Eventually(t, func() bool {
		return server.InitCount() >= 2
	}, 3*time.Second, 10*time.Millisecond, "a 404-class response should force a re-init")
}

func TestQueriedAggregateDrivesTuneDown(t *testing.T) {
	server, _, target, key := newMetricTestRig(t)

	require.Eventually(t, func() bool {
		return server.InitCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// Feed an unhealthy cluster-wide picture: 60% of calls slow, above the
	// policy's 50% slow rate.
	server.SetTotals(key, map[string]int64{
		transport.MetricDimensionReq:  100,
		transport.MetricDimensionSlow: 60,
	})

	require.Eventually(t, func() bool {
		return target.LocalMaxAmount() < 90
	}, 3*time.Second, 10*time.Millisecond, "the judge should tune down on the queried aggregate")
}
