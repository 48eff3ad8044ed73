package recorder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgo/quotamesh/pkg/quotamesh/model"
)

type fakeWindow struct {
	perDuration map[int64]model.LimitRecordCount
	shaping     model.LimitRecordCount
	changes     []model.ThresholdChange
	any         bool
}

func (f fakeWindow) CollectRecord() (map[int64]model.LimitRecordCount, model.LimitRecordCount, []model.ThresholdChange, bool) {
	return f.perDuration, f.shaping, f.changes, f.any
}

type fakeSink struct {
	passes           []int64
	limits           []int64
	trafficShaping   []int64
	thresholdChanges []string
}

func (s *fakeSink) ReportPass(_, _, _ string, _ int64, count int64)  { s.passes = append(s.passes, count) }
func (s *fakeSink) ReportLimit(_, _, _ string, _ int64, count int64) { s.limits = append(s.limits, count) }
func (s *fakeSink) ReportTrafficShapingLimit(_, _, _ string, count int64) {
	s.trafficShaping = append(s.trafficShaping, count)
}
func (s *fakeSink) ReportThresholdChange(_, _, _, _, _, reason string) {
	s.thresholdChanges = append(s.thresholdChanges, reason)
}

func TestCollectForwardsNonZeroCounters(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	r := New(sink)

	w := fakeWindow{
		perDuration: map[int64]model.LimitRecordCount{
			1000: {PassCount: 5, LimitCount: 2},
		},
		shaping: model.LimitRecordCount{LimitCount: 1},
		changes: []model.ThresholdChange{{Reason: "tune-up"}},
		any:     true,
	}

	reported := r.Collect("ns", "svc", "rule-1", w)
	require.True(t, reported)
	require.Equal(t, []int64{5}, sink.passes)
	require.Equal(t, []int64{2}, sink.limits)
	require.Equal(t, []int64{1}, sink.trafficShaping)
	require.Equal(t, []string{"tune-up"}, sink.thresholdChanges)
}

func TestCollectSkipsSilentWindow(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	r := New(sink)

	reported := r.Collect("ns", "svc", "rule-1", fakeWindow{any: false})
	require.False(t, reported)
	require.Empty(t, sink.passes)
}

func TestNewDefaultsNilSinkToNoop(t *testing.T) {
	t.Parallel()

	r := New(nil)
	w := fakeWindow{
		perDuration: map[int64]model.LimitRecordCount{1000: {PassCount: 1}},
		any:         true,
	}
	require.NotPanics(t, func() { r.Collect("ns", "svc", "rule-1", w) })
}

var _ Sink = (*fakeSink)(nil)
