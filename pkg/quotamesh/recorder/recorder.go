package recorder

import "github.com/forgo/quotamesh/pkg/quotamesh/model"

// windowRecord is the minimal surface Recorder needs from a window; kept
// as an interface so this package never imports package window.
type windowRecord interface {
	CollectRecord() (perDuration map[int64]model.LimitRecordCount, shaping model.LimitRecordCount, thresholdChanges []model.ThresholdChange, any bool)
}

// Recorder drains one window's accumulated pass/limit counters and
// threshold-change log and forwards them to a Sink, labelled with the
// rule identity the manager supplies. One Recorder serves every window
// in the process; it holds no per-window state itself.
type Recorder struct {
	sink Sink
}

// New builds a Recorder writing to sink. A nil sink is replaced with
// NoopSink so callers never need a nil check.
func New(sink Sink) *Recorder {
	if sink == nil {
		sink = NoopSink{}
	}
	return &Recorder{sink: sink}
}

// Collect drains w and reports everything non-zero to the sink. Returns
// whether anything was reported, mirroring window.CollectRecord's own
// return so a caller can skip bookkeeping on a silent window.
func (r *Recorder) Collect(namespace, service, ruleID string, w windowRecord) bool {
	perDuration, shaping, changes, any := w.CollectRecord()
	if !any {
		return false
	}
	for durationMs, rec := range perDuration {
		if rec.PassCount != 0 {
			r.sink.ReportPass(namespace, service, ruleID, durationMs, rec.PassCount)
		}
		if rec.LimitCount != 0 {
			r.sink.ReportLimit(namespace, service, ruleID, durationMs, rec.LimitCount)
		}
	}
	if shaping.LimitCount != 0 {
		r.sink.ReportTrafficShapingLimit(namespace, service, ruleID, shaping.LimitCount)
	}
	for _, c := range changes {
		r.sink.ReportThresholdChange(namespace, service, ruleID, c.OldThreshold, c.NewThreshold, c.Reason)
	}
	return true
}
