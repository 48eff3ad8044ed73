package adjuster

// MetricConfig controls the call-metric ring: window_size worth of
// history at precision buckets, plus how often it reports to the
// metric service.
type MetricConfig struct {
	WindowSizeMs     int64
	Precision        int64
	ReportIntervalMs int64
}

// DefaultMetricConfig matches spec.md 4.6's defaults.
func DefaultMetricConfig() MetricConfig {
	return MetricConfig{WindowSizeMs: 60_000, Precision: 100, ReportIntervalMs: 1_000}
}

func (c MetricConfig) bucketSizeMs() int64 {
	return c.WindowSizeMs / c.Precision
}

func (c MetricConfig) bucketCount() int {
	// spec.md 4.6: ring covers window_size at precision resolution, plus
	// 2s of slack so a report never races the oldest bucket rolling off.
	return int(c.Precision) + int(2000/c.bucketSizeMs())
}

// ErrorRatePolicy gates the error-rate health check on a minimum request
// volume, per spec.md 4.6.
type ErrorRatePolicy struct {
	Enable                 bool
	RequestVolumeThreshold int64
	ErrorRatePercent       int64
}

// SlowRatePolicy gates the slow-rate health check.
type SlowRatePolicy struct {
	Enable           bool
	MaxRtMs          int64
	SlowRatePercent  int64
}

// ErrorSpecialPolicy is one named class of error code treated separately
// from the generic error counter.
type ErrorSpecialPolicy struct {
	Name             string
	Codes            []int
	ErrorRatePercent int64
}

// TriggerPolicy is the full set of conditions HealthMetricClimb.IsUnhealthy
// evaluates.
type TriggerPolicy struct {
	SlowRate       SlowRatePolicy
	ErrorRate      ErrorRatePolicy
	ErrorSpecials  []ErrorSpecialPolicy
}

// Throttling is the tuning finite-state's rate table, per spec.md 4.6.
type Throttling struct {
	ColdBelowTuneDownRate   int64 // percent
	ColdBelowTuneUpRate     int64 // percent (divisor form: new = old*100/rate)
	ColdAboveTuneDownRate   int64 // percent
	ColdAboveTuneUpRate     int64 // percent (divisor form)
	LimitThresholdToTuneUp  int64 // percent
	JudgeDurationMs         int64
	TuneUpPeriod            int64 // cycles
	TuneDownPeriod          int64 // cycles
}

// DefaultThrottling gives a conservative default policy; real rules
// configure this from the control plane.
func DefaultThrottling() Throttling {
	return Throttling{
		ColdBelowTuneDownRate:  50,
		ColdBelowTuneUpRate:    65,
		ColdAboveTuneDownRate:  95,
		ColdAboveTuneUpRate:    80,
		LimitThresholdToTuneUp: 10,
		JudgeDurationMs:        10_000,
		TuneUpPeriod:           1,
		TuneDownPeriod:         2,
	}
}

// Bounds is the [minAmount, startAmount, endAmount] soft-floor/ceiling
// triple a window's Amount carries for climb tuning.
type Bounds struct {
	MinAmount   int64
	StartAmount int64
	EndAmount   int64
}
