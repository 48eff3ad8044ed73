package recorder

import "github.com/prometheus/client_golang/prometheus"

// PrometheusSink forwards every report as a labelled Prometheus counter,
// grounded on the *CounterVec pattern the pack's token-bucket middleware
// uses for its 429 counter. Registering it is the caller's
// responsibility (Register, below) so the demo binary and a host
// application can share one registry.
type PrometheusSink struct {
	pass            *prometheus.CounterVec
	limit           *prometheus.CounterVec
	trafficShaping  *prometheus.CounterVec
	thresholdChange *prometheus.CounterVec
}

// NewPrometheusSink builds the counter vectors. Call Register before use.
func NewPrometheusSink() *PrometheusSink {
	labels := []string{"namespace", "service", "rule_id", "duration_ms"}
	return &PrometheusSink{
		pass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotamesh_allocate_pass_total",
			Help: "Allocate calls admitted by a rate-limit window, per duration bucket.",
		}, labels),
		limit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotamesh_allocate_limit_total",
			Help: "Allocate calls rejected by a rate-limit window's token bucket, per duration bucket.",
		}, labels),
		trafficShaping: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotamesh_traffic_shaping_limit_total",
			Help: "Allocate calls rejected by the traffic-shaping bucket before reaching a token bucket.",
		}, []string{"namespace", "service", "rule_id"}),
		thresholdChange: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotamesh_climb_threshold_change_total",
			Help: "Climb adjuster tune-up/tune-down actions, per rule and reason.",
		}, []string{"namespace", "service", "rule_id", "reason"}),
	}
}

// Register adds every collector to reg.
func (s *PrometheusSink) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.pass, s.limit, s.trafficShaping, s.thresholdChange} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *PrometheusSink) ReportPass(namespace, service, ruleID string, durationMs, count int64) {
	if count == 0 {
		return
	}
	s.pass.WithLabelValues(namespace, service, ruleID, itoa(durationMs)).Add(float64(count))
}

func (s *PrometheusSink) ReportLimit(namespace, service, ruleID string, durationMs, count int64) {
	if count == 0 {
		return
	}
	s.limit.WithLabelValues(namespace, service, ruleID, itoa(durationMs)).Add(float64(count))
}

func (s *PrometheusSink) ReportTrafficShapingLimit(namespace, service, ruleID string, count int64) {
	if count == 0 {
		return
	}
	s.trafficShaping.WithLabelValues(namespace, service, ruleID).Add(float64(count))
}

func (s *PrometheusSink) ReportThresholdChange(namespace, service, ruleID, old, new, reason string) {
	s.thresholdChange.WithLabelValues(namespace, service, ruleID, reason).Inc()
}

var _ Sink = (*PrometheusSink)(nil)

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
