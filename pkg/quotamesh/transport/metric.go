package transport

import "context"

// The metric service is the second remote the core talks to, distinct
// from the quota cluster: the climb adjuster reports per-window call
// metrics to it and queries back cluster-wide aggregates. Wire paths:
// /v1.MetricGRPC/Init (unary), /v1.MetricGRPC/Query and
// /v1.MetricGRPC/Report (both long-lived duplex streams).

// Metric response codes follow the control plane's HTTP-class-times-1000
// convention: 200xxx success, 404xxx key-unknown.
const (
	MetricCodeOk       int64 = 200000
	MetricCodeNotFound int64 = 404001
)

// MetricCodeIsNotFound reports whether code is 404-class, which obliges
// the client to re-run Init for the key before reporting again.
func MetricCodeIsNotFound(code int64) bool {
	return code/1000 == 404
}

// MetricKey identifies one stream of call metrics inside the metric
// service.
type MetricKey struct {
	Namespace string
	Service   string
	Subset    string
	Labels    string
	Role      string
}

func (k MetricKey) String() string {
	return k.Namespace + "|" + k.Service + "|" + k.Subset + "|" + k.Labels + "|" + k.Role
}

// Dimension types a metric report may carry. Special-error dimensions
// use their configured policy name instead.
const (
	MetricDimensionReq   = "reqCount"
	MetricDimensionError = "errorCount"
	MetricDimensionSlow  = "slowCount"
)

// MetricDimension is one dimension's serialized bucket values, oldest
// bucket first.
type MetricDimension struct {
	Type   string
	Values []int64
}

// MetricInitRequest registers a key with the metric service before any
// report for it is legal.
type MetricInitRequest struct {
	Key          MetricKey
	WindowSizeMs int64
	BucketSizeMs int64
	Dimensions   []string
}

// MetricRequest is one report on the Report stream: the client's local
// bucket values per dimension since the last report.
type MetricRequest struct {
	Key         MetricKey
	TimestampMs int64
	Dimensions  []MetricDimension
}

// MetricQuery asks the Query stream for the aggregated totals the
// service currently holds for a key across every reporting client.
type MetricQuery struct {
	Key          MetricKey
	WindowSizeMs int64
}

// MetricResponse answers an init, a report (ack) or a query. Totals is
// populated on query responses only: dimension type -> aggregated count
// over the queried window.
type MetricResponse struct {
	Code        int64
	Key         MetricKey
	TimestampMs int64
	Totals      map[string]int64
}

// MetricReportStream is the long-lived Report stream: each Send is acked
// by one Recv carrying the response code for that key.
type MetricReportStream interface {
	Send(req MetricRequest) error
	Recv() (MetricResponse, error)
	Close() error
}

// MetricQueryStream is the long-lived Query stream.
type MetricQueryStream interface {
	Send(q MetricQuery) error
	Recv() (MetricResponse, error)
	Close() error
}

// MetricClient abstracts the metric service transport: a unary Init per
// metric key plus the two long-lived streams every key on this
// connection multiplexes over.
type MetricClient interface {
	MetricInit(ctx context.Context, host string, port int, req MetricInitRequest) (MetricResponse, error)
	OpenReportStream(ctx context.Context, host string, port int) (MetricReportStream, error)
	OpenQueryStream(ctx context.Context, host string, port int) (MetricQueryStream, error)
}
