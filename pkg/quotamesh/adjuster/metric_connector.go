package adjuster

import (
	"context"
	"log/slog"
	"time"

	"github.com/forgo/quotamesh/pkg/quotamesh/model"
	"github.com/forgo/quotamesh/pkg/quotamesh/reactor"
	"github.com/forgo/quotamesh/pkg/quotamesh/transport"
)

// metricRetryBackoff is how long a registration waits before re-selecting
// a metric server after a failure.
const metricRetryBackoff = 200 * time.Millisecond

// MetricConnector drives every climb adjuster's remote flow against the
// metric service: a unary Init per metric key, then periodic reports of
// the local call-metric ring and periodic queries for the cluster-wide
// aggregate, multiplexed over one Report stream and one Query stream per
// metric-server connection. A 404-class response code re-runs Init for
// the offending key before it reports again.
//
// All connector state lives on the reactor goroutine; stream recv loops
// and the unary Init hand results back via Reactor.Submit, the same
// discipline the rate-limit connector follows.
type MetricConnector struct {
	reactor  *reactor.Reactor
	resolver transport.ServiceResolver
	client   transport.MetricClient
	logger   *slog.Logger

	clusterNamespace string
	clusterService   string
	msgTimeout       time.Duration

	conns map[string]*metricConnection   // keyed by instance ID
	regs  map[string]*metricRegistration // keyed by MetricKey.String()
}

type metricRegistration struct {
	key transport.MetricKey
	adj *ClimbAdjuster

	connID      string
	initialized bool
	initPending bool
	stopped     bool

	reportTimer reactor.TimerHandle
	queryTimer  reactor.TimerHandle
}

type metricConnection struct {
	id   string
	host string
	port int
	// instance is remembered from selection time so every failure close
	// can circuit-break the server that went bad.
	instance transport.Instance

	reportStream transport.MetricReportStream
	queryStream  transport.MetricQueryStream
	closing      bool
	ready        bool
}

// NewMetricConnector builds a MetricConnector against the system metric
// cluster. msgTimeout bounds Init and stream dials; zero falls back to
// 1s.
func NewMetricConnector(r *reactor.Reactor, resolver transport.ServiceResolver, client transport.MetricClient, clusterNamespace, clusterService string, msgTimeout time.Duration, logger *slog.Logger) *MetricConnector {
	if msgTimeout <= 0 {
		msgTimeout = time.Second
	}
	return &MetricConnector{
		reactor:          r,
		resolver:         resolver,
		client:           client,
		logger:           logger,
		clusterNamespace: clusterNamespace,
		clusterService:   clusterService,
		msgTimeout:       msgTimeout,
		conns:            make(map[string]*metricConnection),
		regs:             make(map[string]*metricRegistration),
	}
}

// Register enrolls a's ring under key and starts its init/report/query
// cycle. Safe to call from any goroutine.
func (mc *MetricConnector) Register(a *ClimbAdjuster, key transport.MetricKey) {
	a.attachRemote()
	keyStr := key.String()
	a.onStop = func() { mc.unregister(keyStr) }
	mc.reactor.Submit(func() {
		if _, ok := mc.regs[keyStr]; ok {
			return
		}
		reg := &metricRegistration{key: key, adj: a}
		mc.regs[keyStr] = reg
		mc.syncTask(reg)
	})
}

func (mc *MetricConnector) unregister(keyStr string) {
	mc.reactor.Submit(func() {
		reg, ok := mc.regs[keyStr]
		if !ok {
			return
		}
		reg.stopped = true
		mc.reactor.CancelTimer(reg.reportTimer)
		mc.reactor.CancelTimer(reg.queryTimer)
		delete(mc.regs, keyStr)
	})
}

// syncTask drives one registration toward the reporting state: select a
// metric server by consistent hash, ensure its connection's streams are
// open, run the unary Init, then arm the report and query timers.
func (mc *MetricConnector) syncTask(reg *metricRegistration) {
	if reg.stopped || reg.initPending {
		return
	}

	hashKey := model.MetricID(reg.key.Service, reg.key.Labels)
	ctx, cancel := context.WithTimeout(context.Background(), mc.msgTimeout)
	inst, err := mc.resolver.SelectInstance(ctx, mc.clusterNamespace, mc.clusterService, hashKey)
	cancel()
	if err != nil {
		mc.rescheduleSync(reg)
		return
	}

	conn, ok := mc.conns[inst.ID]
	if !ok || conn.closing {
		if ok {
			delete(mc.conns, inst.ID)
		}
		conn = &metricConnection{id: inst.ID, host: inst.Host, port: inst.Port, instance: inst}
		mc.conns[inst.ID] = conn
		mc.openStreams(conn, inst)
		mc.rescheduleSync(reg)
		return
	}
	if !conn.ready {
		mc.rescheduleSync(reg)
		return
	}

	reg.connID = inst.ID
	if !reg.initialized {
		mc.runInit(reg, conn, inst)
		return
	}
	mc.armTimers(reg)
}

func (mc *MetricConnector) rescheduleSync(reg *metricRegistration) {
	mc.reactor.AddTimer(func() { mc.syncTask(reg) }, metricRetryBackoff, false)
}

// openStreams dials the Report and Query streams off the reactor
// goroutine and marks the connection ready (or tears it down) back on
// it.
func (mc *MetricConnector) openStreams(conn *metricConnection, inst transport.Instance) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mc.msgTimeout)
		defer cancel()
		report, err := mc.client.OpenReportStream(ctx, conn.host, conn.port)
		if err != nil {
			mc.reactor.Submit(func() { mc.closeConnection(conn, err) })
			return
		}
		query, err := mc.client.OpenQueryStream(ctx, conn.host, conn.port)
		if err != nil {
			_ = report.Close()
			mc.reactor.Submit(func() { mc.closeConnection(conn, err) })
			return
		}
		mc.resolver.ReportCallResult(inst, true)
		mc.reactor.Submit(func() {
			conn.reportStream = report
			conn.queryStream = query
			conn.ready = true
			go mc.recvLoop(conn, func() (transport.MetricResponse, error) { return report.Recv() })
			go mc.recvLoop(conn, func() (transport.MetricResponse, error) { return query.Recv() })
		})
	}()
}

func (mc *MetricConnector) recvLoop(conn *metricConnection, recv func() (transport.MetricResponse, error)) {
	for {
		resp, err := recv()
		if err != nil {
			mc.reactor.Submit(func() { mc.closeConnection(conn, err) })
			return
		}
		r := resp
		mc.reactor.Submit(func() { mc.onResponse(r) })
	}
}

// runInit performs the unary Init for one key off the reactor goroutine.
func (mc *MetricConnector) runInit(reg *metricRegistration, conn *metricConnection, inst transport.Instance) {
	reg.initPending = true
	cfg := reg.adj.ring.cfg
	req := transport.MetricInitRequest{
		Key:          reg.key,
		WindowSizeMs: cfg.WindowSizeMs,
		BucketSizeMs: cfg.bucketSizeMs(),
		Dimensions:   reg.adj.ring.Dimensions(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mc.msgTimeout)
		defer cancel()
		resp, err := mc.client.MetricInit(ctx, conn.host, conn.port, req)
		mc.reactor.Submit(func() {
			reg.initPending = false
			if reg.stopped {
				return
			}
			if err != nil || resp.Code != transport.MetricCodeOk {
				mc.resolver.ReportCallResult(inst, err == nil)
				if mc.logger != nil {
					mc.logger.Warn("quotamesh: metric init failed", "key", reg.key.String(), "error", err, "code", resp.Code)
				}
				mc.rescheduleSync(reg)
				return
			}
			reg.initialized = true
			mc.armTimers(reg)
		})
	}()
}

func (mc *MetricConnector) armTimers(reg *metricRegistration) {
	mc.reactor.CancelTimer(reg.reportTimer)
	mc.reactor.CancelTimer(reg.queryTimer)
	reportInterval := msToDuration(reg.adj.ring.cfg.ReportIntervalMs)
	queryInterval := msToDuration(reg.adj.judgeMs)
	reg.reportTimer = mc.reactor.AddTimer(func() { mc.reportTask(reg) }, reportInterval, true)
	reg.queryTimer = mc.reactor.AddTimer(func() { mc.queryTask(reg) }, queryInterval, true)
}

func (mc *MetricConnector) connFor(reg *metricRegistration) *metricConnection {
	conn, ok := mc.conns[reg.connID]
	if !ok || conn.closing || !conn.ready {
		return nil
	}
	return conn
}

// reportTask sends one serialized ring over the Report stream.
func (mc *MetricConnector) reportTask(reg *metricRegistration) {
	if reg.stopped || !reg.initialized {
		return
	}
	conn := mc.connFor(reg)
	if conn == nil {
		mc.syncTask(reg)
		return
	}
	req := reg.adj.serializeReport(reg.key, time.Now().UnixMilli())
	if err := conn.reportStream.Send(req); err != nil {
		mc.closeConnection(conn, err)
	}
}

// queryTask asks for the cluster-wide aggregate feeding the next judge
// cycle.
func (mc *MetricConnector) queryTask(reg *metricRegistration) {
	if reg.stopped || !reg.initialized {
		return
	}
	conn := mc.connFor(reg)
	if conn == nil {
		mc.syncTask(reg)
		return
	}
	q := transport.MetricQuery{Key: reg.key, WindowSizeMs: reg.adj.ring.cfg.WindowSizeMs}
	if err := conn.queryStream.Send(q); err != nil {
		mc.closeConnection(conn, err)
	}
}

// onResponse routes a report ack or query result to its registration. A
// 404-class code means the server no longer knows the key (restart,
// eviction): drop to uninitialized and re-run Init.
func (mc *MetricConnector) onResponse(resp transport.MetricResponse) {
	reg, ok := mc.regs[resp.Key.String()]
	if !ok || reg.stopped {
		return
	}
	if transport.MetricCodeIsNotFound(resp.Code) {
		reg.initialized = false
		mc.reactor.CancelTimer(reg.reportTimer)
		mc.reactor.CancelTimer(reg.queryTimer)
		mc.syncTask(reg)
		return
	}
	if resp.Code != transport.MetricCodeOk {
		return
	}
	if resp.Totals == nil {
		// Report ack; nothing to apply.
		return
	}
	data := HealthMetricData{
		Total:   resp.Totals[transport.MetricDimensionReq],
		Limit:   resp.Totals[MetricDimensionLimit],
		Error:   resp.Totals[transport.MetricDimensionError],
		Slow:    resp.Totals[transport.MetricDimensionSlow],
		Special: make(map[string]int64),
	}
	for name, v := range resp.Totals {
		switch name {
		case transport.MetricDimensionReq, MetricDimensionLimit, transport.MetricDimensionError, transport.MetricDimensionSlow:
		default:
			data.Special[name] = v
		}
	}
	reg.adj.applyAggregate(data, time.Now().UnixMilli())
}

// closeConnection tears a connection down, circuit-breaks the instance
// when the close was a failure, and sends every registration on it back
// through syncTask so they re-select a server.
func (mc *MetricConnector) closeConnection(conn *metricConnection, err error) {
	if conn.closing {
		return
	}
	conn.closing = true
	if err != nil {
		mc.resolver.ReportCallResult(conn.instance, false)
	}
	if mc.logger != nil && err != nil {
		mc.logger.Warn("quotamesh: metric connection closed", "connection", conn.id, "error", err)
	}
	if conn.reportStream != nil {
		_ = conn.reportStream.Close()
	}
	if conn.queryStream != nil {
		_ = conn.queryStream.Close()
	}
	delete(mc.conns, conn.id)
	for _, reg := range mc.regs {
		if reg.connID != conn.id {
			continue
		}
		reg.initialized = false
		mc.reactor.CancelTimer(reg.reportTimer)
		mc.reactor.CancelTimer(reg.queryTimer)
		mc.rescheduleSync(reg)
	}
}
