// Package connector implements the rate-limit connector: a pool of
// per-server duplex connections that multiplex many windows' init and
// report traffic, synchronise clock skew against each server, and fail
// over windows to local fallback when a stream dies.
package connector

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgo/quotamesh/pkg/quotamesh/bucket"
	"github.com/forgo/quotamesh/pkg/quotamesh/model"
	"github.com/forgo/quotamesh/pkg/quotamesh/reactor"
	"github.com/forgo/quotamesh/pkg/quotamesh/transport"
	"github.com/forgo/quotamesh/pkg/quotamesh/window"
)

// connState is a Connection's lifecycle stage.
type connState int32

const (
	connInit connState = iota
	connConnecting
	connConnected
	connDisconnected
)

// resyncInterval is how often a live connection re-runs TimeAdjust,
// beyond the sync that happens on every successful init/report.
const resyncInterval = 60 * time.Second

// retryBackoff is how long a window waits before re-selecting a server
// after its connection failed.
const retryBackoff = 200 * time.Millisecond

// errResponseTimeout is the close reason when in-flight requests have
// gone unanswered past the message timeout.
var errResponseTimeout = errors.New("connector: no response within message timeout")

// Connection owns a single duplex stream to one quota-server host:port
// and the windows currently enrolled on it. All state is only ever
// mutated from the owning Connector's reactor goroutine; the recv loop
// and dial goroutine hand results back via Reactor.Submit.
type Connection struct {
	id     string // host:port
	host   string
	port   int

	reactor      *reactor.Reactor
	streamClient transport.StreamClient
	logger       *slog.Logger

	// resolver and instance are remembered from selection time so every
	// failure close can report callResult=ServerError against the
	// instance that went bad, not just the initial dial.
	resolver transport.ServiceResolver
	instance transport.Instance

	// reschedule re-dispatches a window's sync task through the owning
	// Connector (server re-selection, not just this connection), used by
	// closeForError so windows orphaned by a dead connection don't get
	// stuck in local fallback forever.
	reschedule func(*window.Window)

	clientKey  string
	msgTimeout time.Duration

	state          connState
	stream         transport.Stream
	closing        bool
	timeDiffMs     int64
	lastUsedMs     int64
	lastResponseMs int64
	pendingSends   int
	resyncTimer    reactor.TimerHandle
	watchdogTimer  reactor.TimerHandle

	// windows currently enrolled, keyed by their window key string.
	windows map[string]*window.Window
	// counterKey -> window, for routing report/push responses.
	byCounterKey map[int64]*window.Window
	// windows with an init in flight, keyed by metric id.
	pendingInit map[string]*window.Window
	// counterKey -> amount last reported as allocated, the "ack" in
	// RefreshToken's arithmetic (spec.md 4.2/4.5): the server's response
	// never echoes this back, the client must remember what it sent.
	lastReportedUsage map[int64]int64
	// window key string -> its next-report timer, cancelled and
	// rescheduled on every init/report completion per spec.md 4.5.
	reportTimers map[string]reactor.TimerHandle

	mu sync.Mutex // never locked: every field above is read and written on the reactor goroutine only
}

func newConnection(inst transport.Instance, r *reactor.Reactor, sc transport.StreamClient, resolver transport.ServiceResolver, msgTimeout time.Duration, logger *slog.Logger, reschedule func(*window.Window)) *Connection {
	if msgTimeout <= 0 {
		msgTimeout = time.Second
	}
	return &Connection{
		id:                hostPort(inst.Host, inst.Port),
		host:              inst.Host,
		port:              inst.Port,
		reactor:           r,
		streamClient:      sc,
		resolver:          resolver,
		instance:          inst,
		logger:            logger,
		reschedule:        reschedule,
		clientKey:         uuid.NewString(),
		msgTimeout:        msgTimeout,
		windows:           make(map[string]*window.Window),
		byCounterKey:      make(map[int64]*window.Window),
		pendingInit:       make(map[string]*window.Window),
		lastReportedUsage: make(map[int64]int64),
		reportTimers:      make(map[string]reactor.TimerHandle),
		lastUsedMs:        time.Now().UnixMilli(),
	}
}

func hostPort(host string, port int) string {
	return host + ":" + itoa(port)
}

func itoa(n int) string {
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

// connect dials and performs the first TimeAdjust sync off the reactor
// goroutine, then submits the outcome back onto it.
func (c *Connection) connect(ctx context.Context, onReady func(err error)) {
	c.state = connConnecting
	go func() {
		stream, err := c.streamClient.Dial(ctx, c.host, c.port)
		if err != nil {
			c.reactor.Submit(func() { onReady(err) })
			return
		}
		sendTime := time.Now().UnixMilli()
		serverTs, err := c.streamClient.TimeAdjust(ctx, c.host, c.port)
		if err != nil {
			_ = stream.Close()
			c.reactor.Submit(func() { onReady(err) })
			return
		}
		c.reactor.Submit(func() {
			c.stream = stream
			c.state = connConnected
			c.applyTimeSync(serverTs, sendTime)
			go c.recvLoop(stream)
			c.lastResponseMs = time.Now().UnixMilli()
			c.resyncTimer = c.reactor.AddTimer(c.resync, resyncInterval, true)
			c.watchdogTimer = c.reactor.AddTimer(c.checkResponseTimeout, c.msgTimeout, true)
			onReady(nil)
		})
	}()
}

// resync re-runs TimeAdjust every resyncInterval, beyond the sync that
// happens on every successful init/report (spec.md 4.5).
func (c *Connection) resync() {
	if c.closing || c.stream == nil {
		return
	}
	go func() {
		sendTime := time.Now().UnixMilli()
		serverTs, err := c.streamClient.TimeAdjust(context.Background(), c.host, c.port)
		if err != nil {
			c.reactor.Submit(func() { c.closeForError(err) })
			return
		}
		c.reactor.Submit(func() { c.applyTimeSync(serverTs, sendTime) })
	}()
}

// applyTimeSync computes timeDiff per spec.md 4.5: the half-round-trip
// delay is (now-sendTime)/2, and timeDiff = serverTimestamp + delay/2 -
// sendTime so ServerTime() = wallClock + timeDiff.
func (c *Connection) applyTimeSync(serverTimestampMs, sendTimeMs int64) {
	now := time.Now().UnixMilli()
	delay := now - sendTimeMs
	c.timeDiffMs = serverTimestampMs + delay/2 - sendTimeMs
	for _, w := range c.windows {
		w.SetTimeDiff(c.timeDiffMs)
	}
}

func (c *Connection) recvLoop(stream transport.Stream) {
	for {
		env, err := stream.Recv()
		if err != nil {
			c.reactor.Submit(func() { c.closeForError(err) })
			return
		}
		e := env
		c.reactor.Submit(func() { c.onEnvelope(e) })
	}
}

// checkResponseTimeout closes the connection when at least one request
// is in flight and no response of any kind has arrived within
// msgTimeout: every request on the stream has stalled, and a server that
// stopped answering cannot serve quota (spec.md 4.5's failure handling).
func (c *Connection) checkResponseTimeout() {
	if c.closing || c.pendingSends == 0 {
		return
	}
	now := time.Now().UnixMilli()
	if now > c.lastResponseMs+c.msgTimeout.Milliseconds() {
		c.closeForError(errResponseTimeout)
	}
}

func (c *Connection) onEnvelope(env transport.Envelope) {
	c.lastUsedMs = time.Now().UnixMilli()
	c.lastResponseMs = c.lastUsedMs
	if c.pendingSends > 0 {
		c.pendingSends--
	}
	switch env.Cmd {
	case transport.CmdInit:
		c.onInitResponse(env)
	case transport.CmdReport, transport.CmdPush:
		c.onReportResponse(env)
	}
}

func (c *Connection) onInitResponse(env transport.Envelope) {
	metricID := model.MetricID(env.Service, env.Labels)
	w, ok := c.pendingInit[metricID]
	if !ok {
		return
	}
	delete(c.pendingInit, metricID)

	for _, counter := range env.Counters {
		w.SetCounterKey(counter.DurationMs, counter.CounterKey)
		c.byCounterKey[counter.CounterKey] = w
	}
	w.NoteSync()
	w.SetTimeDiff(c.timeDiffMs)

	reportInterval := time.Duration(w.Rule().Report.IntervalMs) * time.Millisecond
	c.scheduleNextSync(w, withJitter(reportInterval))
}

// onReportResponse applies a report response, per spec.md 4.5: for the
// matching duration's bucket, RefreshToken consumes the ack this client
// itself recorded when it sent the report (the response never echoes it
// back), and the returned speedup hint (clamped by the
// max-duration-vs-report-interval rule) decides how soon the next report
// goes out.
func (c *Connection) onReportResponse(env transport.Envelope) {
	w, ok := c.byCounterKey[env.CounterKey]
	if !ok {
		return
	}
	duration := durationForCounterKey(w, env.CounterKey)
	ack := c.lastReportedUsage[env.CounterKey]

	hint := bucket.NoSpeedupHint
	for _, ab := range w.Buckets() {
		if ab.Amount.ValidDuration != duration {
			continue
		}
		now := w.ServerTime()
		hint = ab.Bucket.RefreshToken(env.Left, ack, ab.Bucket.BucketTimeFor(now), false, now%ab.Amount.ValidDuration)
		break
	}
	if env.Left <= 0 {
		w.SetLimited(true)
	}
	w.NoteSync()

	reportIntervalMs := w.Rule().Report.IntervalMs
	delay := time.Duration(reportIntervalMs) * time.Millisecond
	if hint != bucket.NoSpeedupHint && maxAmountDurationMs(w) <= 25*reportIntervalMs {
		if hinted := time.Duration(hint) * time.Millisecond; hinted < delay {
			delay = hinted
		}
	}
	c.scheduleNextSync(w, withJitter(delay))
}

func durationForCounterKey(w *window.Window, counterKey int64) int64 {
	for d, ck := range w.CounterKeys() {
		if ck == counterKey {
			return d
		}
	}
	return 0
}

func maxAmountDurationMs(w *window.Window) int64 {
	var max int64
	for _, ab := range w.Buckets() {
		if ab.Amount.ValidDuration > max {
			max = ab.Amount.ValidDuration
		}
	}
	return max
}

// scheduleNextSync cancels any pending sync timer for w and arms a new
// one-shot timer after delay.
func (c *Connection) scheduleNextSync(w *window.Window, delay time.Duration) {
	key := w.Key().String()
	if h, ok := c.reportTimers[key]; ok {
		c.reactor.CancelTimer(h)
	}
	c.reportTimers[key] = c.reactor.AddTimer(func() { c.doSyncTask(w) }, delay, false)
}

// withJitter spreads scheduled work by +/-10% so many windows on one
// connection don't all report in lockstep.
func withJitter(d time.Duration) time.Duration {
	span := int64(d) / 5
	if span <= 0 {
		return d
	}
	jitter := time.Duration(rand.Int63n(span)) - d/10
	return d + jitter
}

// doSyncTask runs a window's scheduled sync: init if it has no
// counterKeys yet, otherwise report.
func (c *Connection) doSyncTask(w *window.Window) {
	if c.closing {
		return
	}
	c.lastUsedMs = time.Now().UnixMilli()
	if len(w.CounterKeys()) == 0 {
		c.sendInit(w)
		return
	}
	c.sendReport(w)
}

func (c *Connection) sendInit(w *window.Window) {
	if c.stream == nil {
		return
	}
	metricID := model.MetricID(w.Rule().Service, w.Key().CanonicalLabels)
	c.pendingInit[metricID] = w
	c.windows[w.Key().String()] = w

	var totals []transport.QuotaTotal
	for _, ab := range w.Buckets() {
		mode := "WHOLE"
		if w.Rule().AmountMode == model.AmountModeShareEqually {
			mode = "DIVIDE"
		}
		totals = append(totals, transport.QuotaTotal{
			MaxAmount:  ab.Amount.MaxAmount,
			DurationMs: ab.Amount.ValidDuration,
			Mode:       mode,
		})
	}
	c.pendingSends++
	_ = c.stream.Send(transport.Envelope{
		Cmd:       transport.CmdInit,
		Namespace: w.Rule().Namespace,
		Service:   w.Rule().Service,
		Labels:    w.Key().CanonicalLabels,
		Totals:    totals,
		ClientKey: c.clientKey,
	})

	// An unanswered init leaves the window in pendingInit; retry on a
	// fresh sync task after the message timeout rather than giving up.
	win := w
	c.reactor.AddTimer(func() {
		if c.closing {
			return
		}
		if _, still := c.pendingInit[metricID]; still {
			c.doSyncTask(win)
		}
	}, c.msgTimeout, false)
}

func (c *Connection) sendReport(w *window.Window) {
	if c.stream == nil {
		return
	}
	now := w.ServerTime()
	for d, counterKey := range w.CounterKeys() {
		for _, ab := range w.Buckets() {
			if ab.Amount.ValidDuration != d {
				continue
			}
			usage := ab.Bucket.PreparePendingQuota(ab.Bucket.BucketTimeFor(now))
			c.lastReportedUsage[counterKey] = usage.Allocated
			c.pendingSends++
			_ = c.stream.Send(transport.Envelope{
				Cmd:              transport.CmdReport,
				CounterKey:       counterKey,
				CreateServerTime: now,
				Used:             usage.Allocated,
				Limited:          usage.Rejected,
				ClientKey:        c.clientKey,
			})
		}
	}
}

// removeWindow detaches w from this connection, e.g. because it moved
// to a different server or was deleted.
func (c *Connection) removeWindow(w *window.Window) {
	key := w.Key().String()
	delete(c.windows, key)
	for d, ck := range w.CounterKeys() {
		_ = d
		delete(c.byCounterKey, ck)
		delete(c.lastReportedUsage, ck)
	}
	if h, ok := c.reportTimers[key]; ok {
		c.reactor.CancelTimer(h)
		delete(c.reportTimers, key)
	}
}

// closeForError puts the connection into closing state, reports the
// instance unhealthy so it gets circuit-broken out of the selection
// ring, fails every enrolled window back to local fallback, and arms a
// retryBackoff timer per window that re-dispatches it through the
// Connector so it re-selects a server, per spec.md 4.5's failure
// handling. A nil err is a clean close (idle eviction, shutdown) and
// does not indict the server.
func (c *Connection) closeForError(err error) {
	if c.closing {
		return
	}
	c.closing = true
	if err != nil && c.resolver != nil {
		c.resolver.ReportCallResult(c.instance, false)
	}
	if c.logger != nil {
		c.logger.Warn("quotamesh: connection closed", "connection", c.id, "error", err)
	}
	if c.stream != nil {
		_ = c.stream.Close()
	}
	c.reactor.CancelTimer(c.resyncTimer)
	c.reactor.CancelTimer(c.watchdogTimer)
	for _, h := range c.reportTimers {
		c.reactor.CancelTimer(h)
	}
	c.reportTimers = make(map[string]reactor.TimerHandle)
	for _, w := range c.windows {
		w.AttachConnection("")
		if c.reschedule != nil {
			win := w
			c.reactor.AddTimer(func() { c.reschedule(win) }, retryBackoff, false)
		}
	}
}

// isIdle reports whether no window has used this connection recently.
func (c *Connection) isIdle(nowMs, idleThresholdMs int64) bool {
	return len(c.windows) == 0 && nowMs-c.lastUsedMs > idleThresholdMs
}
