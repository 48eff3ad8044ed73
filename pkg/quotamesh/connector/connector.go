package connector

import (
	"context"
	"log/slog"
	"time"

	"github.com/forgo/quotamesh/pkg/quotamesh/model"
	"github.com/forgo/quotamesh/pkg/quotamesh/reactor"
	"github.com/forgo/quotamesh/pkg/quotamesh/transport"
	"github.com/forgo/quotamesh/pkg/quotamesh/window"
)

// idleCheckInterval and idleThreshold implement spec.md 4.5's idle
// eviction: every 10s, any connection unused for 60s is torn down.
const (
	idleCheckInterval = 10 * time.Second
	idleThreshold     = 60 * time.Second
)

// Connector is the rate-limit connector: it owns every Connection to
// every quota-server instance this client talks to, and is the only
// component that calls into the ServiceResolver and StreamClient
// collaborators.
type Connector struct {
	reactor      *reactor.Reactor
	resolver     transport.ServiceResolver
	streamClient transport.StreamClient
	logger       *slog.Logger

	clusterNamespace string
	clusterService   string
	msgTimeout       time.Duration

	connections map[string]*Connection // keyed by instance ID, reactor-goroutine only
}

// New builds a Connector. Run must have already been called on r (or be
// called by the owner) before SyncTask is used. msgTimeout bounds every
// init/report/time-adjust exchange; zero or negative falls back to 1s.
func New(r *reactor.Reactor, resolver transport.ServiceResolver, sc transport.StreamClient, clusterNamespace, clusterService string, msgTimeout time.Duration, logger *slog.Logger) *Connector {
	c := &Connector{
		reactor:          r,
		resolver:         resolver,
		streamClient:     sc,
		logger:           logger,
		clusterNamespace: clusterNamespace,
		clusterService:   clusterService,
		msgTimeout:       msgTimeout,
		connections:      make(map[string]*Connection),
	}
	r.AddTimer(c.connectionIdleCheck, idleCheckInterval, true)
	return c
}

// SyncTask is the per-window periodic task the quota manager schedules
// on the reactor: select a server by consistent hash on the window's
// metric id, ensure a Connection exists for it, and run init or report.
// Must run on the reactor goroutine.
func (c *Connector) SyncTask(w *window.Window) {
	metricID := model.MetricID(w.Rule().Service, w.Key().CanonicalLabels)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	inst, err := c.resolver.SelectInstance(ctx, c.clusterNamespace, c.clusterService, metricID)
	if err != nil {
		c.rescheduleAfterFailure(w)
		return
	}

	conn, ok := c.connections[inst.ID]
	if !ok {
		conn = newConnection(inst, c.reactor, c.streamClient, c.resolver, c.msgTimeout, c.logger, c.SyncTask)
		c.connections[inst.ID] = conn
		conn.connect(context.Background(), func(err error) {
			if err != nil {
				// closeForError reports the instance unhealthy.
				conn.closeForError(err)
				delete(c.connections, inst.ID)
				c.rescheduleAfterFailure(w)
				return
			}
			c.resolver.ReportCallResult(inst, true)
			w.AttachConnection(inst.ID)
			conn.doSyncTask(w)
		})
		return
	}

	if conn.closing {
		delete(c.connections, inst.ID)
		c.rescheduleAfterFailure(w)
		return
	}

	if w.ConnectionID() != inst.ID {
		if prev, ok := c.connections[w.ConnectionID()]; ok {
			prev.removeWindow(w)
		}
		w.AttachConnection(inst.ID)
	}
	conn.doSyncTask(w)
}

func (c *Connector) rescheduleAfterFailure(w *window.Window) {
	c.reactor.AddTimer(func() { c.SyncTask(w) }, retryBackoff, false)
}

// connectionIdleCheck runs every idleCheckInterval on the reactor
// goroutine, evicting connections no window has used recently.
func (c *Connector) connectionIdleCheck() {
	now := time.Now().UnixMilli()
	for id, conn := range c.connections {
		if conn.isIdle(now, idleThreshold.Milliseconds()) {
			conn.closeForError(nil)
			delete(c.connections, id)
		}
	}
}

// EraseConnection removes a connection from the pool immediately, e.g.
// when the quota manager is shutting down.
func (c *Connector) EraseConnection(id string) {
	if conn, ok := c.connections[id]; ok {
		conn.closeForError(nil)
		delete(c.connections, id)
	}
}
