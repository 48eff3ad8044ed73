// Package fakeserver is an in-process stand-in for the quota cluster's
// wire protocol (spec.md section 6): it implements transport.StreamClient
// without any real networking, so the demo binary and integration tests
// can exercise the connector's init/report/time-sync state machine
// end to end. It is not a reference server implementation of the
// protocol's full semantics (no cross-client fairness, no persistence)
// — only enough to drive the client state machine correctly.
package fakeserver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgo/quotamesh/pkg/quotamesh/model"
	"github.com/forgo/quotamesh/pkg/quotamesh/transport"
)

// Server is an in-memory quota server: one global counter per
// (metric id, duration) pair, reset whenever its calendar-aligned bucket
// rolls over, exactly mirroring the client's own bucket-time rule so the
// fake is a believable dance partner for TestDegradedBehaviour-style
// scenarios.
type Server struct {
	mu        sync.Mutex
	counters  map[int64]*counterState // counterKey -> state
	nextKey   int64
	skewMs    atomic.Int64 // added to wall clock to simulate server/client clock drift
	failInit  atomic.Bool  // when true, Init requests are dropped (never answered)
	failNext  atomic.Bool  // when true, the next Dial fails once
}

type counterState struct {
	metricID   string
	durationMs int64
	maxAmount  int64
	bucketTime int64
	left       int64
}

// New builds an empty Server.
func New() *Server {
	return &Server{counters: make(map[int64]*counterState)}
}

// SetSkew sets the simulated offset between the server's clock and wall
// clock, exercising the connector's time-sync arithmetic.
func (s *Server) SetSkew(d time.Duration) { s.skewMs.Store(d.Milliseconds()) }

// SetFailInit makes the server silently drop every Init request until
// cleared, simulating the "init timeout, retried on next sync" path.
func (s *Server) SetFailInit(fail bool) { s.failInit.Store(fail) }

// FailNextDial makes the next Dial call return an error once, simulating
// a transient connect failure.
func (s *Server) FailNextDial() { s.failNext.Store(true) }

func (s *Server) serverNow() int64 {
	return time.Now().UnixMilli() + s.skewMs.Load()
}

// Dial implements transport.StreamClient: it spins up a pair of
// in-process channels and a goroutine playing the server side.
func (s *Server) Dial(ctx context.Context, host string, port int) (transport.Stream, error) {
	if s.failNext.CompareAndSwap(true, false) {
		return nil, errDial
	}
	toServer := make(chan transport.Envelope, 16)
	toClient := make(chan transport.Envelope, 16)
	done := make(chan struct{})

	go s.serve(toServer, toClient, done)

	return &clientStream{send: toServer, recv: toClient, done: done}, nil
}

// TimeAdjust implements transport.StreamClient's unary sync RPC.
func (s *Server) TimeAdjust(ctx context.Context, host string, port int) (int64, error) {
	return s.serverNow(), nil
}

func (s *Server) serve(in <-chan transport.Envelope, out chan<- transport.Envelope, done <-chan struct{}) {
	defer close(out)
	for {
		select {
		case <-done:
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			resp, ok := s.handle(env)
			if !ok {
				continue
			}
			select {
			case out <- resp:
			case <-done:
				return
			}
		}
	}
}

func (s *Server) handle(env transport.Envelope) (transport.Envelope, bool) {
	switch env.Cmd {
	case transport.CmdInit:
		if s.failInit.Load() {
			return transport.Envelope{}, false
		}
		return s.handleInit(env), true
	case transport.CmdReport:
		return s.handleReport(env), true
	default:
		return transport.Envelope{}, false
	}
}

func (s *Server) handleInit(env transport.Envelope) transport.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	metricID := model.MetricID(env.Service, env.Labels)
	now := s.serverNow()

	resp := transport.Envelope{Cmd: transport.CmdInit, Service: env.Service, Labels: env.Labels}
	for _, total := range env.Totals {
		s.nextKey++
		key := s.nextKey
		bt := now / total.DurationMs
		s.counters[key] = &counterState{
			metricID:   metricID,
			durationMs: total.DurationMs,
			maxAmount:  total.MaxAmount,
			bucketTime: bt,
			left:       total.MaxAmount,
		}
		resp.Counters = append(resp.Counters, transport.QuotaCounter{
			CounterKey:  key,
			DurationMs:  total.DurationMs,
			Left:        total.MaxAmount,
			ClientCount: 1,
		})
	}
	return resp
}

func (s *Server) handleReport(env transport.Envelope) transport.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[env.CounterKey]
	if !ok {
		return transport.Envelope{Cmd: transport.CmdReport, CounterKey: env.CounterKey, Left: 0}
	}

	now := s.serverNow()
	bt := now / c.durationMs
	if bt != c.bucketTime {
		c.bucketTime = bt
		c.left = c.maxAmount
	}
	c.left -= env.Used
	if c.left < 0 {
		c.left = 0
	}
	return transport.Envelope{Cmd: transport.CmdReport, CounterKey: env.CounterKey, Left: c.left}
}

var _ transport.StreamClient = (*Server)(nil)

// clientStream is the client-facing half of an in-process Dial: Send
// writes onto the channel the server goroutine reads, Recv reads the
// channel the server goroutine writes to.
type clientStream struct {
	send chan<- transport.Envelope
	recv <-chan transport.Envelope
	done chan struct{}
	once sync.Once
}

func (c *clientStream) Send(msg transport.Envelope) error {
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errClosed
	}
}

func (c *clientStream) Recv() (transport.Envelope, error) {
	env, ok := <-c.recv
	if !ok {
		return transport.Envelope{}, errClosed
	}
	return env, nil
}

func (c *clientStream) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

var _ transport.Stream = (*clientStream)(nil)
