package fakeserver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgo/quotamesh/pkg/quotamesh/transport"
)

// MetricServer is an in-memory stand-in for the metric service the climb
// adjuster reports to: it registers keys on Init, sums reported bucket
// values per dimension, and answers queries with the running totals. Like
// Server, it exists to drive the client state machine in tests and the
// demo, not to reproduce the real service's windowed aggregation.
type MetricServer struct {
	mu       sync.Mutex
	keys     map[string]map[string]int64 // key string -> dimension -> total
	inits    atomic.Int64
	failInit atomic.Bool
}

// NewMetricServer builds an empty MetricServer.
func NewMetricServer() *MetricServer {
	return &MetricServer{keys: make(map[string]map[string]int64)}
}

// InitCount returns how many Init calls have succeeded, so tests can
// assert on the re-init path.
func (s *MetricServer) InitCount() int64 { return s.inits.Load() }

// SetFailInit makes Init return a non-ok code until cleared.
func (s *MetricServer) SetFailInit(fail bool) { s.failInit.Store(fail) }

// ForgetAllKeys drops every registered key, so the next report or query
// is answered with a 404-class code and the client must re-init.
func (s *MetricServer) ForgetAllKeys() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = make(map[string]map[string]int64)
}

// Totals returns a copy of the aggregated totals for key.
func (s *MetricServer) Totals(key transport.MetricKey) map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for dim, v := range s.keys[key.String()] {
		out[dim] = v
	}
	return out
}

// SetTotals overwrites the aggregate for key, letting a test feed the
// client an arbitrary cluster-wide health picture.
func (s *MetricServer) SetTotals(key transport.MetricKey, totals map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := make(map[string]int64, len(totals))
	for dim, v := range totals {
		st[dim] = v
	}
	s.keys[key.String()] = st
}

// MetricInit implements transport.MetricClient.
func (s *MetricServer) MetricInit(ctx context.Context, host string, port int, req transport.MetricInitRequest) (transport.MetricResponse, error) {
	if s.failInit.Load() {
		return transport.MetricResponse{Code: 500000, Key: req.Key}, nil
	}
	s.mu.Lock()
	if _, ok := s.keys[req.Key.String()]; !ok {
		s.keys[req.Key.String()] = make(map[string]int64)
	}
	s.mu.Unlock()
	s.inits.Add(1)
	return transport.MetricResponse{Code: transport.MetricCodeOk, Key: req.Key, TimestampMs: time.Now().UnixMilli()}, nil
}

// OpenReportStream implements transport.MetricClient.
func (s *MetricServer) OpenReportStream(ctx context.Context, host string, port int) (transport.MetricReportStream, error) {
	st := newMetricStream()
	go s.serveReports(st)
	return reportHalf{st}, nil
}

// OpenQueryStream implements transport.MetricClient.
func (s *MetricServer) OpenQueryStream(ctx context.Context, host string, port int) (transport.MetricQueryStream, error) {
	st := newMetricStream()
	go s.serveQueries(st)
	return queryHalf{st}, nil
}

func (s *MetricServer) serveReports(st *metricStream) {
	for {
		msg, ok := st.nextIn()
		if !ok {
			return
		}
		req := msg.(transport.MetricRequest)
		resp := transport.MetricResponse{Code: transport.MetricCodeOk, Key: req.Key}
		s.mu.Lock()
		totals, known := s.keys[req.Key.String()]
		if !known {
			resp.Code = transport.MetricCodeNotFound
		} else {
			for _, dim := range req.Dimensions {
				var sum int64
				for _, v := range dim.Values {
					sum += v
				}
				totals[dim.Type] += sum
			}
		}
		s.mu.Unlock()
		if !st.reply(resp) {
			return
		}
	}
}

func (s *MetricServer) serveQueries(st *metricStream) {
	for {
		msg, ok := st.nextIn()
		if !ok {
			return
		}
		q := msg.(transport.MetricQuery)
		resp := transport.MetricResponse{Code: transport.MetricCodeOk, Key: q.Key, TimestampMs: time.Now().UnixMilli()}
		s.mu.Lock()
		totals, known := s.keys[q.Key.String()]
		if !known {
			resp.Code = transport.MetricCodeNotFound
		} else {
			resp.Totals = make(map[string]int64, len(totals))
			for dim, v := range totals {
				resp.Totals[dim] = v
			}
		}
		s.mu.Unlock()
		if !st.reply(resp) {
			return
		}
	}
}

var _ transport.MetricClient = (*MetricServer)(nil)

// metricStream is the in-process channel pair behind both stream kinds.
type metricStream struct {
	in   chan any
	out  chan transport.MetricResponse
	done chan struct{}
	once sync.Once
}

func newMetricStream() *metricStream {
	return &metricStream{
		in:   make(chan any, 16),
		out:  make(chan transport.MetricResponse, 16),
		done: make(chan struct{}),
	}
}

func (st *metricStream) nextIn() (any, bool) {
	select {
	case msg := <-st.in:
		return msg, true
	case <-st.done:
		return nil, false
	}
}

func (st *metricStream) reply(resp transport.MetricResponse) bool {
	select {
	case st.out <- resp:
		return true
	case <-st.done:
		return false
	}
}

func (st *metricStream) send(msg any) error {
	select {
	case st.in <- msg:
		return nil
	case <-st.done:
		return errClosed
	}
}

func (st *metricStream) recv() (transport.MetricResponse, error) {
	select {
	case resp := <-st.out:
		return resp, nil
	case <-st.done:
		return transport.MetricResponse{}, errClosed
	}
}

func (st *metricStream) close() error {
	st.once.Do(func() { close(st.done) })
	return nil
}

type reportHalf struct{ st *metricStream }

func (h reportHalf) Send(req transport.MetricRequest) error      { return h.st.send(req) }
func (h reportHalf) Recv() (transport.MetricResponse, error)     { return h.st.recv() }
func (h reportHalf) Close() error                                { return h.st.close() }

type queryHalf struct{ st *metricStream }

func (h queryHalf) Send(q transport.MetricQuery) error           { return h.st.send(q) }
func (h queryHalf) Recv() (transport.MetricResponse, error)      { return h.st.recv() }
func (h queryHalf) Close() error                                 { return h.st.close() }
