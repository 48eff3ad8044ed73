// Package transport defines the external collaborators the rate-limit
// core depends on but does not implement itself: instance selection,
// rule supply, and the wire transport. Spec.md describes these only at
// their contracts; this package gives them Go interfaces plus, in its
// wsstream/resolver/fakeserver subpackages, reference implementations
// used by the demo binary and the integration tests.
package transport

import (
	"context"
	"time"
)

// Instance is a resolved quota-server endpoint.
type Instance struct {
	ID       string
	Host     string
	Port     int
	Healthy  bool
}

// ServiceResolver selects a server instance for a cluster by a
// consistent-hash key, so that every client targeting the same
// metric id converges on the same server. Health-checking the
// instances it returns is this collaborator's responsibility, not the
// rate-limit core's.
type ServiceResolver interface {
	SelectInstance(ctx context.Context, namespace, service, hashKey string) (Instance, error)
	// ReportCallResult lets the connector circuit-break an instance that
	// answered with a server error, per spec.md section 7.
	ReportCallResult(instance Instance, success bool)
}

// RuleData is the set of rate-limit rule revisions the LocalRegistry
// currently holds for a service.
type RuleData struct {
	Found bool
	Rules []RuleJSON
}

// RuleJSON is the wire shape a rule travels in between LocalRegistry and
// the quota manager; FetchRule returns this directly to callers.
type RuleJSON struct {
	RuleID string
	JSON   string
}

// LocalRegistry supplies rate-limit rule revisions for a service. A real
// implementation discovers rules from the control plane and notifies
// waiters through ServiceDataNotify when data first arrives or changes;
// this core only consumes it.
type LocalRegistry interface {
	GetServiceData(ctx context.Context, namespace, service string, timeout time.Duration) (RuleData, error)
	GetLabelKeys(ctx context.Context, namespace, service string) ([]string, error)
}

// StreamClient abstracts the HTTP/2+gRPC duplex stream the connector
// multiplexes window init/report traffic over, and the unary TimeAdjust
// call. Reference implementation: transport/wsstream, over
// gorilla/websocket, standing in for the gRPC stream this spec's wire
// protocol describes but intentionally leaves untransported.
type StreamClient interface {
	// Dial opens the duplex stream to host:port. The returned Stream is
	// owned by the caller until Close.
	Dial(ctx context.Context, host string, port int) (Stream, error)
	// TimeAdjust performs the unary time-sync RPC.
	TimeAdjust(ctx context.Context, host string, port int) (serverTimestampMs int64, err error)
}

// Stream is one duplex connection to a quota server.
type Stream interface {
	Send(msg Envelope) error
	Recv() (Envelope, error)
	Close() error
}

// EnvelopeCmd discriminates the RateLimitRequest/Response envelope.
type EnvelopeCmd int

const (
	CmdInit EnvelopeCmd = iota
	CmdReport
	CmdPush
)

// Envelope is this module's Go-native rendering of the wire protocol's
// RateLimitRequest/RateLimitResponse envelope (spec.md section 6):
// one message kind, discriminated by Cmd, carrying either an init or a
// report/push payload.
type Envelope struct {
	Cmd EnvelopeCmd

	// Init request/response fields. Labels is the canonical rendering of
	// the window's matched labels (the wire LimitTarget carries labels as
	// a single string), so responses route back to the window that sent
	// the init regardless of map iteration order.
	Namespace string
	Service   string
	Labels    string
	Totals    []QuotaTotal
	Counters  []QuotaCounter
	ClientKey string

	// Report/push fields.
	CounterKey        int64
	CreateServerTime  int64
	Used              int64
	Limited           int64
	Left              int64

	ServerTimestampMs int64
}

// QuotaTotal is one Amount as sent in an init request.
type QuotaTotal struct {
	MaxAmount     int64
	DurationMs    int64
	Mode          string // "WHOLE" | "DIVIDE"
}

// QuotaCounter is the server's assignment of a counter key to one
// Amount, returned in an init response.
type QuotaCounter struct {
	CounterKey  int64
	DurationMs  int64
	Left        int64
	ClientCount int64
}
