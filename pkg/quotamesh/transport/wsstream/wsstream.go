// Package wsstream is the reference transport.StreamClient: a duplex
// websocket connection standing in for the HTTP/2+gRPC stream spec.md
// declares out of scope, modeled on internal/database/surrealdb.go's
// dial-then-handshake sequence (connect to an endpoint URL, then an
// initial control frame before the connection is usable).
package wsstream

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/forgo/quotamesh/pkg/quotamesh/transport"
)

// servicePath and timeAdjustPath mirror spec.md section 6's gRPC paths,
// reused here as the websocket endpoint path since this package carries
// the same two RPCs over a simpler transport.
const (
	servicePath    = "/polaris.metric.v2.RateLimitGRPCV2/Service"
	timeAdjustPath = "/polaris.metric.v2.RateLimitGRPCV2/TimeAdjust"
)

// Client dials quota-server instances over websocket. The zero value is
// usable; set TLSConfig to dial wss:// with a client certificate.
type Client struct {
	// TLSConfig is used for wss:// dials when non-nil; nil means ws://.
	TLSConfig *tls.Config
	// HandshakeTimeout bounds the initial dial, default 5s.
	HandshakeTimeout time.Duration
	// SharedSecret, when non-empty, is proven on every dial via a bcrypt
	// hash sent as an Authorization header (the same library the teacher
	// uses for credential hashing, here standing in for the mesh's
	// sidecar-to-quota-server handshake rather than a login password).
	SharedSecret string
}

// authHeader bcrypt-hashes SharedSecret fresh for this dial and
// base64-encodes it into an Authorization header. bcrypt's cost makes
// this unsuitable for anything hotter than a per-connection handshake,
// which is exactly the frequency it runs at here.
func (c *Client) authHeader() (http.Header, error) {
	if c.SharedSecret == "" {
		return nil, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(c.SharedSecret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("wsstream: hash shared secret: %w", err)
	}
	return http.Header{"Authorization": []string{"Bearer " + base64.StdEncoding.EncodeToString(hash)}}, nil
}

func (c *Client) dialer() *websocket.Dialer {
	d := &websocket.Dialer{
		HandshakeTimeout: c.HandshakeTimeout,
		TLSClientConfig:  c.TLSConfig,
	}
	if d.HandshakeTimeout == 0 {
		d.HandshakeTimeout = 5 * time.Second
	}
	return d
}

func (c *Client) scheme() string {
	if c.TLSConfig != nil {
		return "wss"
	}
	return "ws"
}

// Dial opens the duplex stream to host:port, implementing
// transport.StreamClient.
func (c *Client) Dial(ctx context.Context, host string, port int) (transport.Stream, error) {
	url := fmt.Sprintf("%s://%s:%d%s", c.scheme(), host, port, servicePath)
	header, err := c.authHeader()
	if err != nil {
		return nil, err
	}
	if header == nil {
		header = http.Header{}
	}
	header.Set("client-ip", "0.0.0.0")
	conn, resp, err := c.dialer().DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("wsstream: dial %s: %w", url, err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	return &stream{conn: conn}, nil
}

// TimeAdjust performs the unary time-sync RPC: dial, send one frame,
// read one response, close.
func (c *Client) TimeAdjust(ctx context.Context, host string, port int) (int64, error) {
	url := fmt.Sprintf("%s://%s:%d%s", c.scheme(), host, port, timeAdjustPath)
	header, err := c.authHeader()
	if err != nil {
		return 0, err
	}
	conn, resp, err := c.dialer().DialContext(ctx, url, header)
	if err != nil {
		return 0, fmt.Errorf("wsstream: time-adjust dial %s: %w", url, err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}

	if err := conn.WriteJSON(timeAdjustRequest{SendTimeMs: time.Now().UnixMilli()}); err != nil {
		return 0, fmt.Errorf("wsstream: time-adjust send: %w", err)
	}
	var resp2 timeAdjustResponse
	if err := conn.ReadJSON(&resp2); err != nil {
		return 0, fmt.Errorf("wsstream: time-adjust recv: %w", err)
	}
	return resp2.ServerTimestampMs, nil
}

type timeAdjustRequest struct {
	SendTimeMs int64 `json:"send_time_ms"`
}

type timeAdjustResponse struct {
	ServerTimestampMs int64 `json:"server_timestamp_ms"`
}

// stream adapts a gorilla/websocket connection to transport.Stream,
// encoding each Envelope as one JSON text frame. Concurrent Send calls
// are serialised: gorilla's Conn forbids concurrent writers.
type stream struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *stream) Send(msg transport.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(wireEnvelope(msg))
}

func (s *stream) Recv() (transport.Envelope, error) {
	var w wireMessage
	if err := s.conn.ReadJSON(&w); err != nil {
		return transport.Envelope{}, err
	}
	return w.toEnvelope(), nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

var _ transport.Stream = (*stream)(nil)
var _ transport.StreamClient = (*Client)(nil)

// wireMessage is the JSON rendering of transport.Envelope; kept separate
// so the wire shape can evolve independently of the Go-native type.
type wireMessage struct {
	Cmd               int               `json:"cmd"`
	Namespace         string            `json:"namespace,omitempty"`
	Service           string            `json:"service,omitempty"`
	Labels            string            `json:"labels,omitempty"`
	Totals            []wireQuotaTotal  `json:"totals,omitempty"`
	Counters          []wireQuotaCounter `json:"counters,omitempty"`
	ClientKey         string            `json:"client_key,omitempty"`
	CounterKey        int64             `json:"counter_key,omitempty"`
	CreateServerTime  int64             `json:"create_server_time,omitempty"`
	Used              int64             `json:"used,omitempty"`
	Limited           int64             `json:"limited,omitempty"`
	Left              int64             `json:"left,omitempty"`
	ServerTimestampMs int64             `json:"server_timestamp_ms,omitempty"`
}

type wireQuotaTotal struct {
	MaxAmount  int64  `json:"max_amount"`
	DurationMs int64  `json:"duration_ms"`
	Mode       string `json:"mode"`
}

type wireQuotaCounter struct {
	CounterKey  int64 `json:"counter_key"`
	DurationMs  int64 `json:"duration_ms"`
	Left        int64 `json:"left"`
	ClientCount int64 `json:"client_count"`
}

func wireEnvelope(e transport.Envelope) wireMessage {
	w := wireMessage{
		Cmd:               int(e.Cmd),
		Namespace:         e.Namespace,
		Service:           e.Service,
		Labels:            e.Labels,
		ClientKey:         e.ClientKey,
		CounterKey:        e.CounterKey,
		CreateServerTime:  e.CreateServerTime,
		Used:              e.Used,
		Limited:           e.Limited,
		Left:              e.Left,
		ServerTimestampMs: e.ServerTimestampMs,
	}
	for _, t := range e.Totals {
		w.Totals = append(w.Totals, wireQuotaTotal{MaxAmount: t.MaxAmount, DurationMs: t.DurationMs, Mode: t.Mode})
	}
	for _, c := range e.Counters {
		w.Counters = append(w.Counters, wireQuotaCounter{CounterKey: c.CounterKey, DurationMs: c.DurationMs, Left: c.Left, ClientCount: c.ClientCount})
	}
	return w
}

func (w wireMessage) toEnvelope() transport.Envelope {
	e := transport.Envelope{
		Cmd:               transport.EnvelopeCmd(w.Cmd),
		Namespace:         w.Namespace,
		Service:           w.Service,
		Labels:            w.Labels,
		ClientKey:         w.ClientKey,
		CounterKey:        w.CounterKey,
		CreateServerTime:  w.CreateServerTime,
		Used:              w.Used,
		Limited:           w.Limited,
		Left:              w.Left,
		ServerTimestampMs: w.ServerTimestampMs,
	}
	for _, t := range w.Totals {
		e.Totals = append(e.Totals, transport.QuotaTotal{MaxAmount: t.MaxAmount, DurationMs: t.DurationMs, Mode: t.Mode})
	}
	for _, c := range w.Counters {
		e.Counters = append(e.Counters, transport.QuotaCounter{CounterKey: c.CounterKey, DurationMs: c.DurationMs, Left: c.Left, ClientCount: c.ClientCount})
	}
	return e
}
