package wsstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/forgo/quotamesh/pkg/quotamesh/transport"
)

// newTestServer starts an httptest server that upgrades every request and
// records the Authorization header it received, returning the server and
// a channel of received headers so tests can assert on handshake content.
func newTestServer(t *testing.T, handle func(w http.ResponseWriter, r *http.Request, conn *websocket.Conn)) (*httptest.Server, chan string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	authHeaders := make(chan string, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeaders <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if handle != nil {
			handle(w, r, conn)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, authHeaders
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestDialWithoutSharedSecretSendsNoAuthorizationHeader(t *testing.T) {
	srv, authHeaders := newTestServer(t, nil)
	host, port := splitHostPort(t, srv.URL)

	c := &Client{}
	stream, err := c.Dial(context.Background(), host, port)
	require.NoError(t, err)
	defer stream.Close()

	select {
	case got := <-authHeaders:
		require.Empty(t, got)
	case <-time.After(time.Second):
		t.Fatal("server never received a request")
	}
}

func TestDialWithSharedSecretSendsBearerAuthorizationHeader(t *testing.T) {
	srv, authHeaders := newTestServer(t, nil)
	host, port := splitHostPort(t, srv.URL)

	c := &Client{SharedSecret: "sidecar-handshake-secret"}
	stream, err := c.Dial(context.Background(), host, port)
	require.NoError(t, err)
	defer stream.Close()

	select {
	case got := <-authHeaders:
		require.True(t, strings.HasPrefix(got, "Bearer "), "expected a Bearer-prefixed header, got %q", got)
	case <-time.After(time.Second):
		t.Fatal("server never received a request")
	}
}

func TestStreamSendRecvRoundTripsAnEnvelope(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request, conn *websocket.Conn) {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.WriteJSON(msg)
	})
	host, port := splitHostPort(t, srv.URL)

	c := &Client{}
	stream, err := c.Dial(context.Background(), host, port)
	require.NoError(t, err)
	defer stream.Close()

	sent := transport.Envelope{
		Cmd:       transport.EnvelopeCmd(1),
		Namespace: "ns",
		Service:   "svc",
		ClientKey: "client-1",
	}
	require.NoError(t, stream.Send(sent))

	got, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, sent.Namespace, got.Namespace)
	require.Equal(t, sent.Service, got.Service)
	require.Equal(t, sent.ClientKey, got.ClientKey)
}

func TestTimeAdjustReturnsServerTimestamp(t *testing.T) {
	const wantServerTimeMs = int64(1_700_000_000_000)
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request, conn *websocket.Conn) {
		var req timeAdjustRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(timeAdjustResponse{ServerTimestampMs: wantServerTimeMs})
	})
	host, port := splitHostPort(t, srv.URL)

	c := &Client{}
	got, err := c.TimeAdjust(context.Background(), host, port)
	require.NoError(t, err)
	require.Equal(t, wantServerTimeMs, got)
}

var _ transport.StreamClient = (*Client)(nil)
