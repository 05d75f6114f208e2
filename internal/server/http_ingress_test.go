package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/sellia/internal/protocol"
	"github.com/watzon/sellia/internal/ratelimit"
	"github.com/watzon/sellia/internal/reserved"
)

// scriptedChannel invokes onWrite for every frame sent to the "client",
// letting a test play the client's side of the control protocol inline.
type scriptedChannel struct {
	onWrite func(data []byte) error
}

func (s *scriptedChannel) WriteMessage(data []byte) error { return s.onWrite(data) }
func (s *scriptedChannel) Close() error                   { return nil }
func (s *scriptedChannel) RemoteAddr() string             { return "10.0.0.1:1234" }

func newTestHTTPIngress(t *testing.T) (*HTTPIngress, *Registry, *ConnectionManager) {
	t.Helper()
	reg := NewRegistry(reserved.New())
	conns := NewConnectionManager()
	limiter := ratelimit.New(true, nil)
	return &HTTPIngress{
		Registry:    reg,
		Connections: conns,
		Pending:     NewPendingRequestStore(),
		PendingWS:   NewPendingWebSocketStore(),
		RateLimit:   limiter,
		BaseDomain:  "example.com",
	}, reg, conns
}

func TestHTTPIngressExtractSubdomain(t *testing.T) {
	h := &HTTPIngress{BaseDomain: "example.com"}
	assert.Equal(t, "my-app", h.extractSubdomain("My-App.example.com:443"))
	assert.Equal(t, "", h.extractSubdomain("example.com"))
	assert.Equal(t, "", h.extractSubdomain("other.org"))
}

func TestHTTPIngressUnknownHost(t *testing.T) {
	h, _, _ := newTestHTTPIngress(t)
	req := httptest.NewRequest(http.MethodGet, "http://unrelated.org/x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPIngressNoTunnelRegistered(t *testing.T) {
	h, _, _ := newTestHTTPIngress(t)
	req := httptest.NewRequest(http.MethodGet, "http://ghost.example.com/x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPIngressClientDisconnectedIsBadGateway(t *testing.T) {
	h, reg, _ := newTestHTTPIngress(t)
	require.NoError(t, reg.Register(&Tunnel{ID: "t1", Subdomain: "app", ClientID: "absent-client", Kind: protocol.KindHTTP}))

	req := httptest.NewRequest(http.MethodGet, "http://app.example.com/x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHTTPIngressBasicAuthRejectsWrongCredentials(t *testing.T) {
	h, reg, _ := newTestHTTPIngress(t)
	require.NoError(t, reg.Register(&Tunnel{
		ID: "t1", Subdomain: "secure", ClientID: "absent", Kind: protocol.KindHTTP,
		BasicAuth: &protocol.BasicAuthPair{Username: "u", Password: "p"},
	}))

	req := httptest.NewRequest(http.MethodGet, "http://secure.example.com/x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestHTTPIngressBridgesFullRequest plays both ends of the control protocol:
// ServeHTTP sends request_start/request_body, this test's scripted channel
// reacts by completing the pending request with response_start/body/end,
// exactly as a real client's gateway dispatch would.
func TestHTTPIngressBridgesFullRequest(t *testing.T) {
	h, reg, conns := newTestHTTPIngress(t)

	var requestID string
	channel := &scriptedChannel{}
	channel.onWrite = func(data []byte) error {
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		switch msg.Tag {
		case protocol.TagRequestStart:
			var p protocol.RequestStartPayload
			require.NoError(t, msg.Parse(&p))
			requestID = p.RequestID
			assert.Equal(t, "/hello", p.Path)

			pr, ok := h.Pending.Peek(requestID)
			require.True(t, ok)
			pr.Writer.Header().Set("X-From-Client", "yes")
			pr.Writer.WriteHeader(http.StatusOK)
			pr.MarkFirstByteWritten()
			_, _ = pr.Writer.Write([]byte("hi there"))
			pr.Complete()
		case protocol.TagRequestBody:
			// body frames ignored for this GET request
		}
		return nil
	}
	conn, err := conns.Register("acct-1", channel, func() {})
	require.NoError(t, err)
	require.NoError(t, reg.Register(&Tunnel{ID: "t1", Subdomain: "app", ClientID: conn.ID, Kind: protocol.KindHTTP}))

	req := httptest.NewRequest(http.MethodGet, "http://app.example.com/hello", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hi there", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-From-Client"))
}

// TestWaitForResponseSurvivesFirstByteTimeoutOnceHeadersArrive simulates a
// response whose headers arrive within the first-byte window but whose body
// keeps streaming past it: the wait must extend to the total timeout instead
// of dropping the in-flight response the moment the short window elapses.
func TestWaitForResponseSurvivesFirstByteTimeoutOnceHeadersArrive(t *testing.T) {
	h := &HTTPIngress{}
	rec := httptest.NewRecorder()
	pr := newPendingRequest("r1", "t1", rec, time.Time{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		pr.MarkFirstByteWritten()
		time.Sleep(40 * time.Millisecond)
		pr.Complete()
	}()

	started := time.Now()
	ok := h.waitForResponse(context.Background(), pr, started, 30*time.Millisecond, 200*time.Millisecond)
	assert.True(t, ok, "response completed within the total window and must not be reported as timed out")
	assert.True(t, pr.FirstByteWritten())
}

// TestWaitForResponseTimesOutWithoutFirstByte confirms a request that never
// produces so much as a response_start is reported as timed out at the short
// first-byte deadline, without ever being granted the longer total window.
func TestWaitForResponseTimesOutWithoutFirstByte(t *testing.T) {
	h := &HTTPIngress{}
	rec := httptest.NewRecorder()
	pr := newPendingRequest("r2", "t1", rec, time.Time{})

	started := time.Now()
	ok := h.waitForResponse(context.Background(), pr, started, 20*time.Millisecond, 500*time.Millisecond)
	elapsed := time.Since(started)

	assert.False(t, ok)
	assert.False(t, pr.FirstByteWritten())
	assert.Less(t, elapsed, 200*time.Millisecond, "must not wait out the total timeout when no first byte ever arrived")
}

// TestWaitForResponseTimesOutAtTotalDeadline confirms a response that starts
// but never finishes is eventually given up on at the total deadline rather
// than waited on forever.
func TestWaitForResponseTimesOutAtTotalDeadline(t *testing.T) {
	h := &HTTPIngress{}
	rec := httptest.NewRecorder()
	pr := newPendingRequest("r3", "t1", rec, time.Time{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		pr.MarkFirstByteWritten()
	}()

	started := time.Now()
	ok := h.waitForResponse(context.Background(), pr, started, 20*time.Millisecond, 60*time.Millisecond)

	assert.False(t, ok)
	assert.True(t, pr.FirstByteWritten())
}

func TestForwardedHeadersStripsHopByHopAndInjectsForwarded(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://app.example.com/x", nil)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("X-Custom", "v")
	req.RemoteAddr = "203.0.113.5:4444"

	out := forwardedHeaders(req, protocol.HeadersFromHTTP(map[string][]string(req.Header)))
	_, hasConnection := out["Connection"]
	assert.False(t, hasConnection)
	assert.Equal(t, []string{"v"}, out["X-Custom"])
	assert.Equal(t, []string{"203.0.113.5"}, out["X-Forwarded-For"])
	assert.Equal(t, []string{"http"}, out["X-Forwarded-Proto"])
	assert.Equal(t, []string{"app.example.com"}, out["X-Forwarded-Host"])
}
