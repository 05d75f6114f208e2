package protocol

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllVariants(t *testing.T) {
	cases := []struct {
		tag     string
		payload interface{}
	}{
		{TagAuth, AuthPayload{Credential: "tok_abc"}},
		{TagAuthOk, AuthOkPayload{AccountID: "acct_1", Limits: map[string]RateLimitSetting{
			"connection": {Capacity: 10, RefillPerSec: 1},
		}}},
		{TagAuthError, AuthErrorPayload{Reason: "timeout"}},
		{TagTunnelOpen, TunnelOpenPayload{Kind: KindHTTP, LocalPort: 8080, RequestedSubdomain: "myapp"}},
		{TagTunnelReady, TunnelReadyPayload{TunnelID: "t1", PublicURL: "https://myapp.example.com", Subdomain: "myapp"}},
		{TagTunnelClose, TunnelClosePayload{TunnelID: "t1", Reason: "rate limit"}},
		{TagRequestStart, RequestStartPayload{RequestID: "r1", TunnelID: "t1", Method: "GET", Path: "/", Headers: Headers{"X-A": {"1", "2"}}}},
		{TagRequestBody, RequestBodyPayload{RequestID: "r1", Chunk: []byte("hello"), Final: true}},
		{TagResponseStart, ResponseStartPayload{RequestID: "r1", StatusCode: 200, Headers: Headers{"Content-Type": {"text/plain"}}}},
		{TagResponseBody, ResponseBodyPayload{RequestID: "r1", Chunk: []byte("world")}},
		{TagResponseEnd, ResponseEndPayload{RequestID: "r1"}},
		{TagWSUpgrade, WSUpgradePayload{RequestID: "r2", TunnelID: "t1", Path: "/socket"}},
		{TagWSUpgradeOk, WSUpgradeOkPayload{RequestID: "r2", Headers: Headers{"Sec-WebSocket-Protocol": {"vite-hmr"}}}},
		{TagWSUpgradeError, WSUpgradeErrorPayload{RequestID: "r2", Status: 502}},
		{TagWSFrame, WSFramePayload{RequestID: "r2", Opcode: OpText, Payload: []byte("ping"), Fin: true}},
		{TagWSClose, WSClosePayload{RequestID: "r2", Code: 1000, Reason: "bye"}},
		{TagTCPOpen, TCPOpenPayload{ConnectionID: "c1", TunnelID: "t1", RemoteAddr: "1.2.3.4:5555"}},
		{TagTCPOpenOk, TCPOpenOkPayload{ConnectionID: "c1"}},
		{TagTCPOpenError, TCPOpenErrorPayload{ConnectionID: "c1", Message: "refused"}},
		{TagTCPData, TCPDataPayload{ConnectionID: "c1", Data: []byte{1, 2, 3}}},
		{TagTCPClose, TCPClosePayload{ConnectionID: "c1"}},
		{TagPing, PingPayload{TimestampMs: 12345}},
		{TagPong, PongPayload{TimestampMs: 12345}},
	}

	for _, tc := range cases {
		t.Run(tc.tag, func(t *testing.T) {
			msg, err := NewMessage(tc.tag, tc.payload)
			require.NoError(t, err)

			data, err := Encode(msg)
			require.NoError(t, err)

			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tc.tag, decoded.Tag)

			got := reflect.New(reflect.TypeOf(tc.payload))
			require.NoError(t, decoded.Parse(got.Interface()))
			assert.Equal(t, tc.payload, got.Elem().Interface())
		})
	}
}

func TestDecodeMalformedFrame(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Decode([]byte(`{"payload":{}}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decode([]byte(`{"tag":"not_a_real_tag"}`))
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestDecodeOversizeFrame(t *testing.T) {
	big := make([]byte, MaxFrameSize+1)
	_, err := Decode(big)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestIsHopByHop(t *testing.T) {
	assert.True(t, IsHopByHop("Connection"))
	assert.True(t, IsHopByHop("Upgrade"))
	assert.False(t, IsHopByHop("Content-Type"))
}
