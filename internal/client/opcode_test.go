package client

import (
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/watzon/sellia/internal/protocol"
)

func TestWSOpcodeRoundTrip(t *testing.T) {
	cases := map[int]protocol.WSOpcode{
		websocket.TextMessage:   protocol.OpText,
		websocket.BinaryMessage: protocol.OpBinary,
		websocket.CloseMessage:  protocol.OpClose,
		websocket.PingMessage:   protocol.OpPing,
		websocket.PongMessage:   protocol.OpPong,
	}
	for wire, proto := range cases {
		assert.Equal(t, proto, wsOpcodeName(wire))
		assert.Equal(t, wire, wsOpcodeValue(proto))
	}
}

func TestWSOpcodeNameUnknownFallsBackToBinary(t *testing.T) {
	assert.Equal(t, protocol.OpBinary, wsOpcodeName(999))
}
