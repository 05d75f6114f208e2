package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/watzon/sellia/internal/protocol"
)

// WSUpgradeTimeout bounds how long the public side waits for the client to
// accept or reject a WebSocket upgrade.
const WSUpgradeTimeout = 10 * time.Second

var publicUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// bridgeWebSocket is the streaming WebSocket ingress data plane, built on
// gorilla/websocket for both the control channel and the public side. It
// asks the owning client to upgrade its local connection, then relays
// frames bidirectionally until either side closes.
func (h *HTTPIngress) bridgeWebSocket(w http.ResponseWriter, r *http.Request, t *Tunnel, conn *ClientConnection) {
	requestID := generateTunnelID()
	pw := newPendingWebSocket(requestID, t.ID)
	h.PendingWS.Add(pw)
	defer h.PendingWS.Take(requestID)

	upgradeMsg, err := protocol.NewMessage(protocol.TagWSUpgrade, protocol.WSUpgradePayload{
		RequestID: requestID,
		TunnelID:  t.ID,
		Path:      r.URL.RequestURI(),
		Headers:   forwardedHeaders(r, protocol.HeadersFromHTTP(map[string][]string(r.Header))),
	})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := h.send(conn, upgradeMsg); err != nil {
		http.Error(w, "tunnel client disconnected", http.StatusBadGateway)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), WSUpgradeTimeout)
	defer cancel()
	ok, headers, status, message := pw.WaitUpgrade(ctx)
	if !ok {
		if status == 0 {
			status = http.StatusBadGateway
		}
		http.Error(w, message, status)
		return
	}

	responseHeader := http.Header{}
	protocol.HeadersToHTTP(headers, responseHeader)
	publicConn, err := publicUpgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return
	}
	defer publicConn.Close()

	done := make(chan struct{})
	go h.pumpPublicToClient(publicConn, conn, requestID, pw, done)
	h.pumpClientToPublic(publicConn, pw)
	_ = publicConn.Close()
	<-done
}

func (h *HTTPIngress) pumpPublicToClient(publicConn *websocket.Conn, conn *ClientConnection, requestID string, pw *PendingWebSocket, done chan<- struct{}) {
	defer close(done)
	defer pw.CloseBridge()
	for {
		opcode, data, err := publicConn.ReadMessage()
		if err != nil {
			closeMsg, merr := protocol.NewMessage(protocol.TagWSClose, protocol.WSClosePayload{RequestID: requestID})
			if merr == nil {
				_ = h.send(conn, closeMsg)
			}
			return
		}
		frameMsg, err := protocol.NewMessage(protocol.TagWSFrame, protocol.WSFramePayload{
			RequestID: requestID,
			Opcode:    opcodeToProtocol(opcode),
			Payload:   data,
			Fin:       true,
		})
		if err != nil {
			continue
		}
		if err := h.send(conn, frameMsg); err != nil {
			return
		}
	}
}

func (h *HTTPIngress) pumpClientToPublic(publicConn *websocket.Conn, pw *PendingWebSocket) {
	for {
		select {
		case frame, ok := <-pw.Inbound:
			if !ok {
				return
			}
			if err := publicConn.WriteMessage(opcodeFromProtocol(frame.Opcode), frame.Payload); err != nil {
				return
			}
			if frame.Opcode == protocol.OpClose {
				return
			}
		case <-pw.Closed:
			return
		}
	}
}

func opcodeToProtocol(opcode int) protocol.WSOpcode {
	switch opcode {
	case websocket.TextMessage:
		return protocol.OpText
	case websocket.BinaryMessage:
		return protocol.OpBinary
	case websocket.CloseMessage:
		return protocol.OpClose
	case websocket.PingMessage:
		return protocol.OpPing
	case websocket.PongMessage:
		return protocol.OpPong
	default:
		return protocol.OpBinary
	}
}

func opcodeFromProtocol(opcode protocol.WSOpcode) int {
	switch opcode {
	case protocol.OpText:
		return websocket.TextMessage
	case protocol.OpBinary:
		return websocket.BinaryMessage
	case protocol.OpClose:
		return websocket.CloseMessage
	case protocol.OpPing:
		return websocket.PingMessage
	case protocol.OpPong:
		return websocket.PongMessage
	default:
		return websocket.BinaryMessage
	}
}
