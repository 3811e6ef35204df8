// Package api wires the gateway's two HTTP-facing surfaces: the
// WebSocket upgrade handler that drives hub.Hub, and the REST
// endpoints for the reservation/conflict engine. Everything else a
// production control plane needs (session CRUD, billing, plugins) is
// out of scope for this gateway.
package api

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentrelay/gateway/internal/logger"
)

// gorillaTransport adapts a *websocket.Conn to hub.Transport. Writes
// are serialized through a mutex since gorilla/websocket forbids
// concurrent writers on one connection.
type gorillaTransport struct {
	conn    *websocket.Conn
	writeMu chan struct{} // 1-buffered, used as a mutex; acquiring it blocks until the holder releases it
}

func newGorillaTransport(conn *websocket.Conn) *gorillaTransport {
	t := &gorillaTransport{conn: conn, writeMu: make(chan struct{}, 1)}
	t.writeMu <- struct{}{}
	return t
}

func (t *gorillaTransport) Send(frameType string, body interface{}) error {
	data, err := encodeFrame(frameType, body)
	if err != nil {
		return err
	}
	<-t.writeMu
	defer func() { t.writeMu <- struct{}{} }()

	_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *gorillaTransport) Close(code int, reason string) error {
	<-t.writeMu
	defer func() { t.writeMu <- struct{}{} }()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = t.conn.WriteMessage(websocket.CloseMessage, msg)
	return t.conn.Close()
}

// encodeFrame mirrors wsproto.Encode; kept local so the transport
// doesn't need to import wsproto just to stamp a type field onto a
// body that may itself come from wsproto.
func encodeFrame(frameType string, body interface{}) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		logger.HTTP().Error().Err(err).Msg("failed to marshal outbound frame body")
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["type"] = frameType
	return json.Marshal(fields)
}
