package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentrelay/gateway/internal/auth"
	"github.com/agentrelay/gateway/internal/authz"
	"github.com/agentrelay/gateway/internal/heartbeat"
	"github.com/agentrelay/gateway/internal/hub"
	"github.com/agentrelay/gateway/internal/logger"
	"github.com/agentrelay/gateway/internal/wsproto"
)

const serverVersion = "1.0.0"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHandler upgrades authenticated HTTP requests to the gateway's
// WebSocket protocol and drives the read loop against the hub.
type WSHandler struct {
	hub *hub.Hub
}

// NewWSHandler builds a WS handler bound to h.
func NewWSHandler(h *hub.Hub) *WSHandler {
	return &WSHandler{hub: h}
}

// Handle upgrades the connection, registers it with the hub, and
// blocks serving client frames until the socket closes.
//
// Channels embedded in a reconnect frame's cursor map are not trusted
// merely because the client named them: Subscribe re-runs full
// authorization on every one of them, exactly as it would for a fresh
// subscribe (spec §9: "authorization must run on URL-embedded
// subscriptions").
func (h *WSHandler) Handle(c *gin.Context) {
	claims, ok := auth.ClaimsFromContext(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	principal := authz.Principal{
		UserID:        claims.UserID,
		WorkspaceIDs:  claims.WorkspaceIDs,
		IsAdmin:       claims.IsAdmin,
		Authenticated: true,
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.HTTP().Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	transport := newGorillaTransport(conn)
	connID := uuid.NewString()
	now := time.Now()
	hc := hub.NewConnection(connID, principal, transport, now)
	h.hub.AddConnection(hc)

	_ = transport.Send(wsproto.ServerFrameConnected, wsproto.ConnectedFrame{
		ConnectionID:      connID,
		ServerTime:        now.UTC().Format(time.RFC3339Nano),
		ServerVersion:     serverVersion,
		Capabilities:      []string{"backfill", "reconnect", "ack"},
		HeartbeatInterval: heartbeat.DefaultConfig().Interval.Milliseconds(),
	})

	h.readLoop(c.Request.Context(), conn, hc)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, hc *hub.Connection) {
	defer h.hub.RemoveConnection(hc.ID)
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			logger.HTTP().Debug().Str("connectionId", hc.ID).Err(err).Msg("websocket read loop ended")
			return
		}

		frame, aerr := wsproto.ParseClientFrame(raw)
		if aerr != nil {
			_ = hc.Transport.Send(wsproto.ServerFrameError, wsproto.ErrorFrameFrom(aerr, ""))
			continue
		}
		hc.Touch(time.Now())
		h.dispatch(ctx, hc, frame)
	}
}

func (h *WSHandler) dispatch(ctx context.Context, hc *hub.Connection, frame *wsproto.ClientFrame) {
	switch frame.Type {
	case wsproto.ClientFrameSubscribe:
		h.handleSubscribe(ctx, hc, frame.Subscribe)
	case wsproto.ClientFrameUnsubscribe:
		h.hub.Unsubscribe(hc.ID, frame.Unsubscribe.Channel)
		_ = hc.Transport.Send(wsproto.ServerFrameUnsubscribed, wsproto.UnsubscribedFrame{Channel: frame.Unsubscribe.Channel})
	case wsproto.ClientFrameBackfill:
		h.handleBackfill(ctx, hc, frame.Backfill)
	case wsproto.ClientFramePing:
		pong := heartbeat.Pong(hc, frame.Ping.Timestamp, time.Now())
		_ = hc.Transport.Send(wsproto.ServerFramePong, pong)
	case wsproto.ClientFrameReconnect:
		h.handleReconnect(ctx, hc, frame.Reconnect)
	case wsproto.ClientFrameAck:
		h.handleAck(hc, frame.Ack)
	}
}

// handleSubscribe replays any missed messages before acknowledging the
// subscription (spec §5: deliver-missed-then-acknowledge order). A
// client that sees "subscribed" knows every message up to that cursor
// already arrived as an individual "message" frame.
func (h *WSHandler) handleSubscribe(ctx context.Context, hc *hub.Connection, f *wsproto.SubscribeFrame) {
	res, aerr := h.hub.Subscribe(ctx, hc.ID, f.Channel, f.Cursor)
	if aerr != nil {
		_ = hc.Transport.Send(wsproto.ServerFrameError, wsproto.ErrorFrameFrom(aerr, f.Channel))
		return
	}
	for _, msg := range res.Backfilled {
		if err := hc.Transport.Send(wsproto.ServerFrameMessage, wsproto.MessageFrame{Message: msg, AckRequired: msg.Type.AckRequired()}); err != nil {
			logger.HTTP().Debug().Str("connectionId", hc.ID).Err(err).Msg("backfill replay send failed")
			return
		}
	}
	_ = hc.Transport.Send(wsproto.ServerFrameSubscribed, wsproto.SubscribedFrame{Channel: f.Channel, Cursor: res.LastCursor.String()})
}

func (h *WSHandler) handleBackfill(ctx context.Context, hc *hub.Connection, f *wsproto.BackfillFrame) {
	messages, last, hasMore, expired, aerr := h.hub.Replay(ctx, hc.ID, f.Channel, f.FromCursor, f.Limit)
	if aerr != nil {
		_ = hc.Transport.Send(wsproto.ServerFrameError, wsproto.ErrorFrameFrom(aerr, f.Channel))
		return
	}
	_ = hc.Transport.Send(wsproto.ServerFrameBackfillResponse, wsproto.BackfillResponseFrame{
		Channel:       f.Channel,
		Messages:      messages,
		LastCursor:    last.String(),
		HasMore:       hasMore,
		CursorExpired: expired,
	})
}

func (h *WSHandler) handleReconnect(ctx context.Context, hc *hub.Connection, f *wsproto.ReconnectFrame) {
	res, aerr := h.hub.Reconnect(ctx, hc.ID, f.Cursors)
	if aerr != nil {
		_ = hc.Transport.Send(wsproto.ServerFrameError, wsproto.ErrorFrameFrom(aerr, ""))
		return
	}
	_ = hc.Transport.Send(wsproto.ServerFrameReconnectAck, wsproto.ReconnectAckFrame{
		Replayed:   res.Replayed,
		Expired:    res.Expired,
		NewCursors: res.NewCursors,
	})
}

func (h *WSHandler) handleAck(hc *hub.Connection, f *wsproto.AckFrame) {
	res, aerr := h.hub.Ack(hc.ID, f.MessageIDs)
	if aerr != nil {
		_ = hc.Transport.Send(wsproto.ServerFrameError, wsproto.ErrorFrameFrom(aerr, ""))
		return
	}
	_ = hc.Transport.Send(wsproto.ServerFrameAckResponse, wsproto.AckResponseFrame{
		Acknowledged: res.Acknowledged,
		NotFound:     res.NotFound,
	})
}
