// Package ingest bridges out-of-process agent drivers into the hub.
// Drivers (agent execution runtimes, out of scope for this gateway)
// publish DriverEvent envelopes onto NATS subjects; the Bridge
// subscribes to all of them and relays each into hub.Publish, keeping
// the driver/hub boundary a real process boundary rather than an
// in-process call.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/agentrelay/gateway/internal/hub"
	"github.com/agentrelay/gateway/internal/logger"
	"github.com/agentrelay/gateway/internal/wsproto"
)

// Config holds NATS connection settings for the ingest bridge.
type Config struct {
	URL      string
	User     string
	Password string
}

// DriverEvent is the wire envelope a driver publishes to NATS. It
// carries exactly the fields hub.Publish needs, so the bridge is a
// pure relay with no domain knowledge of what the payload means.
type DriverEvent struct {
	Channel  string            `json:"channel"`
	Type     wsproto.MessageType `json:"type"`
	Payload  json.RawMessage   `json:"payload"`
	Metadata *wsproto.Metadata `json:"metadata,omitempty"`
}

// Bridge relays driver events from NATS into the hub. If NATS is
// unavailable at startup it runs disabled rather than failing the
// gateway, matching the teacher's graceful-degradation posture for
// optional infrastructure.
type Bridge struct {
	conn    *nats.Conn
	hub     *hub.Hub
	enabled bool
	sub     *nats.Subscription
}

// NewBridge connects to NATS and returns a disabled bridge (not an
// error) if cfg.URL is empty or the connection fails.
func NewBridge(cfg Config, h *hub.Hub) (*Bridge, error) {
	if cfg.URL == "" {
		logger.Ingest().Warn().Msg("NATS_URL not configured, ingest bridge disabled")
		return &Bridge{hub: h, enabled: false}, nil
	}

	opts := []nats.Option{
		nats.Name("agentrelay-gateway-ingest"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Ingest().Warn().Err(err).Msg("NATS ingest connection lost")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Ingest().Info().Str("url", nc.ConnectedUrl()).Msg("NATS ingest reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Ingest().Error().Err(err).Msg("NATS ingest error")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		logger.Ingest().Warn().Err(err).Str("url", cfg.URL).Msg("failed to connect ingest bridge to NATS, running disabled")
		return &Bridge{hub: h, enabled: false}, nil
	}

	logger.Ingest().Info().Str("url", conn.ConnectedUrl()).Msg("ingest bridge connected to NATS")
	return &Bridge{conn: conn, hub: h, enabled: true}, nil
}

// IsEnabled reports whether the bridge holds a live NATS connection.
func (b *Bridge) IsEnabled() bool { return b.enabled }

// Start subscribes to every driver event subject and blocks until ctx
// is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.enabled {
		logger.Ingest().Info().Msg("ingest bridge disabled, not starting")
		return nil
	}

	sub, err := b.conn.Subscribe(SubjectAllEvents, func(msg *nats.Msg) {
		b.relay(ctx, msg.Data)
	})
	if err != nil {
		return err
	}
	b.sub = sub
	logger.Ingest().Info().Str("subject", SubjectAllEvents).Msg("ingest bridge subscribed")

	<-ctx.Done()
	return nil
}

// Close unsubscribes and drains the NATS connection.
func (b *Bridge) Close() {
	if !b.enabled {
		return
	}
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	_ = b.conn.Drain()
	b.conn.Close()
}

func (b *Bridge) relay(ctx context.Context, data []byte) {
	var event DriverEvent
	if err := json.Unmarshal(data, &event); err != nil {
		logger.Ingest().Error().Err(err).Msg("failed to unmarshal driver event")
		return
	}
	if event.Channel == "" {
		logger.Ingest().Error().Msg("driver event missing channel")
		return
	}

	cursor, aerr := b.hub.Publish(ctx, event.Channel, event.Type, event.Payload, event.Metadata)
	if aerr != nil {
		logger.Ingest().Error().Str("channel", event.Channel).Str("code", aerr.Code).Msg("failed to relay driver event into hub")
		return
	}
	logger.Ingest().Debug().Str("channel", event.Channel).Str("cursor", cursor.String()).Msg("relayed driver event")
}
