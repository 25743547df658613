// Package events relays broadcast-hub events between server instances
// over NATS, so a user's tabs connected to different instances still
// see each other's invalidations.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/timersync/server/internal/services"
)

// envelope wraps a hub message with its originating instance so the
// relay can drop its own publications.
type envelope struct {
	InstanceID  string          `json:"instance_id"`
	UserID      string          `json:"user_id"`
	OriginTabID string          `json:"origin_tab_id"`
	Message     json.RawMessage `json:"message"`
}

// Relay bridges a local BroadcastHub with a NATS subject tree.
type Relay struct {
	nc         *nats.Conn
	hub        *services.BroadcastHub
	subject    string
	instanceID string
	sub        *nats.Subscription
}

// Connect dials NATS and wires the relay into the hub. Subject is the
// base name; user events travel on "<subject>.<user_id>".
func Connect(url, subject string, hub *services.BroadcastHub) (*Relay, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	r := &Relay{
		nc:         nc,
		hub:        hub,
		subject:    subject,
		instanceID: uuid.New().String(),
	}

	sub, err := nc.Subscribe(subject+".>", r.handle)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	r.sub = sub

	hub.SetForwarder(r.forward)
	log.Info().Str("subject", subject).Str("instance_id", r.instanceID).Msg("event relay connected")
	return r, nil
}

// forward publishes a locally broadcast message for other instances.
func (r *Relay) forward(userID, originTabID string, message []byte) {
	env := envelope{
		InstanceID:  r.instanceID,
		UserID:      userID,
		OriginTabID: originTabID,
		Message:     message,
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal relay envelope")
		return
	}
	if err := r.nc.Publish(r.subject+"."+userID, data); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to publish relay event")
	}
}

// handle injects messages published by other instances into the local hub.
func (r *Relay) handle(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Warn().Err(err).Msg("invalid relay envelope")
		return
	}
	if env.InstanceID == r.instanceID {
		return
	}
	r.hub.DeliverRaw(env.UserID, env.OriginTabID, env.Message)
}

// Close detaches from the hub and drains the connection.
func (r *Relay) Close() {
	r.hub.SetForwarder(nil)
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if err := r.nc.Drain(); err != nil {
		r.nc.Close()
	}
}
