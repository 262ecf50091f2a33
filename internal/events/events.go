// Package events publishes ticket lifecycle transitions to an MQTT
// broker so dashboards and downstream automations can react without
// polling the database. Topics:
//
//	{prefix}/availability                    retained online/offline
//	{prefix}/tickets/{ticket_id}/status      retained JSON, latest transition
//	{prefix}/tickets/transitions             JSON firehose, every transition
package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/deskhand/deskhand/internal/config"
)

// Transition is one published ticket status change.
type Transition struct {
	TicketID      string    `json:"ticket_id"`
	CustomerEmail string    `json:"customer_email,omitempty"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

// Publisher manages the MQTT connection and publishes transitions.
// A nil Publisher is valid and drops every publish, so callers never
// need to guard for the events bus being unconfigured.
type Publisher struct {
	cfg    config.EventsConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect; call Start first.
func New(cfg config.EventsConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, logger: logger}
}

// Start connects to the broker. autopaho keeps reconnecting in the
// background for the lifetime of ctx; a slow initial connection is
// logged but not fatal.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "deskhand-events",
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes an offline availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p == nil || p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// PublishTransition emits one ticket status change. Publish failures
// are logged and swallowed: the event bus is advisory and must never
// block ticket processing.
func (p *Publisher) PublishTransition(ctx context.Context, tr Transition) {
	if p == nil || p.cm == nil {
		return
	}
	if tr.At.IsZero() {
		tr.At = time.Now().UTC()
	}

	payload, err := json.Marshal(tr)
	if err != nil {
		p.logger.Error("mqtt marshal transition", "ticket_id", tr.TicketID, "error", err)
		return
	}

	// Retained per-ticket state for late subscribers.
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(tr.TicketID),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt status publish failed", "ticket_id", tr.TicketID, "error", err)
	}

	// Firehose for stream consumers.
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.transitionsTopic(),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt transition publish failed", "ticket_id", tr.TicketID, "error", err)
	}
}

func (p *Publisher) prefix() string {
	if p.cfg.TopicPrefix != "" {
		return p.cfg.TopicPrefix
	}
	return "deskhand"
}

func (p *Publisher) availabilityTopic() string {
	return p.prefix() + "/availability"
}

func (p *Publisher) statusTopic(ticketID string) string {
	return p.prefix() + "/tickets/" + ticketID + "/status"
}

func (p *Publisher) transitionsTopic() string {
	return p.prefix() + "/tickets/transitions"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}
