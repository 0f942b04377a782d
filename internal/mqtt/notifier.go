// Package mqtt forwards operational events and periodic runtime stats
// to an MQTT broker, so the business owner's existing automation
// (dashboards, phone notifications) can watch the assistant without
// polling it.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/meridianworks/concierge/internal/config"
	"github.com/meridianworks/concierge/internal/events"
)

// StatsSource provides runtime data for the periodic stats publish. The
// concrete adapter is wired in main to avoid coupling this package to
// the API server.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// ActiveSessions returns the count of live visitor sessions.
	ActiveSessions() int
	// Conversations returns the count of retained transcripts.
	Conversations() int
}

// Notifier manages the MQTT connection, forwards bus events, and pushes
// periodic stats to the broker.
type Notifier struct {
	cfg    config.MQTTConfig
	bus    *events.Bus
	stats  StatsSource
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Notifier but does not connect. Call [Notifier.Start] to
// begin the connection and publish loops.
func New(cfg config.MQTTConfig, bus *events.Bus, stats StatsSource, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		bus:    bus,
		stats:  stats,
		logger: logger,
	}
}

// Start connects to the MQTT broker and blocks until ctx is cancelled,
// forwarding bus events and publishing stats on the configured
// interval. The broker marks the assistant offline via the will message
// if the process dies.
func (n *Notifier) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(n.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := n.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: n.cfg.Username,
		ConnectPassword: []byte(n.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			n.logger.Info("mqtt connected to broker", "broker", n.cfg.Broker)
			n.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			n.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: n.cfg.TopicPrefix + "-notifier",
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	n.cm = cm

	// Wait for the initial connection before starting the loops.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		n.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	n.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the connection.
func (n *Notifier) Stop(ctx context.Context) error {
	if n.cm == nil {
		return nil
	}
	n.publishAvailability(ctx, n.cm, "offline")
	return n.cm.Disconnect(ctx)
}

func (n *Notifier) availabilityTopic() string {
	return n.cfg.TopicPrefix + "/availability"
}

func (n *Notifier) eventTopic(e events.Event) string {
	return n.cfg.TopicPrefix + "/events/" + e.Source + "/" + e.Kind
}

func (n *Notifier) statTopic(name string) string {
	return n.cfg.TopicPrefix + "/stats/" + name
}

func (n *Notifier) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   n.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		n.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		n.logger.Info("mqtt availability published", "status", status)
	}
}

// runLoop forwards bus events as they arrive and publishes stats on the
// configured interval until ctx is cancelled.
func (n *Notifier) runLoop(ctx context.Context) {
	sub := n.bus.Subscribe(64)
	defer sub.Close()

	interval := time.Duration(n.cfg.PublishIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Publish stats immediately on start.
	n.publishStats(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub.C:
			n.publishEvent(ctx, e)
		case <-ticker.C:
			n.publishStats(ctx)
		}
	}
}

func (n *Notifier) publishEvent(ctx context.Context, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		n.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if _, err := n.cm.Publish(ctx, &paho.Publish{
		Topic:   n.eventTopic(e),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		n.logger.Debug("mqtt event publish failed",
			"kind", e.Kind, "error", err)
	}
}

func (n *Notifier) publishStats(ctx context.Context) {
	if n.cm == nil {
		return
	}

	states := map[string]string{
		"uptime":          n.stats.Uptime().Truncate(time.Second).String(),
		"version":         n.stats.Version(),
		"active_sessions": strconv.Itoa(n.stats.ActiveSessions()),
		"conversations":   strconv.Itoa(n.stats.Conversations()),
	}

	for name, value := range states {
		if _, err := n.cm.Publish(ctx, &paho.Publish{
			Topic:   n.statTopic(name),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			n.logger.Debug("mqtt stat publish failed",
				"stat", name, "error", err)
		}
	}

	n.logger.Debug("mqtt stats published", "stats", len(states))
}
