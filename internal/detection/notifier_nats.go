// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/sessionguard/internal/config"
	"github.com/tomtom215/sessionguard/internal/logging"
)

// ErrPublisherClosed is returned by Send after Close.
var ErrPublisherClosed = errors.New("nats publisher is closed")

// NATSMessage is the JSON published for each alert.
type NATSMessage struct {
	EventType string    `json:"event_type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Alert     *Alert    `json:"alert"`
}

// NATSNotifier publishes alerts to a NATS subject through a Watermill
// publisher. The connection is made on first use so an unreachable broker
// never blocks startup; a failed connect is retried on the next alert.
type NATSNotifier struct {
	cfg    config.NATSConfig
	logger watermill.LoggerAdapter

	mu        sync.Mutex
	publisher message.Publisher
	closed    bool
}

// NewNATSNotifier creates a NATS publisher from config.
func NewNATSNotifier(cfg config.NATSConfig) *NATSNotifier {
	if cfg.Subject == "" {
		cfg.Subject = "sessionguard.alerts"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.ReconnectBuffer <= 0 {
		cfg.ReconnectBuffer = 8 * 1024 * 1024
	}
	return &NATSNotifier{
		cfg:    cfg,
		logger: watermill.NewSlogLogger(logging.NewSlogLogger()),
	}
}

// Name returns the notifier name.
func (n *NATSNotifier) Name() string {
	return "nats"
}

// Enabled returns whether this notifier is enabled.
func (n *NATSNotifier) Enabled() bool {
	return n.cfg.Enabled && n.cfg.URL != ""
}

func (n *NATSNotifier) natsOptions() []natsgo.Option {
	return []natsgo.Option{
		natsgo.Name("sessionguard"),
		natsgo.MaxReconnects(n.cfg.MaxReconnects),
		natsgo.ReconnectWait(n.cfg.ReconnectWait),
		natsgo.ReconnectBufSize(n.cfg.ReconnectBuffer),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				n.logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			n.logger.Info("NATS reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
		natsgo.ErrorHandler(func(_ *natsgo.Conn, sub *natsgo.Subscription, err error) {
			fields := watermill.LogFields{}
			if sub != nil {
				fields["subject"] = sub.Subject
			}
			n.logger.Error("NATS error", err, fields)
		}),
	}
}

func (n *NATSNotifier) getPublisher() (message.Publisher, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, ErrPublisherClosed
	}
	if n.publisher != nil {
		return n.publisher, nil
	}

	// Plain core NATS: alerts are fire-and-forget, no stream is provisioned.
	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         n.cfg.URL,
		NatsOptions: n.natsOptions(),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled: true,
		},
	}, n.logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}
	n.publisher = pub
	return pub, nil
}

// Send publishes the alert. The message UUID is the alert UUID.
func (n *NATSNotifier) Send(ctx context.Context, alert *Alert) error {
	if !n.Enabled() {
		return nil
	}

	data, err := json.Marshal(NATSMessage{
		EventType: "account_sharing_alert",
		Source:    "sessionguard",
		Timestamp: alert.CreatedAt,
		Alert:     alert,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal NATS message: %w", err)
	}

	pub, err := n.getPublisher()
	if err != nil {
		return err
	}

	id := alert.UUID
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, data)
	msg.Metadata.Set("account", alert.Username)
	msg.Metadata.Set("event_type", "account_sharing_alert")
	msg.SetContext(ctx)

	if err := pub.Publish(n.cfg.Subject, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", n.cfg.Subject, err)
	}
	return nil
}

// Close shuts down the publisher. Later sends fail with ErrPublisherClosed.
func (n *NATSNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	if n.publisher == nil {
		return nil
	}
	return n.publisher.Close()
}
