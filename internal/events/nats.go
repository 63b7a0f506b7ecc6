package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig configures the NATS event sink
type NATSConfig struct {
	URL    string
	Prefix string // Subject prefix (default: "orderbridge.")
}

// DefaultNATSConfig returns default configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:    nats.DefaultURL,
		Prefix: "orderbridge.",
	}
}

// NATSSink republishes a connector's events on NATS.
//
// Subjects: {prefix}{connector}.state and {prefix}{connector}.fill
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink connects to NATS
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("orderbridge-events"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = "orderbridge."
	}

	log.Info().
		Str("nats_url", cfg.URL).
		Str("prefix", cfg.Prefix).
		Msg("NATS event sink initialized")

	return &NATSSink{nc: nc, prefix: cfg.Prefix}, nil
}

// StateSubject returns the subject state changes of a connector are published on
func (s *NATSSink) StateSubject(connector string) string {
	return s.prefix + connector + ".state"
}

// FillSubject returns the subject fills of a connector are published on
func (s *NATSSink) FillSubject(connector string) string {
	return s.prefix + connector + ".fill"
}

// PublishStateChanged publishes one state change
func (s *NATSSink) PublishStateChanged(e StateChanged) error {
	return s.publish(s.StateSubject(e.Connector), e)
}

// PublishFill publishes one fill
func (s *NATSSink) PublishFill(e Fill) error {
	return s.publish(s.FillSubject(e.Connector), e)
}

// Run forwards events from bus until ctx is done or both topics are closed.
// Publish failures are logged and do not stop forwarding.
func (s *NATSSink) Run(ctx context.Context, bus *Bus) error {
	states := bus.States.Subscribe()
	defer states.Unsubscribe()
	fills := bus.Fills.Subscribe()
	defer fills.Unsubscribe()

	stateC, fillC := states.C(), fills.C()
	for stateC != nil || fillC != nil {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-stateC:
			if !ok {
				stateC = nil
				continue
			}
			if err := s.PublishStateChanged(e); err != nil {
				log.Warn().Err(err).
					Str("client_order_id", e.Order.ClientOrderID).
					Msg("Failed to publish state change")
			}
		case e, ok := <-fillC:
			if !ok {
				fillC = nil
				continue
			}
			if err := s.PublishFill(e); err != nil {
				log.Warn().Err(err).
					Str("client_order_id", e.Order.ClientOrderID).
					Str("trade_id", e.Trade.TradeID).
					Msg("Failed to publish fill")
			}
		}
	}
	return nil
}

// Close flushes pending messages and closes the connection
func (s *NATSSink) Close() error {
	if s.nc == nil {
		return nil
	}
	if err := s.nc.Flush(); err != nil {
		log.Warn().Err(err).Msg("Failed to flush NATS connection")
	}
	s.nc.Close()
	return nil
}

func (s *NATSSink) publish(subject string, v interface{}) error {
	if !s.nc.IsConnected() {
		return fmt.Errorf("event sink not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	log.Debug().Str("subject", subject).Msg("Event published")
	return nil
}
