package sight

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Publisher publishes session identifications to MQTT
type Publisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool
	logger *zap.Logger
}

// NewPublisher creates an identification publisher.
// A nil client disables publishing.
func NewPublisher(client mqtt.Client, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = "sightline"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		qos:    1,
		retain: true, // late subscribers see the latest identification
		logger: logger,
	}
}

// Publish sends one identification to <prefix>/sessions/<id>/identification
func (p *Publisher) Publish(ident Identification) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(ident)
	if err != nil {
		return fmt.Errorf("marshaling identification: %w", err)
	}

	topic := SessionTopic(p.prefix, ident.SessionID, topicIdentification)
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Clear removes the retained identification of an ended session.
// An empty retained payload deletes the broker's copy.
func (p *Publisher) Clear(sessionID string) error {
	if !p.retain {
		return nil
	}
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	topic := SessionTopic(p.prefix, sessionID, topicIdentification)
	token := p.client.Publish(topic, p.qos, true, []byte{})
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("clearing %s: %w", topic, token.Error())
	}
	return nil
}

// SessionEnded is a registry end hook that clears the session's retained topic
func (p *Publisher) SessionEnded(sessionID string) {
	if err := p.Clear(sessionID); err != nil {
		p.logger.Debug("Retained identification not cleared",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// Listener adapts Publish for a session; failures are logged
func (p *Publisher) Listener() Listener {
	return func(ident Identification) {
		if err := p.Publish(ident); err != nil {
			p.logger.Warn("Error publishing identification",
				zap.String("session_id", ident.SessionID),
				zap.Error(err),
			)
		}
	}
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
