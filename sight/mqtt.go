package sight

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// PoseSink receives poses addressed to a session.
// NMEA batches go to the sink raw so assembler state lives and dies with the session.
type PoseSink interface {
	SubmitPose(sessionID string, p Pose) error
	SubmitNMEA(sessionID string, data []byte) (skipped int, err error)
	EndSession(sessionID string)
}

// Topic suffixes under <prefix>/sessions/<id>/
const (
	topicPose           = "pose"
	topicNMEA           = "nmea"
	topicStop           = "stop"
	topicIdentification = "identification"
)

// MQTTClient subscribes to per-session pose streams
type MQTTClient struct {
	client mqtt.Client
	cfg    MQTTConfig
	sink   PoseSink
	logger *zap.Logger

	mu          sync.RWMutex
	isConnected bool
}

// NewMQTTClient configures an MQTT client. It returns nil, nil when no broker
// is configured, which disables the MQTT transport.
func NewMQTTClient(cfg MQTTConfig, sink PoseSink, logger *zap.Logger) (*MQTTClient, error) {
	if cfg.Broker == "" {
		if logger != nil {
			logger.Info("MQTT disabled: no broker configured")
		}
		return nil, nil
	}
	if sink == nil {
		return nil, fmt.Errorf("MQTT enabled but no pose sink provided")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &MQTTClient{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "sightline"
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	// Poses for one session must reach its loop in order
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// newMQTTClientWithMock wraps a provided mqtt.Client, for tests
func newMQTTClientWithMock(client mqtt.Client, cfg MQTTConfig, sink PoseSink) *MQTTClient {
	return &MQTTClient{
		client: client,
		cfg:    cfg,
		sink:   sink,
		logger: zap.NewNop(),
	}
}

// Start connects in the background, retrying with exponential backoff
func (c *MQTTClient) Start() {
	go c.connectWithRetry()
}

func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.logger.Info("Connecting to MQTT broker", zap.String("broker", c.cfg.Broker))

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.logger.Info("Connected to MQTT broker")
				c.setConnected(true)
				return
			}
			c.logger.Warn("MQTT connection failed", zap.Error(token.Error()))
		} else {
			c.logger.Warn("MQTT connection timeout")
		}

		c.logger.Info("Retrying MQTT connection", zap.Duration("delay", retryDelay))
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// SessionTopic returns <prefix>/sessions/<id>/<suffix>
func SessionTopic(prefix, sessionID, suffix string) string {
	return fmt.Sprintf("%s/sessions/%s/%s", prefix, sessionID, suffix)
}

// sessionFromTopic extracts the session id from <prefix>/sessions/<id>/<suffix>
func sessionFromTopic(prefix, topic string) (string, string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/sessions/")
	if !ok {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.logger.Info("MQTT connected, subscribing to session topics")
	c.setConnected(true)

	subs := map[string]mqtt.MessageHandler{
		SessionTopic(c.cfg.TopicPrefix, "+", topicPose): c.handlePose,
		SessionTopic(c.cfg.TopicPrefix, "+", topicNMEA): c.handleNMEA,
		SessionTopic(c.cfg.TopicPrefix, "+", topicStop): c.handleStop,
	}
	for topic, handler := range subs {
		token := client.Subscribe(topic, 0, handler)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			c.logger.Error("Error subscribing", zap.String("topic", topic), zap.Error(token.Error()))
			continue
		}
		c.logger.Info("Subscribed", zap.String("topic", topic))
	}
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	c.logger.Warn("MQTT connection interrupted, auto-reconnect will retry", zap.Error(err))
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.logger.Info("MQTT reconnecting")
}

func (c *MQTTClient) handlePose(client mqtt.Client, msg mqtt.Message) {
	id, _, ok := sessionFromTopic(c.cfg.TopicPrefix, msg.Topic())
	if !ok {
		return
	}
	var p Pose
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		c.logger.Warn("Undecodable pose", zap.String("session_id", id), zap.Error(err))
		return
	}
	if err := c.sink.SubmitPose(id, p); err != nil {
		c.logger.Warn("Rejected pose", zap.String("session_id", id), zap.Error(err))
	}
}

func (c *MQTTClient) handleNMEA(client mqtt.Client, msg mqtt.Message) {
	id, _, ok := sessionFromTopic(c.cfg.TopicPrefix, msg.Topic())
	if !ok {
		return
	}
	bad, err := c.sink.SubmitNMEA(id, msg.Payload())
	if bad > 0 {
		c.logger.Debug("Skipped unparseable NMEA sentences", zap.String("session_id", id), zap.Int("count", bad))
	}
	if err != nil {
		c.logger.Warn("Rejected NMEA pose", zap.String("session_id", id), zap.Error(err))
	}
}

func (c *MQTTClient) handleStop(client mqtt.Client, msg mqtt.Message) {
	id, _, ok := sessionFromTopic(c.cfg.TopicPrefix, msg.Topic())
	if !ok {
		return
	}
	c.logger.Info("Session stopped by client", zap.String("session_id", id))
	c.sink.EndSession(id)
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.logger.Info("Disconnecting from MQTT broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}
