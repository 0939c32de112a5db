package publisher

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jgoulah/rtenergy/internal/config"
	"github.com/jgoulah/rtenergy/internal/log"
	"github.com/jgoulah/rtenergy/internal/scheduler"
	"github.com/jgoulah/rtenergy/pkg/models"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	publishTimeout = 5 * time.Second
)

// client is the part of mqtt.Client the publisher uses
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Publisher exports the live state to an MQTT broker. It implements
// scheduler.Sink; Write never waits on the broker.
type Publisher struct {
	client      client
	topicPrefix string

	mu            sync.Mutex
	lastConnected *bool
	pending       sync.WaitGroup
}

var _ scheduler.Sink = (*Publisher)(nil)

// RMSPayload is published on <prefix>/rms
type RMSPayload struct {
	models.RMSSnapshot
	Timestamp string `json:"timestamp"`
}

// LoadPayload is published on <prefix>/load
type LoadPayload struct {
	models.ClassificationResult
	Timestamp string `json:"timestamp"`
}

// New connects to the broker. The connected topic is retained and carries a
// last-will of "offline" so subscribers notice a dead watcher.
func New(mqttCfg config.MQTTConfig, clientID string) (*Publisher, error) {
	if mqttCfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required when enabled")
	}

	topicPrefix := strings.TrimSuffix(mqttCfg.TopicPrefix, "/")
	if topicPrefix == "" {
		topicPrefix = config.DefaultTopicPrefix
	}

	broker := mqttCfg.Broker
	if !strings.Contains(broker, "://") {
		broker = fmt.Sprintf("tcp://%s", broker)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetWill(topicPrefix+"/connected", payloadOffline, 1, true)

	if mqttCfg.Username != "" {
		opts.SetUsername(mqttCfg.Username)
	}
	if mqttCfg.Password != "" {
		opts.SetPassword(mqttCfg.Password)
	}

	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker: %w", token.Error())
	}
	log.Infow("connected to MQTT broker", "broker", broker, "client_id", clientID, "topic_prefix", topicPrefix)

	return newPublisher(c, topicPrefix), nil
}

func newPublisher(c client, topicPrefix string) *Publisher {
	return &Publisher{client: c, topicPrefix: topicPrefix}
}

func (p *Publisher) Name() string { return "mqtt" }

// Write publishes the changed value and, when it moved, the connectivity flag
func (p *Publisher) Write(u scheduler.Update) error {
	snap := u.Snapshot

	switch u.Category {
	case models.CategoryRMS:
		if snap.RMS != nil {
			st := snap.StatusOf(models.CategoryRMS)
			if err := p.publishJSON("rms", false, RMSPayload{RMSSnapshot: *snap.RMS, Timestamp: st.UpdatedAt.UTC().Format(time.RFC3339)}); err != nil {
				return err
			}
		}
	case models.CategoryClassification:
		if snap.Classification != nil {
			st := snap.StatusOf(models.CategoryClassification)
			if err := p.publishJSON("load", true, LoadPayload{ClassificationResult: *snap.Classification, Timestamp: st.UpdatedAt.UTC().Format(time.RFC3339)}); err != nil {
				return err
			}
		}
	}

	p.mu.Lock()
	changed := p.lastConnected == nil || *p.lastConnected != snap.Connected
	if changed {
		connected := snap.Connected
		p.lastConnected = &connected
	}
	p.mu.Unlock()

	if changed {
		payload := payloadOffline
		if snap.Connected {
			payload = payloadOnline
		}
		p.publish("connected", true, payload)
	}
	return nil
}

func (p *Publisher) publishJSON(subtopic string, retained bool, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", subtopic, err)
	}
	p.publish(subtopic, retained, body)
	return nil
}

// publish hands the message to paho and checks the outcome in the background
func (p *Publisher) publish(subtopic string, retained bool, payload interface{}) {
	topic := p.topicPrefix + "/" + subtopic
	token := p.client.Publish(topic, 1, retained, payload)

	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		if !token.WaitTimeout(publishTimeout) {
			log.Warnw("MQTT publish timed out", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			log.Warnw("MQTT publish failed", "topic", topic, "error", err)
		}
	}()
}

// Close marks the device offline if the broker is reachable, waits for
// outstanding publishes and disconnects. Disconnect also stops the client's
// reconnect loop, so it runs even when the broker is gone.
func (p *Publisher) Close() {
	if p.client == nil {
		return
	}
	if p.client.IsConnected() {
		p.publish("connected", true, payloadOffline)
	}
	p.pending.Wait()
	p.client.Disconnect(250)
}
