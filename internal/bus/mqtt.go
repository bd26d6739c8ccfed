package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goodtune/playwarden/internal/config"
	"github.com/goodtune/playwarden/internal/metrics"
	"github.com/rs/zerolog"
)

const connectTimeout = 10 * time.Second

// devicePayload is the JSON state document published per device by the
// telemetry bridge.
type devicePayload struct {
	Power     string   `json:"power"`
	Activity  string   `json:"activity"`
	Players   []string `json:"players"`
	TitleName string   `json:"title_name"`
}

// MQTT connects the engine to the message bus: device telemetry in, control
// commands and warning states out. Broker callbacks only enqueue; a dispatch
// goroutine drains the bounded queue so a slow store never blocks the broker
// connection.
type MQTT struct {
	client     mqtt.Client
	cfg        config.MQTTConfig
	handler    Handler
	discoverer Discoverer
	events     chan DeviceEvent
	done       chan struct{}
	logger     zerolog.Logger
}

// OpenMQTT connects to the broker.
func OpenMQTT(cfg config.MQTTConfig, handler Handler, discoverer Discoverer, logger zerolog.Logger) (*MQTT, error) {
	m := &MQTT{
		cfg:        cfg,
		handler:    handler,
		discoverer: discoverer,
		events:     make(chan DeviceEvent, cfg.EventQueueLen),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "bus").Logger(),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetOrderMatters(false)

	m.client = mqtt.NewClient(opts)

	token := m.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return m, nil
}

// Start subscribes to device telemetry and begins dispatching events.
func (m *MQTT) Start(ctx context.Context) error {
	topic := m.cfg.TopicPrefix + "/+"
	token := m.client.Subscribe(topic, 1, m.onMessage)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("timed out subscribing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	go m.dispatch(ctx)

	m.logger.Info().Str("topic", topic).Msg("Subscribed to device telemetry")
	return nil
}

// Stop disconnects from the broker and stops the dispatch loop.
func (m *MQTT) Stop() {
	close(m.done)
	m.client.Disconnect(250)
	m.logger.Info().Msg("Disconnected from MQTT broker")
}

// onMessage parses a telemetry message and enqueues the resulting events.
// Runs on the broker callback goroutine; it must not block.
func (m *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	deviceID := strings.TrimPrefix(msg.Topic(), m.cfg.TopicPrefix+"/")
	if deviceID == "" || strings.Contains(deviceID, "/") {
		return
	}

	var payload devicePayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		m.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Failed to parse device payload")
		return
	}

	for _, user := range payload.Players {
		if user == "" {
			continue
		}
		if err := m.discoverer.Discover(context.Background(), user); err != nil {
			m.logger.Warn().Err(err).Str("user", user).Msg("Failed to record discovered user")
		}
	}

	for _, event := range translate(deviceID, payload) {
		metrics.EventsReceived.WithLabelValues(string(event.Kind)).Inc()
		select {
		case m.events <- event:
		default:
			metrics.EventsDropped.Inc()
			m.logger.Warn().
				Str("kind", string(event.Kind)).
				Str("device", deviceID).
				Msg("Event queue full, dropping event")
		}
	}
}

// translate converts one device payload into typed events.
func translate(deviceID string, payload devicePayload) []DeviceEvent {
	if payload.Power == "STANDBY" {
		return []DeviceEvent{{Kind: EventDeviceStandby, DeviceID: deviceID}}
	}

	switch payload.Activity {
	case "playing":
		var events []DeviceEvent
		for _, user := range payload.Players {
			if user == "" {
				continue
			}
			events = append(events, DeviceEvent{Kind: EventUserActive, UserID: user, DeviceID: deviceID})
			if payload.TitleName != "" {
				events = append(events, DeviceEvent{Kind: EventGameChanged, UserID: user, DeviceID: deviceID, Game: payload.TitleName})
			}
		}
		return events
	case "idle", "none":
		return []DeviceEvent{{Kind: EventDeviceStandby, DeviceID: deviceID}}
	}

	return nil
}

// dispatch drains the event queue into the handler.
func (m *MQTT) dispatch(ctx context.Context) {
	for {
		select {
		case event := <-m.events:
			if err := m.handler.OnDeviceEvent(ctx, event); err != nil {
				m.logger.Error().
					Err(err).
					Str("kind", string(event.Kind)).
					Str("user", event.UserID).
					Str("device", event.DeviceID).
					Msg("Failed to process device event")
			}
		case <-m.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SendShutdown publishes the standby command for a device.
func (m *MQTT) SendShutdown(ctx context.Context, deviceID string) error {
	topic := fmt.Sprintf("%s/%s/set", m.cfg.TopicPrefix, deviceID)
	return m.publish(ctx, topic, "STANDBY", false)
}

// SendWarning raises the retained per-user warning state and publishes the
// remaining minutes as a retained attribute document.
func (m *MQTT) SendWarning(ctx context.Context, deviceID, userID string, remainingMinutes int) error {
	if err := m.publish(ctx, warningTopic(userID), "ON", true); err != nil {
		return err
	}
	return m.publish(ctx, warningAttributesTopic(userID), warningAttributes(remainingMinutes), true)
}

// ClearWarning lowers the retained per-user warning state.
func (m *MQTT) ClearWarning(ctx context.Context, userID string) error {
	if err := m.publish(ctx, warningTopic(userID), "OFF", true); err != nil {
		return err
	}
	return m.publish(ctx, warningAttributesTopic(userID), warningAttributes(0), true)
}

func (m *MQTT) publish(ctx context.Context, topic, payload string, retain bool) error {
	token := m.client.Publish(topic, 1, retain, payload)

	deadline := connectTimeout
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}
	if !token.WaitTimeout(deadline) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// warningTopic builds the per-user warning state topic.
func warningTopic(userID string) string {
	return fmt.Sprintf("homeassistant/binary_sensor/playwarden_%s_shutdown_warning/state", userSlug(userID))
}

// warningAttributesTopic builds the per-user warning attributes topic.
func warningAttributesTopic(userID string) string {
	return fmt.Sprintf("homeassistant/binary_sensor/playwarden_%s_shutdown_warning/attributes", userSlug(userID))
}

// warningAttributes encodes the attribute document for the warning sensor.
func warningAttributes(remainingMinutes int) string {
	data, _ := json.Marshal(map[string]int{"remaining_minutes": remainingMinutes})
	return string(data)
}

func userSlug(userID string) string {
	return strings.ReplaceAll(strings.ToLower(userID), " ", "_")
}
