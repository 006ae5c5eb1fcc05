package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openkumo/kumo-core/internal/coordinator"
	"github.com/openkumo/kumo-core/internal/infrastructure/logging"
	"github.com/openkumo/kumo-core/internal/infrastructure/mqtt"
	"github.com/openkumo/kumo-core/internal/kumo"
)

const (
	// commandTimeout bounds how long an inbound MQTT command may spend
	// in validation and dispatch.
	commandTimeout = 30 * time.Second

	// snapshotBuffer is the coordinator subscription buffer. Slow
	// brokers drop intermediate snapshots rather than block polling.
	snapshotBuffer = 4

	// topicParts is the part count of a device command topic
	// (kumo/command/{serial}).
	topicParts = 3
)

// MQTTClient is the slice of the MQTT client the bridge needs.
// *mqtt.Client satisfies it; tests use a fake.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Commander is the slice of the coordinator the bridge drives.
type Commander interface {
	Subscribe(buffer int) (<-chan coordinator.SnapshotMap, func())
	SendCommand(ctx context.Context, serial string, attrs kumo.Commands) error
}

// Bridge relays coordinator snapshots to MQTT state topics and inbound
// command topics back to the coordinator.
//
// Thread Safety: all methods are safe for concurrent use.
type Bridge struct {
	mqtt   MQTTClient
	coord  Commander
	qos    byte
	logger *logging.Logger

	// lastAvail tracks the last published availability per serial so
	// the availability topic only sees transitions.
	availMu   sync.Mutex
	lastAvail map[string]bool

	wg       sync.WaitGroup
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// New creates a Bridge. Start must be called before it does anything.
func New(client MQTTClient, coord Commander, qos byte, logger *logging.Logger) *Bridge {
	return &Bridge{
		mqtt:      client,
		coord:     coord,
		qos:       qos,
		logger:    logger.With("component", "mqtt_bridge"),
		lastAvail: make(map[string]bool),
	}
}

// Start subscribes to the command topics and begins relaying snapshots.
// It returns once the subscription is established; relaying continues in
// the background until Stop or context cancellation.
func (b *Bridge) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	topic := mqtt.Topics{}.AllDeviceCommands()
	if err := b.mqtt.Subscribe(topic, b.qos, b.handleCommand); err != nil {
		cancel()
		return fmt.Errorf("bridge: subscribing to %s: %w", topic, err)
	}

	snapshots, unsubscribe := b.coord.Subscribe(snapshotBuffer)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer unsubscribe()

		for {
			select {
			case <-runCtx.Done():
				return
			case snap, ok := <-snapshots:
				if !ok {
					return
				}
				b.publishSnapshots(snap)
			}
		}
	}()

	b.logger.Info("started", "command_topic", topic)
	return nil
}

// Stop halts snapshot relaying. It is safe to call more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
		b.logger.Info("stopped")
	})
}

// handleCommand parses an inbound command message and dispatches it to
// the coordinator. Malformed payloads and rejected commands are logged,
// never fatal.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	if len(parts) != topicParts || parts[len(parts)-1] == "" {
		return fmt.Errorf("bridge: malformed command topic %q", topic)
	}
	serial := parts[len(parts)-1]

	var attrs kumo.Commands
	if err := json.Unmarshal(payload, &attrs); err != nil {
		return fmt.Errorf("bridge: command payload for %s is not a JSON object: %w", serial, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := b.coord.SendCommand(ctx, serial, attrs); err != nil {
		b.logger.Warn("mqtt command rejected", "serial", serial, "error", err)
		return nil
	}

	b.logger.Debug("mqtt command dispatched", "serial", serial, "attributes", len(attrs))
	return nil
}

// publishSnapshots mirrors one snapshot publication onto the state and
// availability topics. State topics update every publication; the
// availability topic only sees transitions.
func (b *Bridge) publishSnapshots(snapshots coordinator.SnapshotMap) {
	if !b.mqtt.IsConnected() {
		return
	}

	topics := mqtt.Topics{}
	for serial, snap := range snapshots {
		data, err := json.Marshal(snap)
		if err != nil {
			b.logger.Error("failed to marshal snapshot", "serial", serial, "error", err)
			continue
		}
		if err := b.mqtt.Publish(topics.DeviceState(serial), data, b.qos, true); err != nil {
			b.logger.Warn("state publish failed", "serial", serial, "error", err)
		}

		if b.availabilityChanged(serial, snap.Available) {
			payload := []byte("offline")
			if snap.Available {
				payload = []byte("online")
			}
			if err := b.mqtt.Publish(topics.DeviceAvailability(serial), payload, b.qos, true); err != nil {
				b.logger.Warn("availability publish failed", "serial", serial, "error", err)
			}
		}
	}
}

// availabilityChanged records the new availability and reports whether
// it differs from the last published value.
func (b *Bridge) availabilityChanged(serial string, available bool) bool {
	b.availMu.Lock()
	defer b.availMu.Unlock()

	last, seen := b.lastAvail[serial]
	b.lastAvail[serial] = available
	return !seen || last != available
}
