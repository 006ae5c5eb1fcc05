package mqtt

import (
	"errors"
	"strings"
	"testing"

	"github.com/openkumo/kumo-core/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "kumocore-test",
			TLS:      false,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestTopics(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"DeviceState", topics.DeviceState("0123456789AB"), "kumo/state/0123456789AB"},
		{"DeviceAvailability", topics.DeviceAvailability("0123456789AB"), "kumo/availability/0123456789AB"},
		{"DeviceCommand", topics.DeviceCommand("0123456789AB"), "kumo/command/0123456789AB"},
		{"SystemStatus", topics.SystemStatus(), "kumo/system/status"},
		{"AllDeviceCommands", topics.AllDeviceCommands(), "kumo/command/+"},
		{"AllDeviceStates", topics.AllDeviceStates(), "kumo/state/+"},
		{"AllTopics", topics.AllTopics(), "kumo/#"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("got %q, want %q", tt.got, tt.expected)
			}
		})
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 {
		t.Fatalf("len(Servers) = %d, want 1", len(opts.Servers))
	}
	if got := opts.Servers[0].String(); got != "tcp://127.0.0.1:1883" {
		t.Errorf("broker URL = %q, want tcp://127.0.0.1:1883", got)
	}
	if opts.ClientID != "kumocore-test" {
		t.Errorf("ClientID = %q, want kumocore-test", opts.ClientID)
	}
}

func TestBuildClientOptions_TLSScheme(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	opts := buildClientOptions(cfg)

	if got := opts.Servers[0].Scheme; got != "ssl" {
		t.Errorf("scheme = %q, want ssl", got)
	}
}

func TestBuildClientOptions_Credentials(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "kumo"
	cfg.Auth.Password = "secret"
	opts := buildClientOptions(cfg)

	if opts.Username != "kumo" {
		t.Errorf("Username = %q, want kumo", opts.Username)
	}
	if opts.Password != "secret" {
		t.Errorf("Password = %q, want secret", opts.Password)
	}
}

func TestStatusPayloads(t *testing.T) {
	online := buildOnlinePayload("kumocore")
	if !strings.Contains(online, `"status":"online"`) {
		t.Errorf("online payload missing status: %s", online)
	}
	if !strings.Contains(online, `"client_id":"kumocore"`) {
		t.Errorf("online payload missing client_id: %s", online)
	}

	offline := buildOfflinePayload("kumocore")
	if !strings.Contains(offline, `"status":"offline"`) {
		t.Errorf("offline payload missing status: %s", offline)
	}
	if !strings.Contains(offline, `"reason":"graceful_shutdown"`) {
		t.Errorf("offline payload missing reason: %s", offline)
	}
}

func TestPublishValidation(t *testing.T) {
	c := &Client{cfg: testConfig()}

	if err := c.Publish("", []byte("x"), 1, false); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Publish("kumo/state/SN1", []byte("x"), 3, false); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad QoS error = %v, want ErrInvalidQoS", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := &Client{cfg: testConfig(), subscriptions: make(map[string]subscription)}

	handler := func(_ string, _ []byte) error { return nil }

	if err := c.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("kumo/command/+", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad QoS error = %v, want ErrInvalidQoS", err)
	}
	if err := c.Subscribe("kumo/command/+", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v, want ErrSubscribeFailed", err)
	}
}

func TestUnsubscribeValidation(t *testing.T) {
	c := &Client{cfg: testConfig(), subscriptions: make(map[string]subscription)}

	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v, want ErrInvalidTopic", err)
	}
}
