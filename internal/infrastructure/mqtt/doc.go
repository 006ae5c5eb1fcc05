// Package mqtt provides MQTT client connectivity for Kumo Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Kumo Core uses MQTT as its outward integration bus. The coordinator's
// snapshot publications are mirrored onto retained state topics, and
// inbound command topics let home-automation controllers drive units
// without touching the REST API.
//
//	Kumo Core ↔ MQTT Broker ↔ Home Assistant / Node-RED / panels
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all inbound device commands
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish a state snapshot
//	topic := mqtt.Topics{}.DeviceState("0123456789AB")
//	client.Publish(topic, payload, 1, true)
package mqtt
