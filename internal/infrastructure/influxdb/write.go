package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteZoneMetric writes a single climate measurement to InfluxDB.
//
// This is the primary method for recording unit telemetry. The write is
// non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - serial: The unit's adapter serial
//   - zone: The zone name the unit serves (for dashboard labels)
//   - field: The metric name (e.g., "room_temp", "sp_cool")
//   - value: The numeric value to record
//
// Example:
//
//	client.WriteZoneMetric("0123456789AB", "Lounge", "room_temp", 21.5)
func (c *Client) WriteZoneMetric(serial, zone, field string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"climate",
		map[string]string{
			"serial": serial,
			"zone":   zone,
			"field":  field,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteAvailability records a unit's availability transition as 1 or 0.
func (c *Client) WriteAvailability(serial, zone string, available bool) {
	if !c.IsConnected() {
		return
	}

	value := 0.0
	if available {
		value = 1.0
	}

	point := write.NewPoint(
		"availability",
		map[string]string{
			"serial": serial,
			"zone":   zone,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("poll_stats",
//	    map[string]string{"site": "site-1"},
//	    map[string]interface{}{"cycle_ms": 1240.0, "devices": 6})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
