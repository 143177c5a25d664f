package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementSends      = "lightwire_sends"
	measurementQueueDepth = "lightwire_queue_depth"
)

// RecordSend writes one delivery outcome. Implements the delivery
// engine's telemetry sink.
//
// Parameters:
//   - deviceID: Target device
//   - transport: "udp" or "tcp"; empty for outcomes that never hit the
//     network (duplicate, dead_letter)
//   - outcome: success, failure, duplicate, or dead_letter
//   - duration: Wall time of the send; zero when no network was touched
func (c *Client) RecordSend(deviceID, transport, outcome string, duration time.Duration) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(sendPoint(deviceID, transport, outcome, duration, time.Now()))
}

// RecordQueueDepths writes one depth sample per device with pending rows.
func (c *Client) RecordQueueDepths(depths map[string]int) {
	if !c.IsConnected() {
		return
	}
	now := time.Now()
	for deviceID, depth := range depths {
		c.writeAPI.WritePoint(depthPoint(deviceID, depth, now))
	}
}

func sendPoint(deviceID, transport, outcome string, duration time.Duration, at time.Time) *write.Point {
	tags := map[string]string{
		"device_id": deviceID,
		"outcome":   outcome,
	}
	if transport != "" {
		tags["transport"] = transport
	}
	return write.NewPoint(
		measurementSends,
		tags,
		map[string]interface{}{
			"duration_ms": float64(duration.Milliseconds()),
			"count":       1,
		},
		at,
	)
}

func depthPoint(deviceID string, depth int, at time.Time) *write.Point {
	return write.NewPoint(
		measurementQueueDepth,
		map[string]string{"device_id": deviceID},
		map[string]interface{}{"depth": depth},
		at,
	)
}
