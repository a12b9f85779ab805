package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const (
	MeasurementAccessoryValues = "accessory_values"
	MeasurementSessionStats    = "session_stats"
)

// AccessoryPoint converts one characteristic change into a point tagged by
// identifier and characteristic.
//
// Numbers and booleans (as 0/1) go in the "value" field so they share a
// graph; strings such as PositionState go in "state". Other values have no
// time-series form and return false.
func AccessoryPoint(identifier, characteristic string, value any, ts time.Time) (*write.Point, bool) {
	var field string
	var v any
	switch x := value.(type) {
	case bool:
		field, v = "value", 0.0
		if x {
			v = 1.0
		}
	case int:
		field, v = "value", float64(x)
	case int64:
		field, v = "value", float64(x)
	case float32:
		field, v = "value", float64(x)
	case float64:
		field, v = "value", x
	case string:
		field, v = "state", x
	default:
		return nil, false
	}

	tags := map[string]string{"identifier": identifier, "characteristic": characteristic}
	return write.NewPoint(MeasurementAccessoryValues, tags, map[string]any{field: v}, ts), true
}

// WriteAccessoryValue queues a characteristic change. It never blocks.
//
//	client.WriteAccessoryValue("PRL000123", "CurrentTemperature", 21.5)
func (c *Client) WriteAccessoryValue(identifier, characteristic string, value any) {
	if !c.IsConnected() {
		return
	}
	if point, ok := AccessoryPoint(identifier, characteristic, value, time.Now()); ok {
		c.writeAPI.WritePoint(point)
	}
}

// WriteSessionStats queues the controller session counters (lines_rx,
// reconnects, ...) tagged with bridgeID.
func (c *Client) WriteSessionStats(bridgeID string, counters map[string]uint64) {
	if len(counters) == 0 {
		return
	}
	fields := make(map[string]any, len(counters))
	for name, v := range counters {
		fields[name] = v
	}
	c.WritePoint(MeasurementSessionStats, map[string]string{"bridge_id": bridgeID}, fields)
}

// WritePoint queues an arbitrary point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
