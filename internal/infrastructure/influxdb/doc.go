// Package influxdb writes accessory telemetry to InfluxDB 2.x.
//
// Every characteristic change the bridge publishes is also written to the
// "accessory_values" measurement, and the controller session counters go
// to "session_stats" once a minute. Writes are batched (batch_size,
// flush_interval); failed batches reach the SetOnError callback.
package influxdb
