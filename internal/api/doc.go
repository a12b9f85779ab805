// Package api implements the admin HTTP server of the Domintell bridge.
//
// Endpoints:
//   - GET /appinfo asks the controller for its configuration report (always 204)
//   - GET /api/v1/health reports session, MQTT and database health
//   - GET /api/v1/metrics returns runtime, bridge and session counters
//   - GET /api/v1/accessories[/{identifier}] lists the host accessory cache
//   - GET /api/v1/covers/{identifier} returns the live cover motion model
//   - GET /api/v1/ws streams accessory changes and session state over WebSocket
//
// The server is read-only apart from /appinfo. Characteristic writes arrive
// over MQTT and are handled by the accessory registry.
package api
