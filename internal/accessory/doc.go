// Package accessory is the host accessory registry of the Domintell bridge.
//
// It keeps one entry per configured accessory in the SQLite accessories
// table, with the last known characteristic values, and exposes them to the
// outside world:
//
//   - state is published retained on domintell/state/{identifier}
//   - set requests arrive on domintell/set/{identifier} and are acknowledged
//     on domintell/ack/{identifier}
//   - every value change is written to InfluxDB when telemetry is enabled
//   - observers (the admin WebSocket hub) receive a Change per update
//
// Accessory UUIDs are name-based (SHA-1) over the identifier, so the same
// identifier always maps to the same UUID across restarts and re-adds.
//
// # Usage
//
//	repo := accessory.NewSQLiteRepository(db.DB)
//	registry := accessory.NewRegistry(repo)
//	registry.SetTransport(mqttClient, 1)
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//	uuid, err := registry.Register(ctx, accessory.Seed{Identifier: "BIR00001D-1", Kind: "Lightbulb"})
package accessory
