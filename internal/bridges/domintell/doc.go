// Package domintell implements the Domintell controller bridge.
//
// The controller (DETH02 and compatible) exposes its bus modules over a
// secure WebSocket carrying text lines. This package logs in, keeps the
// session alive, decodes module status lines into per-channel events and
// turns accessory set requests into controller commands.
//
// # Architecture
//
//	┌──────────────────┐  set / update  ┌─────────────────┐   wss://   ┌────────────┐
//	│ Accessory host   │◄──────────────►│  Bridge (loop)  │◄──────────►│ Controller │
//	│ (SQLite + MQTT)  │                │ Registry/Motion │  Session   │  (DETH02)  │
//	└──────────────────┘                └─────────────────┘            └────────────┘
//
// # Key Responsibilities
//
//   - Session: login (bare or salted SHA-512), heartbeat, reconnect
//   - Codec: decode DAL/BIR/DIM/PRL/DET/IS4/IS8/I20/D10/TRV lines, encode commands
//   - DeviceRegistry: map module channels to configured accessories
//   - MotionEngine: estimate cover position from direction and elapsed time
//   - HealthReporter: publish health status on MQTT
//
// # Identifiers
//
// An accessory identifier is the module address plus a channel suffix:
//
//	BIR00001D-3   relay output 3
//	I2000012A-a   input 10 of an I20 (hexadecimal suffix)
//	TRV0000B1-3   second shutter of a TRV (odd outputs)
//	DAL000000001  DALI point (no suffix)
//
// # Commands
//
//	line, _ := domintell.EncodeCommand("DIM00002A-3", domintell.VerbDim, 40)
//	// "DIM00002A-3%D40"
//
// # Thread Safety
//
// Session, Bridge and HealthReporter are safe for concurrent use.
// DeviceRegistry and MotionEngine are owned by the bridge loop.
package domintell
