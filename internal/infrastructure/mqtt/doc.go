// Package mqtt connects the bridge to an MQTT broker with
// eclipse/paho.mqtt.golang.
//
// Topics live under a single prefix:
//
//	domintell/state/{identifier}   retained accessory characteristics
//	domintell/set/{identifier}     set requests from other services
//	domintell/ack/{identifier}     accepted/failed replies to set requests
//	domintell/health               retained bridge health
//	domintell/system/status        online/offline, also the LWT
//
// Credentials come from the DOMINTELL_BRIDGE_MQTT_* environment variables;
// enable TLS whenever the broker is not local.
package mqtt
