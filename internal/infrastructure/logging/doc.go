// Package logging builds the bridge's log/slog logger from the logging
// section of the config: JSON or text, a minimum level, stdout or stderr,
// with service and version on every entry.
//
// Attributes whose key names a secret (password, digest, token, nonce)
// are redacted before they reach the output.
package logging
