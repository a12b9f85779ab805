// Package config loads the bridge configuration.
//
// Load starts from built-in defaults, overlays the YAML file, then applies
// DOMINTELL_BRIDGE_* environment variables, and finally validates the
// result, including every declared accessory. Passwords and tokens belong
// in the environment; DomintellConfig.String never prints the controller
// password.
//
//	cfg, err := config.Load(config.Path())
package config
