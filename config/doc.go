// Package config loads and validates the application configuration
// from a YAML file, filling defaults for anything left unset.
package config
