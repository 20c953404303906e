// Package config loads the engine configuration.
// Sources are applied in order: defaults < YAML/TOML file < environment
// variables < command-line overrides.
package config
