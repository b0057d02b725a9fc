// Package config loads Atelier's YAML configuration. Settings are
// resolved once at startup and passed by value to constructors.
package config
