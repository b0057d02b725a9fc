// Package log wraps zerolog with Atelier's logging conventions:
// a global logger initialized once at startup and child loggers carrying
// component, run, org, or document identifiers.
package log
