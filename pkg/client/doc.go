// Package client is the Go client for the Atelier control plane,
// used by the CLI and by programmatic callers.
package client
