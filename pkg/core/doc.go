// Package core builds the whole system from configuration: store,
// ledger, billing, LLM gateway, sandbox manager, planner, workers,
// collaboration gateway, webhook deliverer, health checks, and the API
// server, with explicit start/stop ordering.
package core
