/*
Package errdefs defines the error taxonomy shared across Atelier.

Errors carry a structured Kind, a human message, and optionally a
retry-after hint. Adapters for external systems (LLM providers, the
sandbox provider, the store) convert third-party failures into this
taxonomy at the boundary, so the orchestrator never observes
provider-specific error types.
*/
package errdefs
