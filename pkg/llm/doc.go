// Package llm provides the provider-agnostic LLM gateway. Model ids
// route to registered providers by prefix; calls are paced, circuit
// broken per provider, retried on transient failures, and fall back to
// a configured secondary provider before surfacing an error.
package llm
