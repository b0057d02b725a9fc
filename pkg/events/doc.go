// Package events provides the in-process event broker. Run lifecycle,
// billing mode changes, and circuit breaker transitions flow through it
// to the webhook notifier; document operations use topic subscriptions
// for per-document ordered fan-out.
package events
