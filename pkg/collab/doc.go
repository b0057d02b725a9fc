/*
Package collab is the real-time collaboration gateway.

Sessions exchange JSON frames over a transport-agnostic queue; the
gateway routes operation batches through the OT engine, maintains
per-document presence, and fans applied batches out to other instances
through the event broker. Admission is guarded by a backpressure
circuit breaker, per-user rate limits, and a connection cap. Dropped
connections receive one-shot recovery tokens redeemable for history
replay within the token TTL.
*/
package collab
