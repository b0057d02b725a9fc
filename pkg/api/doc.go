/*
Package api exposes the HTTP surface.

Control plane: POST /v1/execute drives the run lifecycle (create,
start, stop, retry, resume) and GET /v1/runs reads run state, both as
JSON guarded by a bearer token. Data plane: GET /v1/collab upgrades to
a WebSocket speaking the collaboration frame protocol. Operational
endpoints: /healthz liveness, /readyz and /health from the check
registry, /metrics for Prometheus.
*/
package api
