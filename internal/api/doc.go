// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - POST /v1/sessions, POST /v1/sessions/{id}/stop and
//     GET /v1/sessions/status?origin_ref= drive the orchestrator.
//   - GET /v1/events streams completion events over a websocket.
//   - GET /v1/runs and /v1/runs/{id}/fragments read run history through the
//     SessionRunRepository interface.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus.
package api
