// Package api hosts the HTTP server, middleware, and REST handlers the fleet
// and its collaborators talk to. Notable routes:
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus.
//   - PUT /v1/workers/{worker_id} for registration and heartbeats.
//   - POST /v1/jobs/claim for workers to take the most urgent matching job.
//   - POST /v1/results to ingest a run header and its failure details.
//   - GET /v1/signatures/interesting and /v1/history/{key} for triage.
//   - POST /v1/retest to fan a signature out across versions and platforms.
package api
