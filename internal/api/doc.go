// Package api hosts the operator HTTP surface served while a pipeline run is in progress:
//   - GET /healthz reports that the process is up.
//   - GET /readyz pings the configured dependencies (metadata store).
//   - GET /metrics serves Prometheus metrics.
package api
