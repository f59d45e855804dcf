/*
Package metrics provides Prometheus metrics collection and exposition for
the deployment engine.

It defines and registers counters, histograms, and gauges covering the
deployment lifecycle (started/completed/failed by phase and status),
the parameter pipeline's per-step duration, the external-task tracker's
poll latency, the executor's per-task duration, and the depth of the
per-deployment work queue, plus API request counts/latency. Metrics are
exposed via the Prometheus HTTP handler (Handler) for scraping.

# Collection

Collector periodically (every 15s) samples the deployment store, the
lock store and the work queue into gauges: deployments by phase/status,
in-progress triples, paused triples, and queue depth. Counters and histograms that reflect a
single event (a deployment starting, a pipeline step completing, a
task finishing) are instead incremented inline by the control plane,
pipeline, and executor at the moment the event occurs — Collector never
touches them.

# Health

HealthChecker tracks per-component readiness (store, queue, api) behind
RegisterComponent/UpdateComponent, exposed via HealthHandler,
ReadyHandler, and LivenessHandler, which the serve command mounts at
/health, /ready and /live (the API's own /healthcheck route is separate).

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
