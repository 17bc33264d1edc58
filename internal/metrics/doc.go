/*
Package metrics provides metrics collection for the vault server.

# Overview

The collector records transfer operations, session lifecycle, reclamation and provisioning
failures into a private Prometheus registry, and keeps in-process summaries for the ops API.

	┌─────────────┐
	│  Collector  │  ← Main metrics aggregator
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌──────────▼──────┐
	│  Prometheus  │         │  TrafficStats   │
	│   Registry   │         │  per exfil      │
	│              │         │  bytes in/out   │
	│ - Counters   │         │  latency bounds │
	│ - Histograms │         └─────────────────┘
	│ - Gauges     │
	└──────────────┘

# Recording

Each exfil records through a scoped view:

	rec := collector.Exfil("cf")
	rec.SessionOpened("upload")
	rec.RecordOperation("upload_chunk", time.Since(start), n, err == nil)

ExfilRecorder satisfies the recorder interfaces of the session manager and the basic HTTP
provider. The Collector itself satisfies the reclamation loop's recorder.

# Prometheus Metrics

	vault_operations_total{exfil, operation, status}
	vault_operation_duration_seconds{exfil, operation}
	vault_operation_size_bytes{exfil, operation}
	vault_active_sessions{exfil, direction}
	vault_sessions_closed_total{exfil, direction, reason}
	vault_reclaimed_sessions_total{exfil}
	vault_reclaimed_files_total{storage}
	vault_provisioning_errors_total{provisioner, operation, code}
	vault_component_state{component}

Handler serves the registry; the ops server mounts it at /metrics.
*/
package metrics
