/*
Package metrics exports sync engine metrics to Prometheus.

# Overview

A Collector owns a private Prometheus registry. The engine reports object
outcomes, retries, the transfer queue depth and the number of busy transfer
workers; instrumented storage backends report every plugin call through
ObserveStorage, which makes the Collector a storage.Observer.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "objectsync",
	}, log)
	if err != nil {
		return err
	}
	source = storage.Instrument(source, "source", collector)

# Prometheus Metrics

Counters:
  - objectsync_objects_total{outcome}: objects by final outcome
  - objectsync_bytes_transferred_total: bytes written to the target
  - objectsync_retries_total: attempts re-queued after a transient failure
  - objectsync_storage_operations_total{backend,operation,status}
  - objectsync_storage_errors_total{backend,type}

Histograms:
  - objectsync_storage_operation_duration_seconds{backend,operation}
  - objectsync_transfer_duration_seconds

Gauges:
  - objectsync_active_transfers
  - objectsync_queue_depth

The backend label is the role and plugin name, for example "source:s3".
Object identifiers are never used as labels.

# HTTP Endpoints

When the control API runs it mounts Handler at /metrics. Without it, Start
serves the registry on its own port together with /health and a plain-text
/debug/operations summary of storage calls.

# Thread Safety

All Collector methods are safe for concurrent use. A disabled collector
accepts every call and records nothing.
*/
package metrics
