/*
Package types holds the data model shared by every part of objectsync and the
two plugin contracts the engine is written against.

# Contracts

Storage is implemented once per backend (filesystem, S3, in-memory). The
engine only ever talks to a backend through it: enumeration, point loads,
creates, updates, deletes, and the mapping between backend identifiers and
portable relative paths.

Filter is implemented once per transform. Filters are arranged in an
immutable slice and driven through an ObjectContext, which carries the
cursor: Filter advances it with ObjectContext.Next, and the reverse pass walks
it backwards from the terminal write node.

# Data model

	ObjectSummary  what enumeration yields, immutable once listed
	SyncObject     metadata plus a lazily opened data stream
	ObjectContext  the per-object task envelope threaded through the pipeline
	SyncRecord     the durable projection of an ObjectContext
	RunStats       a point-in-time telemetry snapshot of a run

A SyncObject's stream is opened at most once and closed exactly once,
regardless of which component reads it last.
*/
package types
