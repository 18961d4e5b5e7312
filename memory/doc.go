// Package memory provides per-entity conversational memory over pluggable
// storage backends.
//
// Each entity (a named chat agent) owns an isolated Backend holding its
// conversation logs. Backends are polymorphic over four kinds:
//   - graph: SQLite with keyword search and message links
//   - vector: embedded vector database (chromem-go) for semantic search
//   - flatfile: JSONL append logs, one file per conversation
//   - disabled: no-op, appends counted but dropped
//
// The Manager owns the entity-to-backend registry and guarantees exactly
// one backend construction per entity under arbitrary concurrent first
// access. Native construction (opening an embedded database file) is not
// safe to run concurrently against the same path, so initialization is
// serialized per entity while unrelated entities initialize in parallel.
//
// Initialization failures go through a recovery pass: the storage path is
// quarantined (renamed aside, never deleted) and a fresh backend is built
// in its place. Retention trims the oldest messages of a conversation once
// the configured cap is exceeded.
package memory
