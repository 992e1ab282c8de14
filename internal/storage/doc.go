// Package storage persists the entities of study runs: a pluggable key-value
// Store at the bottom and a typed Repository of JSON documents on top.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│          publix service             │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│            Repository               │
//	│  Worker, Study, Batch, StudyResult, │
//	│  ComponentResult, GroupResult       │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│          Store interface            │
//	└─────────────────────────────────────┘
//	          │                 │
//	          ▼                 ▼
//	    ┌──────────┐     ┌─────────────┐
//	    │  Memory  │     │   SQLite    │
//	    │  Store   │     │   Store     │
//	    └──────────┘     └─────────────┘
//
// # Keys
//
// Every entity lives under "<kind>/<zero-padded id>", for example
// "studyresult/00000000000000000042", so a prefix listing returns entities in
// id order. New ids come from per-kind sequences (Store.NextID); ids already
// taken by seeded entities are skipped.
//
// # Consistency
//
// Repository.Update* methods run their function on a fresh copy of the
// document while holding a repository-wide lock and write the result back
// only if the function succeeds. Functions passed to them must not call back
// into the repository.
//
// SQLiteStore uses a single connection in WAL mode, which serializes writes
// and keeps the connection PRAGMAs in force.
//
// # Seeding
//
// Studies, batches and personal workers are authored elsewhere. For a
// standalone server they are loaded from a YAML file at startup, see Seed.
package storage
