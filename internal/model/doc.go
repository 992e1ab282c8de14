// Package model defines the entities of a study run and the state machines
// that govern them.
//
// # Overview
//
// A Study is an ordered list of Components. Participants (Workers) run a
// study inside a Batch; every run produces one StudyResult and one
// ComponentResult per started component. Runs of a group study are assigned
// to a GroupResult whose members share a live group channel.
//
//	Study ──< Component
//	  │
//	  └──< Batch ──< StudyResult ──< ComponentResult
//	          │            │
//	          └──< GroupResult (active / history members)
//
// # State Machines
//
// StudyResult:
//
//	PRE ─► STARTED ─► DATA_RETRIEVED ─► FINISHED
//	                           │      ├► ABORTED
//	                           └──────┴► FAIL
//
// ComponentResult:
//
//	STARTED ─► DATA_RETRIEVED ─► RESULTDATA_POSTED ─► FINISHED | FAIL
//	   └──────────────► RELOADED | ABORTED
//
// GroupResult:
//
//	STARTED ─► FIXED ─► FINISHED
//
// # Ownership
//
// The types in this package are plain values. Persistence lives in the
// storage package; the rules that move a run between states live in publix.
// Zero numeric ids mean "absent" throughout.
package model
