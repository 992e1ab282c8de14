// Package dispatcher coordinates the live channels of the participants of one
// batch or one group: it tracks who is connected, relays their messages and
// keeps a small shared session under optimistic concurrency control.
//
// # Architecture
//
//	┌──────────────────────────┐
//	│ Registry (kind = group)  │   one loop goroutine
//	│  id → *Dispatcher        │
//	└────────────┬─────────────┘
//	             │ GetOrCreate / Remove
//	   ┌─────────┴──────────┐
//	   ▼                    ▼
//	┌──────────────┐  ┌──────────────┐
//	│ Dispatcher 7 │  │ Dispatcher 9 │   one loop goroutine each
//	│  members     │  │  members     │
//	│  active      │  │  active      │
//	│  history     │  │  history     │
//	│  session     │  │  session     │
//	└──┬────────┬──┘  └──────┬───────┘
//	   │        │            │
//	 Member   Member       Member        (live channels)
//
// # Concurrency Model
//
// Registries and dispatchers are actors. Each owns its state on a single
// goroutine that drains a buffered request queue; no mutex protects that
// state. Every public method sends a closure to the loop and waits for it at
// most the request timeout, after which it returns ErrTimeout. Calls into a
// stopped actor return ErrStopped.
//
// Delivery to members never blocks the loop. A Member queues frames in its
// own bounded buffer; a member whose buffer is full is poisoned.
//
// # Membership
//
//	absent ──Join──► active ──Leave / Poison──► history
//	                   ▲                          │
//	                   └──────────Join────────────┘
//
// Reconnecting is Poison followed by Join. Leave carries the Member that is
// leaving so a superseded connection cannot unregister its successor.
//
// Join enforces Limits before anything changes. The total member count is
// the number of distinct runs in active and history; the worker count is the
// number of distinct workers that ever joined.
//
// # Session
//
// The session starts at version 0 with an empty JSON object, or with what the
// SessionStore returns when the dispatcher starts. UpdateSession applies
// ApplyUpdate, persists the result and sends a session envelope to every
// active member.
//
// # Teardown
//
// A Sweeper asks a FinishedFunc whether the batch or group behind each
// dispatcher is finished and then calls Registry.Remove, which only removes
// dispatchers without live connections. A caller holding a removed dispatcher
// gets ErrStopped and should ask the registry again.
package dispatcher
