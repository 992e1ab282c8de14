/*
Package publix is the participant facing side of study runs.

# Run Lifecycle

	StartStudy ──► StartComponent ──► InitData ──► SubmitResultData ──► FinishComponent
	     │              ▲                                                   │
	     │              └──────────────── StartNextComponent ◄──────────────┘
	     │
	     └──► ... ──► FinishStudy / AbortStudy (cookie discarded)

Every call after StartStudy names its run by study result id (srid) and finds
it through the request's ID cookie collection (see package idcookie). A run
that is not in the collection cannot be continued: the browser never started
it or has already discarded it.

A study result moves PRE → STARTED → DATA_RETRIEVED → FINISHED, FAIL or
ABORTED. It stays PRE while the participant is on the first component.

# Parallel Runs

A browser holds at most idcookie.MaxSlots runs. StartStudy in a full
browser ends the run with the oldest cookie (state FAIL) and discards that
cookie before the new run takes the freed slot.

# Single Component Runs

Jatos workers can run a single component. The cookie's run kind moves from
SINGLE_COMPONENT_START to SINGLE_COMPONENT_FINISHED when the component
starts. Starting any other component afterwards finishes the run.

# Groups

JoinGroup puts a run into the first STARTED group of its batch that has room
under the batch caps, or into a new group. Ending a run or LeaveGroup moves
it into the group's history and poisons its live group channel. When the
last active member is gone the group is FINISHED and the group dispatcher is
swept once idle (see GroupFinished and dispatcher.Sweeper).

Group and batch sessions are persisted on the GroupResult and Batch through
GroupSessions and BatchSessions.

# Errors

Errors wrap ErrBadRequest, ErrForbidden, ErrNotFound, ErrNotGroupMember or
the sentinels of the idcookie, dispatcher and storage packages. HTTPStatus
maps them to a response status.
*/
package publix
