// Package protocol defines the messages exchanged over live batch and group
// channels and small JSON-over-HTTP helpers shared by the server and the
// participant client.
//
// # Live Channel Messages
//
// Members send arbitrary JSON. The dispatcher only looks at a few fields:
//
//	{"action":"session","sessionVersion":3,"sessionData":{...}}  session update
//	{"recipient":42, ...}                                        direct message
//	{...}                                                        broadcast
//
// The server answers with control envelopes identified by their action:
//
//	opened       to the joiner: membership and current session
//	joined       to the others: a member arrived
//	left         to the others: a member left or was poisoned
//	session      to all members: the session changed
//	sessionAck   to the updater: its update was applied
//	sessionFail  to the updater: its version was stale
//
// A poisoned channel is closed with code 4000 and reason "poisoned".
package protocol
