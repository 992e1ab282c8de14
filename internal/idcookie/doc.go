// Package idcookie multiplexes up to ten concurrent study runs of one browser
// through plain HTTP cookies, so the server can tell which run a request
// belongs to without keeping a session table.
//
// # Overview
//
// Every run owns one cookie named JATOS_IDS_<index>, where index is a slot in
// 0..9. The cookie value is a list of URL-encoded key=value pairs joined by
// '&' carrying the run's identifiers:
//
//	JATOS_IDS_3 = version=1&workerId=7&workerType=GeneralSingle&batchId=2
//	              &studyId=1&studyResultId=41&groupResultId=null
//	              &componentId=12&componentResultId=93&componentPosition=2
//	              &studyAssets=stroop&urlBasePath=%2F&runKind=
//	              &creationTime=1700000000000
//
// # Request Lifecycle
//
//	request cookies ──► Codec.Parse ──► Collection (request context)
//	                                        │
//	                       handlers call Service.Write / Discard
//	                                        │
//	response headers ◄── Codec.Write ◄──────┘
//
// Codec.Middleware performs both ends. The collection is rebuilt for every
// request and is never shared between goroutines, so it carries no lock.
//
// # Slot Allocation
//
// Rewriting a run keeps its slot. A new run takes the lowest free index. When
// all slots are taken the caller finishes the run behind Service.Oldest (the
// smallest creation time, ties to the lowest index), discards its cookie and
// reuses the freed slot.
//
// # Tolerant Parsing
//
// A browser may carry cookies written by an older server or mangled by the
// user. Such cookies are dropped with a warning instead of failing the
// request. Two valid cookies for the same study result indicate a server bug
// and surface as ErrAlreadyExists.
package idcookie
