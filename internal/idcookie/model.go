// Package idcookie multiplexes study runs through browser cookies.
// See doc.go for complete package documentation.
package idcookie

import (
	"errors"
	"strconv"
)

// Prefix is the reserved name prefix of every ID cookie. Cookie names are
// compared case-insensitively.
const Prefix = "JATOS_IDS"

// MaxSlots is the number of ID cookies a browser may hold at once.
const MaxSlots = 10

// CodecVersion is the version written into every encoded cookie.
const CodecVersion = 1

var (
	// ErrMalformed marks a cookie whose value cannot be decoded.
	ErrMalformed = errors.New("malformed ID cookie")

	// ErrAlreadyExists is returned when two cookies name the same study result.
	ErrAlreadyExists = errors.New("ID cookie for this study result already exists")

	// ErrCollectionFull is returned when a new cookie is written into a full
	// collection. Callers must evict the oldest cookie first.
	ErrCollectionFull = errors.New("ID cookie collection is full")

	// ErrIndexOutOfBounds is returned when no free slot index is left.
	ErrIndexOutOfBounds = errors.New("no free ID cookie index")

	// ErrIndexInUse is returned when a cookie claims a slot another cookie owns.
	ErrIndexInUse = errors.New("ID cookie index already in use")

	// ErrNotFound is returned when no cookie exists for a study result.
	ErrNotFound = errors.New("no ID cookie for this study result")
)

// RunKind distinguishes full study runs from single-component test runs
// started from the authoring UI.
type RunKind string

// Run kinds. The empty RunKind means the run was not started from the
// authoring UI.
const (
	RunNone                    RunKind = ""
	RunFullStudy               RunKind = "FULL_STUDY_RUN"
	RunSingleComponentStart    RunKind = "SINGLE_COMPONENT_START"
	RunSingleComponentFinished RunKind = "SINGLE_COMPONENT_FINISHED"
)

// Valid reports whether k is a known run kind (RunNone included).
func (k RunKind) Valid() bool {
	switch k {
	case RunNone, RunFullStudy, RunSingleComponentStart, RunSingleComponentFinished:
		return true
	}
	return false
}

// Model holds the identifiers of one run as stored in one ID cookie.
// Optional ids are zero when absent.
type Model struct {
	Index int
	Name  string

	StudyResultID     int64
	WorkerID          int64
	WorkerType        string
	BatchID           int64
	StudyID           int64
	GroupResultID     int64
	ComponentID       int64
	ComponentResultID int64
	ComponentPosition int

	StudyAssets string
	URLBasePath string
	RunKind     RunKind

	// CreationTime is the cookie's creation time in unix milliseconds.
	CreationTime int64
}

// CookieName returns the cookie name for a slot index.
func CookieName(index int) string {
	return Prefix + "_" + strconv.Itoa(index)
}
