// Package model holds the entities a study run touches: workers, studies,
// components, batches and the result records written while a run progresses.
// See doc.go for complete package documentation.
package model

import (
	"time"

	"golang.org/x/exp/slices"
)

// WorkerType identifies how a participant reached the study. The value is
// carried in the ID cookie and selects the run rules applied by publix.
type WorkerType string

// Worker type constants.
const (
	WorkerJatos            WorkerType = "Jatos"
	WorkerPersonalSingle   WorkerType = "PersonalSingle"
	WorkerPersonalMultiple WorkerType = "PersonalMultiple"
	WorkerGeneralSingle    WorkerType = "GeneralSingle"
	WorkerGeneralMultiple  WorkerType = "GeneralMultiple"
)

// Valid reports whether t is a known worker type.
func (t WorkerType) Valid() bool {
	switch t {
	case WorkerJatos, WorkerPersonalSingle, WorkerPersonalMultiple, WorkerGeneralSingle, WorkerGeneralMultiple:
		return true
	}
	return false
}

// SingleRun reports whether a worker of this type may run a study only once.
func (t WorkerType) SingleRun() bool {
	return t == WorkerPersonalSingle || t == WorkerGeneralSingle
}

// StudyState is the lifecycle state of a StudyResult.
type StudyState string

// Study result states.
const (
	StudyPre           StudyState = "PRE"
	StudyStarted       StudyState = "STARTED"
	StudyDataRetrieved StudyState = "DATA_RETRIEVED"
	StudyFinished      StudyState = "FINISHED"
	StudyAborted       StudyState = "ABORTED"
	StudyFail          StudyState = "FAIL"
)

// Done reports whether the state is terminal.
func (s StudyState) Done() bool {
	return s == StudyFinished || s == StudyAborted || s == StudyFail
}

// ComponentState is the lifecycle state of a ComponentResult.
type ComponentState string

// Component result states.
const (
	ComponentStarted          ComponentState = "STARTED"
	ComponentDataRetrieved    ComponentState = "DATA_RETRIEVED"
	ComponentResultDataPosted ComponentState = "RESULTDATA_POSTED"
	ComponentFinished         ComponentState = "FINISHED"
	ComponentReloaded         ComponentState = "RELOADED"
	ComponentAborted          ComponentState = "ABORTED"
	ComponentFail             ComponentState = "FAIL"
)

// Done reports whether the state is terminal.
func (s ComponentState) Done() bool {
	switch s {
	case ComponentFinished, ComponentReloaded, ComponentAborted, ComponentFail:
		return true
	}
	return false
}

// GroupState is the lifecycle state of a GroupResult.
type GroupState string

// Group result states.
const (
	GroupStarted  GroupState = "STARTED"
	GroupFixed    GroupState = "FIXED"
	GroupFinished GroupState = "FINISHED"
)

// Worker is a participant identity. General workers are created per run;
// personal workers are created ahead of time and handed out as links.
type Worker struct {
	ID   int64      `json:"id" yaml:"id"`
	Type WorkerType `json:"type" yaml:"type"`

	// Token is an opaque handle for workers created on the fly.
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

// Component is one page (HTML file) of a study.
type Component struct {
	ID           int64  `json:"id" yaml:"id"`
	Title        string `json:"title" yaml:"title"`
	HTMLFilePath string `json:"htmlFilePath" yaml:"htmlFilePath"`
	Active       bool   `json:"active" yaml:"active"`
	Reloadable   bool   `json:"reloadable" yaml:"reloadable"`
	JSONData     string `json:"jsonData,omitempty" yaml:"jsonData,omitempty"`
}

// Study is an ordered list of components plus the directory holding its
// assets.
type Study struct {
	ID          int64       `json:"id" yaml:"id"`
	Title       string      `json:"title" yaml:"title"`
	DirName     string      `json:"dirName" yaml:"dirName"`
	GroupStudy  bool        `json:"groupStudy" yaml:"groupStudy"`
	Locked      bool        `json:"locked" yaml:"locked"`
	JSONData    string      `json:"jsonData,omitempty" yaml:"jsonData,omitempty"`
	Components  []Component `json:"components" yaml:"components"`
	BatchIDs    []int64     `json:"batchIds" yaml:"batchIds"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
}

// Component returns the component with the given id.
func (s Study) Component(id int64) (Component, bool) {
	idx := slices.IndexFunc(s.Components, func(c Component) bool { return c.ID == id })
	if idx < 0 {
		return Component{}, false
	}
	return s.Components[idx], true
}

// ComponentPosition returns the 1-based position of the component, or 0 if
// the component is not part of the study.
func (s Study) ComponentPosition(id int64) int {
	return slices.IndexFunc(s.Components, func(c Component) bool { return c.ID == id }) + 1
}

// ComponentAt returns the component at a 1-based position.
func (s Study) ComponentAt(position int) (Component, bool) {
	if position < 1 || position > len(s.Components) {
		return Component{}, false
	}
	return s.Components[position-1], true
}

// FirstActiveComponent returns the first active component.
func (s Study) FirstActiveComponent() (Component, bool) {
	for _, c := range s.Components {
		if c.Active {
			return c, true
		}
	}
	return Component{}, false
}

// NextActiveComponent returns the first active component after the given one.
func (s Study) NextActiveComponent(after int64) (Component, bool) {
	pos := s.ComponentPosition(after)
	for _, c := range s.Components[pos:] {
		if c.Active {
			return c, true
		}
	}
	return Component{}, false
}

// Batch groups the runs of a study and carries the membership caps applied to
// its groups. Zero caps mean unlimited.
type Batch struct {
	ID                 int64        `json:"id" yaml:"id"`
	StudyID            int64        `json:"studyId" yaml:"studyId"`
	Title              string       `json:"title" yaml:"title"`
	Active             bool         `json:"active" yaml:"active"`
	AllowedWorkerTypes []WorkerType `json:"allowedWorkerTypes" yaml:"allowedWorkerTypes"`
	MaxActiveMembers   int          `json:"maxActiveMembers" yaml:"maxActiveMembers"`
	MaxTotalMembers    int          `json:"maxTotalMembers" yaml:"maxTotalMembers"`
	MaxTotalWorkers    int          `json:"maxTotalWorkers" yaml:"maxTotalWorkers"`
	JSONData           string       `json:"jsonData,omitempty" yaml:"jsonData,omitempty"`

	// SessionData and SessionVersion hold the batch channel's shared session.
	SessionData    string `json:"sessionData,omitempty" yaml:"-"`
	SessionVersion int64  `json:"sessionVersion" yaml:"-"`
}

// Allows reports whether the batch accepts workers of type t.
func (b Batch) Allows(t WorkerType) bool {
	return slices.Contains(b.AllowedWorkerTypes, t)
}

// StudyResult is one run of a study by one worker.
type StudyResult struct {
	ID               int64      `json:"id"`
	StudyID          int64      `json:"studyId"`
	BatchID          int64      `json:"batchId"`
	WorkerID         int64      `json:"workerId"`
	WorkerType       WorkerType `json:"workerType"`
	State            StudyState `json:"state"`
	StudySessionData string     `json:"studySessionData,omitempty"`
	GroupResultID    int64      `json:"groupResultId,omitempty"`
	URLQuery         string     `json:"urlQuery,omitempty"`
	ErrorMsg         string     `json:"errorMsg,omitempty"`
	AbortMsg         string     `json:"abortMsg,omitempty"`
	StartDate        time.Time  `json:"startDate"`
	EndDate          time.Time  `json:"endDate,omitempty"`
	LastSeen         time.Time  `json:"lastSeen,omitempty"`

	// ComponentResultIDs lists the component results of this run in the order
	// they were started.
	ComponentResultIDs []int64 `json:"componentResultIds"`
}

// LastComponentResultID returns the most recently started component result.
func (r StudyResult) LastComponentResultID() (int64, bool) {
	if len(r.ComponentResultIDs) == 0 {
		return 0, false
	}
	return r.ComponentResultIDs[len(r.ComponentResultIDs)-1], true
}

// ComponentResult is the record of one component within a run.
type ComponentResult struct {
	ID            int64          `json:"id"`
	StudyResultID int64          `json:"studyResultId"`
	ComponentID   int64          `json:"componentId"`
	State         ComponentState `json:"state"`
	Data          string         `json:"data,omitempty"`
	ErrorMsg      string         `json:"errorMsg,omitempty"`
	StartDate     time.Time      `json:"startDate"`
	EndDate       time.Time      `json:"endDate,omitempty"`
}

// GroupResult is a group of runs within a batch sharing a group channel.
type GroupResult struct {
	ID             int64      `json:"id"`
	BatchID        int64      `json:"batchId"`
	State          GroupState `json:"state"`
	ActiveMembers  []int64    `json:"activeMembers"`
	HistoryMembers []int64    `json:"historyMembers"`
	Workers        []int64    `json:"workers,omitempty"` // distinct workers that ever joined
	SessionData    string     `json:"sessionData,omitempty"`
	SessionVersion int64      `json:"sessionVersion"`
	StartDate      time.Time  `json:"startDate"`
	EndDate        time.Time  `json:"endDate,omitempty"`
}

// IsActiveMember reports whether the study result is an active member.
func (g GroupResult) IsActiveMember(studyResultID int64) bool {
	return slices.Contains(g.ActiveMembers, studyResultID)
}

// TotalMembers counts the distinct study results that ever joined the group.
func (g GroupResult) TotalMembers() int {
	n := len(g.ActiveMembers)
	for _, id := range g.HistoryMembers {
		if !slices.Contains(g.ActiveMembers, id) {
			n++
		}
	}
	return n
}

// HasRoomFor reports whether the run could join under the batch caps. The
// caps are the ones the group channel enforces: a run already in the history
// is not a new member, a known worker is not a new worker.
func (g GroupResult) HasRoomFor(b Batch, studyResultID, workerID int64) bool {
	if g.State != GroupStarted {
		return false
	}
	if b.MaxActiveMembers > 0 && len(g.ActiveMembers) >= b.MaxActiveMembers {
		return false
	}
	if b.MaxTotalMembers > 0 && !slices.Contains(g.HistoryMembers, studyResultID) && g.TotalMembers() >= b.MaxTotalMembers {
		return false
	}
	if b.MaxTotalWorkers > 0 && !slices.Contains(g.Workers, workerID) && len(g.Workers) >= b.MaxTotalWorkers {
		return false
	}
	return true
}

// AddMember moves studyResultID into the active list and records its worker.
func (g *GroupResult) AddMember(studyResultID, workerID int64) {
	if !slices.Contains(g.ActiveMembers, studyResultID) {
		g.ActiveMembers = append(g.ActiveMembers, studyResultID)
	}
	if workerID != 0 && !slices.Contains(g.Workers, workerID) {
		g.Workers = append(g.Workers, workerID)
	}
}

// RemoveMember moves studyResultID from the active list into the history.
func (g *GroupResult) RemoveMember(studyResultID int64) bool {
	idx := slices.Index(g.ActiveMembers, studyResultID)
	if idx < 0 {
		return false
	}
	g.ActiveMembers = slices.Delete(g.ActiveMembers, idx, idx+1)
	if !slices.Contains(g.HistoryMembers, studyResultID) {
		g.HistoryMembers = append(g.HistoryMembers, studyResultID)
	}
	return true
}
