package idcookie

import (
	"fmt"
	"sort"

	"golang.org/x/exp/maps"
)

// Collection is the request-scoped set of a browser's ID cookies, keyed by
// study result id. It is not safe for concurrent use; it lives for one
// request only.
type Collection struct {
	byRun map[int64]Model

	// discarded holds the names of cookies removed during this request; the
	// codec expires them in the response.
	discarded []string
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{byRun: make(map[int64]Model)}
}

// Len returns the number of cookies in the collection.
func (c *Collection) Len() int {
	return len(c.byRun)
}

// IsFull reports whether all slots are taken.
func (c *Collection) IsFull() bool {
	return len(c.byRun) >= MaxSlots
}

// Add inserts a cookie recovered from the request. The first cookie for a
// study result wins; a second one yields ErrAlreadyExists. A cookie whose
// index is taken by another study result yields ErrIndexInUse.
func (c *Collection) Add(m Model) error {
	if _, ok := c.byRun[m.StudyResultID]; ok {
		return fmt.Errorf("%w: study result %d", ErrAlreadyExists, m.StudyResultID)
	}
	if owner, ok := c.indexOwner(m.Index); ok {
		return fmt.Errorf("%w: index %d held by study result %d", ErrIndexInUse, m.Index, owner)
	}
	c.byRun[m.StudyResultID] = m
	return nil
}

// Put inserts or replaces the cookie of m.StudyResultID. Inserting a new
// study result into a full collection yields ErrCollectionFull.
func (c *Collection) Put(m Model) error {
	if _, exists := c.byRun[m.StudyResultID]; !exists && c.IsFull() {
		return ErrCollectionFull
	}
	if owner, ok := c.indexOwner(m.Index); ok && owner != m.StudyResultID {
		return fmt.Errorf("%w: index %d held by study result %d", ErrIndexInUse, m.Index, owner)
	}
	c.byRun[m.StudyResultID] = m
	c.undiscard(m.Name)
	return nil
}

// Get returns the cookie of a study result.
func (c *Collection) Get(studyResultID int64) (Model, bool) {
	m, ok := c.byRun[studyResultID]
	return m, ok
}

// Contains reports whether the study result has a cookie.
func (c *Collection) Contains(studyResultID int64) bool {
	_, ok := c.byRun[studyResultID]
	return ok
}

// Remove deletes the cookie of a study result and remembers its name so the
// browser copy gets expired.
func (c *Collection) Remove(studyResultID int64) (Model, bool) {
	m, ok := c.byRun[studyResultID]
	if !ok {
		return Model{}, false
	}
	delete(c.byRun, studyResultID)
	c.discarded = append(c.discarded, m.Name)
	return m, true
}

// All returns the cookies ordered by slot index.
func (c *Collection) All() []Model {
	out := maps.Values(c.byRun)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Discarded returns the names of cookies removed during this request that
// were not written again.
func (c *Collection) Discarded() []string {
	return append([]string(nil), c.discarded...)
}

// NextFreeIndex returns the lowest unused slot index. Callers must not ask a
// full collection; doing so yields ErrIndexOutOfBounds.
func (c *Collection) NextFreeIndex() (int, error) {
	used := make(map[int]bool, len(c.byRun))
	for _, m := range c.byRun {
		used[m.Index] = true
	}
	for i := 0; i < MaxSlots; i++ {
		if !used[i] {
			return i, nil
		}
	}
	return 0, ErrIndexOutOfBounds
}

// StudyResultIDs returns the study result ids in slot order.
func (c *Collection) StudyResultIDs() []int64 {
	all := c.All()
	ids := make([]int64, 0, len(all))
	for _, m := range all {
		ids = append(ids, m.StudyResultID)
	}
	return ids
}

func (c *Collection) indexOwner(index int) (int64, bool) {
	for id, m := range c.byRun {
		if m.Index == index {
			return id, true
		}
	}
	return 0, false
}

func (c *Collection) undiscard(name string) {
	kept := c.discarded[:0]
	for _, n := range c.discarded {
		if n != name {
			kept = append(kept, n)
		}
	}
	c.discarded = kept
}
