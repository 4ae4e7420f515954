// Package version implements the versioned global attributes that scene
// mutators bump and the draw scheduler observes once per frame.
//
// The scheduler never inspects individual scene objects to detect a change.
// It compares the last observed value of each counter with the current one
// and reprocesses only the item categories whose counter moved.
//
//	attrs := version.New()
//	var obs version.Observer
//
//	// scene worker
//	attrs.Bump(version.Material)
//
//	// submission thread, once per frame
//	changes := obs.Observe(attrs.Snapshot())
//	if changes.Has(version.Material) {
//	    // refresh material-derived state
//	}
package version

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Category names one class of scene state guarded by a counter.
type Category uint8

const (
	// Collection changes when drawables are added to or removed from the scene.
	Collection Category = iota

	// RenderTags changes when the render-tag assignment of any drawable changes.
	RenderTags

	// SubsetLayout changes when the geometry-subset layout of any mesh changes.
	SubsetLayout

	// Geometry changes when any vertex or index data changes.
	Geometry

	// Material changes when any material parameter or binding changes.
	Material

	// CullTransform changes when transform-related culling state changes.
	CullTransform

	// NumCategories is the number of categories.
	NumCategories
)

var categoryNames = [NumCategories]string{
	Collection:    "collection",
	RenderTags:    "render-tags",
	SubsetLayout:  "subset-layout",
	Geometry:      "geometry",
	Material:      "material",
	CullTransform: "cull-transform",
}

// String returns the category name.
func (c Category) String() string {
	if c < NumCategories {
		return categoryNames[c]
	}
	return fmt.Sprintf("Category(%d)", uint8(c))
}

// Attributes is the set of versioned counters shared between scene mutators
// and the scheduler. It is meant to be owned by a shared context and injected,
// not used as a global.
//
// Attributes is safe for concurrent use.
type Attributes struct {
	counters [NumCategories]atomic.Uint32
}

// New returns a set of counters, all at zero.
func New() *Attributes {
	return &Attributes{}
}

// Bump increments the counter for c and returns the new value.
func (a *Attributes) Bump(c Category) uint32 {
	if c >= NumCategories {
		return 0
	}
	return a.counters[c].Add(1)
}

// Get returns the current counter value for c.
func (a *Attributes) Get(c Category) uint32 {
	if c >= NumCategories {
		return 0
	}
	return a.counters[c].Load()
}

// Snapshot captures all counters. Each counter is read atomically; the
// snapshot as a whole is not, which is fine because a bump racing with the
// snapshot is simply observed on the next frame.
func (a *Attributes) Snapshot() Snapshot {
	var s Snapshot
	for i := range a.counters {
		s[i] = a.counters[i].Load()
	}
	return s
}

// Snapshot is a value copy of every counter.
type Snapshot [NumCategories]uint32

// Get returns the recorded value for c.
func (s Snapshot) Get(c Category) uint32 {
	if c >= NumCategories {
		return 0
	}
	return s[c]
}

// Changes is a bitmask of categories.
type Changes uint32

// AllChanges has every category set.
const AllChanges = Changes(1<<NumCategories - 1)

// Has reports whether c is in the set.
func (ch Changes) Has(c Category) bool {
	return ch&(1<<c) != 0
}

// Any reports whether any of cs is in the set.
func (ch Changes) Any(cs ...Category) bool {
	for _, c := range cs {
		if ch.Has(c) {
			return true
		}
	}
	return false
}

// Empty reports whether no category changed.
func (ch Changes) Empty() bool {
	return ch == 0
}

// String lists the changed category names.
func (ch Changes) String() string {
	if ch == 0 {
		return "none"
	}
	var parts []string
	for c := Category(0); c < NumCategories; c++ {
		if ch.Has(c) {
			parts = append(parts, c.String())
		}
	}
	return strings.Join(parts, "|")
}

// Observer remembers the last snapshot seen by one consumer.
// The zero value has observed nothing; its first Observe reports every category.
//
// Observer is not safe for concurrent use. It belongs to the submission thread.
type Observer struct {
	last Snapshot
	seen bool
}

// Observe compares now with the last observed snapshot, records now, and
// returns the categories that differ.
func (o *Observer) Observe(now Snapshot) Changes {
	if !o.seen {
		o.seen = true
		o.last = now
		return AllChanges
	}
	var ch Changes
	for i := range now {
		if now[i] != o.last[i] {
			ch |= 1 << i
		}
	}
	o.last = now
	return ch
}

// Peek returns the categories that differ from the last observed snapshot
// without recording now.
func (o *Observer) Peek(now Snapshot) Changes {
	if !o.seen {
		return AllChanges
	}
	var ch Changes
	for i := range now {
		if now[i] != o.last[i] {
			ch |= 1 << i
		}
	}
	return ch
}

// Last returns the last observed snapshot.
func (o *Observer) Last() Snapshot {
	return o.last
}

// Reset forgets the last observation so the next Observe reports everything.
func (o *Observer) Reset() {
	o.seen = false
	o.last = Snapshot{}
}
