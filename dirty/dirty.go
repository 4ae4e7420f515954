// Package dirty collects per-drawable change notifications from many
// producer goroutines for a single consumer.
//
// Each producer owns an Outbox and appends to it under the outbox's own
// lock, so producers never contend with each other. The consumer calls
// Inbox.Drain once per frame to swap every outbox buffer out and merge the
// results.
package dirty

import (
	"strings"
	"sync"

	"github.com/gogpu/drawbatch/scene"
)

// Bits is the set of changes reported for one drawable.
type Bits uint8

const (
	Transform Bits = 1 << iota
	Visibility
	Geometry
	Material
	Skin
	// Removed means the drawable left the scene.
	Removed

	// All is every change bit except Removed.
	All = Transform | Visibility | Geometry | Material | Skin
)

var bitNames = []struct {
	bit  Bits
	name string
}{
	{Transform, "transform"},
	{Visibility, "visibility"},
	{Geometry, "geometry"},
	{Material, "material"},
	{Skin, "skin"},
	{Removed, "removed"},
}

// Has reports whether b contains any bit of o.
func (b Bits) Has(o Bits) bool { return b&o != 0 }

func (b Bits) String() string {
	if b == 0 {
		return "none"
	}
	var parts []string
	for _, n := range bitNames {
		if b&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// testHookDrained runs in Drain between collecting the outboxes and
// dropping the closed ones.
var testHookDrained func()

// Inbox is the consumer side of the mailbox.
type Inbox struct {
	mu       sync.Mutex
	outboxes []*Outbox
	spare    map[scene.ID]Bits
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{}
}

// NewOutbox registers a new producer buffer. Each producer goroutine should
// hold its own outbox.
func (in *Inbox) NewOutbox() *Outbox {
	o := &Outbox{marks: make(map[scene.ID]Bits)}
	in.mu.Lock()
	in.outboxes = append(in.outboxes, o)
	in.mu.Unlock()
	return o
}

// Drain swaps every outbox buffer out and returns the merged marks.
// The returned map is owned by the caller until the next Drain.
// Closed outboxes are unregistered after their final contents are collected.
func (in *Inbox) Drain() map[scene.ID]Bits {
	in.mu.Lock()
	boxes := in.outboxes
	in.mu.Unlock()

	merged := in.spare
	if merged == nil {
		merged = make(map[scene.ID]Bits)
	}
	clear(merged)

	var drained map[*Outbox]struct{}
	for _, o := range boxes {
		marks, closed := o.swap()
		for id, b := range marks {
			merged[id] |= b
		}
		clear(marks)
		o.recycle(marks)
		if closed {
			if drained == nil {
				drained = make(map[*Outbox]struct{})
			}
			drained[o] = struct{}{}
		}
	}
	if testHookDrained != nil {
		testHookDrained()
	}

	// Only outboxes seen closed at swap time are final; one closed since
	// may still hold marks for the next Drain.
	if len(drained) > 0 {
		in.mu.Lock()
		kept := in.outboxes[:0]
		for _, o := range in.outboxes {
			if _, ok := drained[o]; !ok {
				kept = append(kept, o)
			}
		}
		clear(in.outboxes[len(kept):])
		in.outboxes = kept
		in.mu.Unlock()
	}

	in.spare = nil
	return merged
}

// Recycle hands a drained map back for reuse. Optional.
func (in *Inbox) Recycle(m map[scene.ID]Bits) {
	in.spare = m
}

// Outboxes returns the number of registered outboxes.
func (in *Inbox) Outboxes() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.outboxes)
}

// Outbox is one producer's append buffer.
type Outbox struct {
	mu     sync.Mutex
	marks  map[scene.ID]Bits
	spare  map[scene.ID]Bits
	closed bool
}

// Mark records bits for id. Marks on a closed outbox are ignored.
func (o *Outbox) Mark(id scene.ID, bits Bits) {
	if bits == 0 {
		return
	}
	o.mu.Lock()
	if !o.closed {
		o.marks[id] |= bits
	}
	o.mu.Unlock()
}

// Close stops accepting marks. Pending marks are still delivered by the
// next Drain, after which the outbox is dropped.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

func (o *Outbox) swap() (map[scene.ID]Bits, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := o.marks
	if o.spare != nil {
		o.marks = o.spare
		o.spare = nil
	} else {
		o.marks = make(map[scene.ID]Bits)
	}
	return m, o.closed
}

func (o *Outbox) recycle(m map[scene.ID]Bits) {
	o.mu.Lock()
	if o.spare == nil {
		o.spare = m
	}
	o.mu.Unlock()
}
