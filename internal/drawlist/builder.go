// Package drawlist builds, refreshes and sorts the per-pass list of
// drawable items.
//
// Enumerating the scene is expensive, so the list is rebuilt only when a
// coarse collection, render-tag or subset-layout version moves or the pass
// filter changes. Between rebuilds, items are refreshed in place from the
// merged dirty notifications.
package drawlist

import (
	"cmp"
	"slices"

	"github.com/gogpu/drawbatch/dirty"
	"github.com/gogpu/drawbatch/scene"
	"github.com/gogpu/drawbatch/version"
)

// Builder owns the draw list of one pass.
type Builder struct {
	items []*Item
	byID  map[scene.ID]*Item

	built    bool
	filter   scene.Selection
	tags     scene.Tags
	unsorted bool

	rebuilds int
	sorts    int
}

// NewBuilder creates an empty builder. The first NeedsRebuild reports true.
func NewBuilder() *Builder {
	return &Builder{byID: make(map[scene.ID]*Item)}
}

// NeedsRebuild reports whether the list must be rebuilt: on first use,
// when the collection, render-tag or subset-layout version changed, or
// when the pass filter or tag set differs from the last rebuild.
func (b *Builder) NeedsRebuild(changes version.Changes, filter scene.Selection, tags scene.Tags) bool {
	if !b.built || filter != b.filter || tags != b.tags {
		return true
	}
	return changes.Any(version.Collection, version.RenderTags, version.SubsetLayout)
}

// Rebuild enumerates src and keeps drawables that pass filter and share a
// tag with tags, in enumeration order. Items already in the list are kept
// as the same *Item.
func (b *Builder) Rebuild(src scene.Source, filter scene.Selection, tags scene.Tags) {
	next := make([]*Item, 0, len(b.items))
	seen := make(map[scene.ID]*Item, len(b.byID))

	for d := range src.Drawables() {
		if !filter.Match(d.Selected()) || !d.Tags().Intersects(tags) {
			continue
		}
		id := d.ID()
		if _, dup := seen[id]; dup {
			continue
		}
		it, ok := b.byID[id]
		if !ok || it.Drawable != d {
			it = newItem(d)
		}
		seen[id] = it
		next = append(next, it)
	}

	b.items = next
	b.byID = seen
	b.built = true
	b.filter = filter
	b.tags = tags
	b.unsorted = true
	b.rebuilds++
	slogger().Debug("drawlist: rebuilt", "items", len(next), "filter", filter, "tags", tags)
}

// Apply merges drained dirty notifications. Removed items leave the list;
// ids not in the list are ignored. Apply reports how many items were touched.
func (b *Builder) Apply(marks map[scene.ID]dirty.Bits) int {
	touched := 0
	removed := false
	for id, bits := range marks {
		it, ok := b.byID[id]
		if !ok {
			continue
		}
		touched++
		if bits.Has(dirty.Removed) {
			it.gone = true
			removed = true
			continue
		}
		it.dirty |= bits
	}
	if removed {
		b.dropGone()
	}
	return touched
}

// MarkAllDirty flags every item for a full refresh.
func (b *Builder) MarkAllDirty(bits dirty.Bits) {
	for _, it := range b.items {
		it.dirty |= bits
	}
}

// Refresh updates every item whose dirty bits, motion state, pending
// geometry or pool epoch require it. It returns the items whose pipeline
// inputs changed; the caller resolves their pipelines.
func (b *Builder) Refresh(regions Regions) []*Item {
	epoch := regions.Epoch()
	var changed []*Item
	for _, it := range b.items {
		if !it.needsRefresh(epoch) {
			continue
		}
		wasValid, oldEpoch := it.NumVertices > 0, it.Epoch
		if it.refresh(regions) {
			changed = append(changed, it)
		}
		if it.gone || wasValid != (it.NumVertices > 0) || oldEpoch != it.Epoch {
			b.unsorted = true
		}
	}
	if len(changed) > 0 {
		b.unsorted = true
	}
	return changed
}

// MarkUnsorted forces the next Sort to run.
func (b *Builder) MarkUnsorted() { b.unsorted = true }

// NeedsSort reports whether anything feeding the sort key changed.
func (b *Builder) NeedsSort() bool { return b.unsorted }

// Sort drops items whose drawable or mesh vanished, then orders the list:
// valid items first, then by pipeline state, material binding, material,
// mesh and item id. Invalid items always end up at the tail.
func (b *Builder) Sort(src scene.Source) {
	for _, it := range b.items {
		if it.gone {
			continue
		}
		d, ok := src.Lookup(it.ID)
		if !ok || d != it.Drawable {
			it.gone = true
			continue
		}
		if _, ok := d.Geometry(); !ok {
			it.gone = true
		}
	}
	b.dropGone()

	slices.SortStableFunc(b.items, compareItems)
	b.unsorted = false
	b.sorts++
}

func compareItems(a, b *Item) int {
	av, bv := a.Valid(), b.Valid()
	if av != bv {
		if av {
			return -1
		}
		return 1
	}
	if !av {
		return cmp.Compare(a.ID, b.ID)
	}
	return cmp.Or(
		cmp.Compare(a.State.ID(), b.State.ID()),
		cmp.Compare(a.BindingID, b.BindingID),
		cmp.Compare(a.MaterialID, b.MaterialID),
		cmp.Compare(a.MeshID, b.MeshID),
		cmp.Compare(a.ID, b.ID),
	)
}

func (b *Builder) dropGone() {
	kept := b.items[:0]
	for _, it := range b.items {
		if it.gone {
			delete(b.byID, it.ID)
			b.unsorted = true
			continue
		}
		kept = append(kept, it)
	}
	clear(b.items[len(kept):])
	b.items = kept
}

// Items returns the whole list in submission order.
func (b *Builder) Items() []*Item { return b.items }

// Valid returns the leading run of valid items. It is the submittable part
// of the list after Sort.
func (b *Builder) Valid() []*Item {
	n := 0
	for n < len(b.items) && b.items[n].Valid() {
		n++
	}
	return b.items[:n]
}

// Lookup returns the item for id.
func (b *Builder) Lookup(id scene.ID) (*Item, bool) {
	it, ok := b.byID[id]
	return it, ok
}

// Len returns the number of items.
func (b *Builder) Len() int { return len(b.items) }

// Rebuilds returns how many times Rebuild ran.
func (b *Builder) Rebuilds() int { return b.rebuilds }

// Sorts returns how many times Sort ran.
func (b *Builder) Sorts() int { return b.sorts }
