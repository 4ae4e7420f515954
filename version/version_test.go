package version

import (
	"sync"
	"testing"
)

func TestAttributesBump(t *testing.T) {
	a := New()
	if got := a.Get(Geometry); got != 0 {
		t.Fatalf("Get(Geometry) = %d, want 0", got)
	}
	if got := a.Bump(Geometry); got != 1 {
		t.Errorf("Bump(Geometry) = %d, want 1", got)
	}
	if got := a.Bump(Geometry); got != 2 {
		t.Errorf("Bump(Geometry) = %d, want 2", got)
	}
	if got := a.Get(Material); got != 0 {
		t.Errorf("Get(Material) = %d, want 0 (untouched)", got)
	}
	if got := a.Bump(NumCategories); got != 0 {
		t.Errorf("Bump(out of range) = %d, want 0", got)
	}
}

func TestAttributesConcurrentBump(t *testing.T) {
	a := New()
	const workers, perWorker = 8, 500

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				a.Bump(Collection)
			}
		}()
	}
	wg.Wait()

	if got := a.Get(Collection); got != workers*perWorker {
		t.Errorf("Get(Collection) = %d, want %d", got, workers*perWorker)
	}
}

func TestObserverFirstObservationReportsAll(t *testing.T) {
	var o Observer
	ch := o.Observe(New().Snapshot())
	for c := Category(0); c < NumCategories; c++ {
		if !ch.Has(c) {
			t.Errorf("first Observe missing %v", c)
		}
	}
}

func TestObserverReportsOnlyChanged(t *testing.T) {
	a := New()
	var o Observer
	o.Observe(a.Snapshot())

	if ch := o.Observe(a.Snapshot()); !ch.Empty() {
		t.Errorf("Observe without bumps = %v, want none", ch)
	}

	a.Bump(Material)
	a.Bump(CullTransform)
	ch := o.Observe(a.Snapshot())
	if !ch.Has(Material) || !ch.Has(CullTransform) {
		t.Errorf("Observe = %v, want material|cull-transform", ch)
	}
	if ch.Any(Collection, RenderTags, SubsetLayout, Geometry) {
		t.Errorf("Observe = %v, reported untouched categories", ch)
	}

	if ch := o.Observe(a.Snapshot()); !ch.Empty() {
		t.Errorf("second Observe = %v, want none", ch)
	}
}

func TestObserverPeekDoesNotRecord(t *testing.T) {
	a := New()
	var o Observer
	o.Observe(a.Snapshot())
	a.Bump(Geometry)

	if ch := o.Peek(a.Snapshot()); !ch.Has(Geometry) {
		t.Fatalf("Peek = %v, want geometry", ch)
	}
	if ch := o.Observe(a.Snapshot()); !ch.Has(Geometry) {
		t.Errorf("Observe after Peek = %v, want geometry", ch)
	}
}

func TestObserverReset(t *testing.T) {
	a := New()
	var o Observer
	o.Observe(a.Snapshot())
	o.Reset()
	if ch := o.Observe(a.Snapshot()); ch != AllChanges {
		t.Errorf("Observe after Reset = %v, want all", ch)
	}
}

func TestChangesString(t *testing.T) {
	tests := []struct {
		ch   Changes
		want string
	}{
		{0, "none"},
		{1 << Geometry, "geometry"},
		{1<<Collection | 1<<Material, "collection|material"},
	}
	for _, tt := range tests {
		if got := tt.ch.String(); got != tt.want {
			t.Errorf("Changes(%b).String() = %q, want %q", uint32(tt.ch), got, tt.want)
		}
	}
}
