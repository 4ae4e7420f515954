// Package scenetest provides in-memory implementations of the scene
// collaborator contracts for tests and benchmarks.
package scenetest

import (
	"iter"
	"slices"
	"sync"

	"github.com/gogpu/drawbatch/device"
	"github.com/gogpu/drawbatch/scene"
	"github.com/gogpu/drawbatch/version"
	"github.com/gogpu/gputypes"
)

// DefaultReservedBytes is the attribute reservation of new materials.
const DefaultReservedBytes = 256

// Material is a mutable scene.Material.
type Material struct {
	mu        sync.Mutex
	id        scene.ID
	bindingID uint64
	binding   device.BindGroup
	reserved  uint32
	features  scene.MaterialFeatures
	alpha     scene.AlphaMode
	cull      gputypes.CullMode
	version   uint32
	ready     bool
}

// NewMaterial creates a ready, opaque material whose binding id equals id.
func NewMaterial(id scene.ID) *Material {
	return &Material{
		id:        id,
		bindingID: uint64(id),
		binding:   id,
		reserved:  DefaultReservedBytes,
		cull:      gputypes.CullModeBack,
		ready:     true,
	}
}

func (m *Material) ID() scene.ID { return m.id }

func (m *Material) BindingID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bindingID
}

func (m *Material) Binding() device.BindGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.binding
}

func (m *Material) ReservedAttributeBytes() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved
}

func (m *Material) Features() scene.MaterialFeatures {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.features
}

func (m *Material) AlphaMode() scene.AlphaMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alpha
}

func (m *Material) CullMode() gputypes.CullMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cull
}

func (m *Material) Version() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

func (m *Material) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// SetBinding replaces the binding set and its identity.
func (m *Material) SetBinding(id uint64, group device.BindGroup) *Material {
	m.mu.Lock()
	m.bindingID, m.binding = id, group
	m.version++
	m.mu.Unlock()
	return m
}

// SetReserved sets the reserved attribute bytes.
func (m *Material) SetReserved(n uint32) *Material {
	m.mu.Lock()
	m.reserved = n
	m.mu.Unlock()
	return m
}

// SetFeatures sets the material features.
func (m *Material) SetFeatures(f scene.MaterialFeatures) *Material {
	m.mu.Lock()
	m.features = f
	m.version++
	m.mu.Unlock()
	return m
}

// SetAlpha sets the alpha mode.
func (m *Material) SetAlpha(a scene.AlphaMode) *Material {
	m.mu.Lock()
	m.alpha = a
	m.version++
	m.mu.Unlock()
	return m
}

// SetCull sets the cull mode.
func (m *Material) SetCull(c gputypes.CullMode) *Material {
	m.mu.Lock()
	m.cull = c
	m.version++
	m.mu.Unlock()
	return m
}

// SetReady marks the textures loaded or not.
func (m *Material) SetReady(ready bool) *Material {
	m.mu.Lock()
	m.ready = ready
	m.mu.Unlock()
	return m
}

// Skin is a fixed skinning source.
type Skin struct {
	Hash   uint64
	Joints int
}

func (s *Skin) TransformSetHash() uint64 { return s.Hash }
func (s *Skin) JointCount() int          { return s.Joints }

// JointData returns one 64-byte matrix per joint filled with a pattern
// derived from the hash.
func (s *Skin) JointData() []byte {
	b := make([]byte, s.Joints*64)
	for i := range b {
		b[i] = byte(s.Hash) + byte(i)
	}
	return b
}

// Drawable is a mutable scene.Drawable.
type Drawable struct {
	mu        sync.Mutex
	id        scene.ID
	mesh      scene.ID
	visible   bool
	selected  bool
	tags      scene.Tags
	transform scene.Mat4
	material  scene.Material
	geom      *scene.Geometry
	deleted   bool
	geomVer   uint32
	skin      scene.Skin
	mode      scene.RenderMode
}

// NewDrawable creates a visible drawable tagged with tag bit 0.
func NewDrawable(id, mesh scene.ID, m scene.Material, g *scene.Geometry) *Drawable {
	return &Drawable{
		id:        id,
		mesh:      mesh,
		visible:   true,
		tags:      1,
		transform: scene.Identity(),
		material:  m,
		geom:      g,
	}
}

func (d *Drawable) ID() scene.ID     { return d.id }
func (d *Drawable) MeshID() scene.ID { return d.mesh }

func (d *Drawable) Visible() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible
}

func (d *Drawable) Selected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected
}

func (d *Drawable) Tags() scene.Tags {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tags
}

func (d *Drawable) Transform() scene.Mat4 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transform
}

func (d *Drawable) Material() scene.Material {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.material
}

func (d *Drawable) Geometry() (*scene.Geometry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleted || d.geom == nil {
		return nil, false
	}
	return d.geom, true
}

func (d *Drawable) GeometryVersion() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.geomVer
}

func (d *Drawable) Skin() scene.Skin {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.skin
}

func (d *Drawable) RenderMode() scene.RenderMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// SetVisible sets visibility.
func (d *Drawable) SetVisible(v bool) *Drawable {
	d.mu.Lock()
	d.visible = v
	d.mu.Unlock()
	return d
}

// SetSelected sets the selection state.
func (d *Drawable) SetSelected(v bool) *Drawable {
	d.mu.Lock()
	d.selected = v
	d.mu.Unlock()
	return d
}

// SetTags sets the render tags.
func (d *Drawable) SetTags(t scene.Tags) *Drawable {
	d.mu.Lock()
	d.tags = t
	d.mu.Unlock()
	return d
}

// SetTransform sets the transform.
func (d *Drawable) SetTransform(m scene.Mat4) *Drawable {
	d.mu.Lock()
	d.transform = m
	d.mu.Unlock()
	return d
}

// SetMaterial replaces the material.
func (d *Drawable) SetMaterial(m scene.Material) *Drawable {
	d.mu.Lock()
	d.material = m
	d.mu.Unlock()
	return d
}

// SetGeometry replaces the geometry and bumps the geometry version.
func (d *Drawable) SetGeometry(g *scene.Geometry) *Drawable {
	d.mu.Lock()
	d.geom = g
	d.geomVer++
	d.mu.Unlock()
	return d
}

// DeleteMesh makes Geometry report the mesh as deleted.
func (d *Drawable) DeleteMesh() *Drawable {
	d.mu.Lock()
	d.deleted = true
	d.mu.Unlock()
	return d
}

// SetSkin sets the skinning source.
func (d *Drawable) SetSkin(s scene.Skin) *Drawable {
	d.mu.Lock()
	d.skin = s
	d.mu.Unlock()
	return d
}

// SetRenderMode sets the render mode.
func (d *Drawable) SetRenderMode(m scene.RenderMode) *Drawable {
	d.mu.Lock()
	d.mode = m
	d.mu.Unlock()
	return d
}

// Scene is an in-memory scene.Source. Add and Remove bump the collection
// version.
type Scene struct {
	mu        sync.RWMutex
	versions  *version.Attributes
	drawables map[scene.ID]*Drawable
	order     []scene.ID

	// Enumerations counts calls to Drawables.
	Enumerations int
}

// New creates an empty scene.
func New() *Scene {
	return &Scene{
		versions:  version.New(),
		drawables: make(map[scene.ID]*Drawable),
	}
}

// Add inserts drawables.
func (s *Scene) Add(ds ...*Drawable) {
	s.mu.Lock()
	for _, d := range ds {
		if _, ok := s.drawables[d.id]; !ok {
			s.order = append(s.order, d.id)
		}
		s.drawables[d.id] = d
	}
	s.mu.Unlock()
	s.versions.Bump(version.Collection)
}

// Remove deletes drawables by id.
func (s *Scene) Remove(ids ...scene.ID) {
	s.mu.Lock()
	for _, id := range ids {
		delete(s.drawables, id)
		if i := slices.Index(s.order, id); i >= 0 {
			s.order = slices.Delete(s.order, i, i+1)
		}
	}
	s.mu.Unlock()
	s.versions.Bump(version.Collection)
}

// Get returns the concrete drawable.
func (s *Scene) Get(id scene.ID) *Drawable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.drawables[id]
}

// Versions implements scene.Source.
func (s *Scene) Versions() *version.Attributes { return s.versions }

// Drawables implements scene.Source. It enumerates in insertion order.
func (s *Scene) Drawables() iter.Seq[scene.Drawable] {
	s.mu.Lock()
	s.Enumerations++
	ids := slices.Clone(s.order)
	s.mu.Unlock()

	return func(yield func(scene.Drawable) bool) {
		for _, id := range ids {
			s.mu.RLock()
			d, ok := s.drawables[id]
			s.mu.RUnlock()
			if ok && !yield(d) {
				return
			}
		}
	}
}

// Lookup implements scene.Source.
func (s *Scene) Lookup(id scene.ID) (scene.Drawable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drawables[id]
	if !ok {
		return nil, false
	}
	return d, true
}
