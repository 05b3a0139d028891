// Package service tracks the live surfaces of a process: each surface
// couples a queue pair with its layer latcher under a stable name, the
// way a compositor keeps one queue per window.
package service

import (
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/surfaceq/api"
	"github.com/srediag/surfaceq/pkg/bufferqueue"
	"github.com/srediag/surfaceq/pkg/layer"
)

// Surface is one named producer/consumer/latcher triple.
type Surface struct {
	ID       uuid.UUID
	Name     string
	Producer *bufferqueue.Producer
	Consumer *bufferqueue.Consumer
	Latcher  *layer.Latcher
}

// Registry is a concurrent name-to-surface map.
type Registry struct {
	surfaces cmap.ConcurrentMap[string, *Surface]
}

func NewRegistry() *Registry {
	return &Registry{surfaces: cmap.New[*Surface]()}
}

// SurfaceConfig assembles a surface. Queue and latcher options are
// forwarded unchanged.
type SurfaceConfig struct {
	Name      string
	Allocator api.Allocator

	Texture    api.TextureImage
	Compositor layer.Compositor
	DispSync   api.DispSync
	Rejecter   layer.Rejecter

	Now func() int64
}

// Create builds a queue pair plus latcher and registers the surface.
// Name collisions fail with ErrInvalidOperation.
func (r *Registry) Create(cfg SurfaceConfig) (*Surface, error) {
	producer, consumer := bufferqueue.New(bufferqueue.Config{
		ConsumerName: cfg.Name,
		Allocator:    cfg.Allocator,
		Now:          cfg.Now,
	})
	latcher, err := layer.NewLatcher(layer.Config{
		Name:       cfg.Name,
		Consumer:   consumer,
		Texture:    cfg.Texture,
		Compositor: cfg.Compositor,
		DispSync:   cfg.DispSync,
		Rejecter:   cfg.Rejecter,
		Now:        cfg.Now,
	})
	if err != nil {
		return nil, err
	}
	s := &Surface{
		ID:       uuid.New(),
		Name:     cfg.Name,
		Producer: producer,
		Consumer: consumer,
		Latcher:  latcher,
	}
	if !r.surfaces.SetIfAbsent(cfg.Name, s) {
		_ = latcher.Close()
		return nil, api.ErrInvalidOperation
	}
	return s, nil
}

// Get returns the surface registered under name.
func (r *Registry) Get(name string) (*Surface, bool) {
	return r.surfaces.Get(name)
}

// Remove abandons the surface's queue and unregisters it.
func (r *Registry) Remove(name string) bool {
	s, ok := r.surfaces.Pop(name)
	if !ok {
		return false
	}
	_ = s.Latcher.Close()
	return true
}

// Names lists the registered surface names.
func (r *Registry) Names() []string {
	return r.surfaces.Keys()
}

// Count returns how many surfaces are live.
func (r *Registry) Count() int {
	return r.surfaces.Count()
}
