package core

import (
	"context"

	"github.com/udisondev/la2go/internal/directory"
	"github.com/udisondev/la2go/internal/mapserver"
)

// SpawnInstance implements directory.Spawner: it builds a fresh
// mapserver.Instance for route, registers it, and runs its tick loop under
// the runtime's supervising errgroup. Readiness is signalled as soon as the
// tick goroutine is scheduled — MapServer instances have no separate
// warm-up phase before their first tick.
func (cr *CoreRuntime) SpawnInstance(ctx context.Context, route directory.Route, softCap int32) (<-chan struct{}, <-chan error) {
	ready := make(chan struct{})
	failed := make(chan error, 1)

	inst := mapserver.New(route, softCap, cr.mapCfg, cr.transport, cr.persist, cr.journal, cr.dir, cr.dir, cr.msgHub)

	cr.mu.Lock()
	cr.instances[route] = inst
	cr.mu.Unlock()

	cr.group.Go(func() error {
		inst.Run(cr.groupCtx)
		return nil
	})

	close(ready)
	return ready, failed
}

// instanceFor returns the registered MapServer instance owning route, if
// any.
func (cr *CoreRuntime) instanceFor(route directory.Route) (*mapserver.Instance, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	inst, ok := cr.instances[route]
	return inst, ok
}

// setCharacterRoute records which instance a character is currently
// attached to, so a later packet addressed by character_id (Move, Chat,
// Logout) can find its owning MapServer without a broadcast lookup.
func (cr *CoreRuntime) setCharacterRoute(characterID int64, route directory.Route) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.characterRoutes[characterID] = route
}

func (cr *CoreRuntime) clearCharacterRoute(characterID int64) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	delete(cr.characterRoutes, characterID)
}

func (cr *CoreRuntime) routeForCharacter(characterID int64) (directory.Route, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	route, ok := cr.characterRoutes[characterID]
	return route, ok
}
