package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/udisondev/la2go/internal/wire"
)

// ErrNoRoute is returned when a (world, entry, map_kind) tuple has no
// topology entry at all (misconfiguration, not a capacity problem).
var ErrNoRoute = errors.New("directory: no such world/entry/map_kind")

// ErrScaleFailed is returned when resolve_or_scale could not obtain a Ready
// instance within the scale-wait timeout.
var ErrScaleFailed = errors.New("directory: scale attempt failed")

// Spawner creates a new MapServer for route and reports readiness. The
// Directory never touches MapServer internals directly — it only needs to
// know when the instance becomes Ready or that spawning failed.
type Spawner interface {
	SpawnInstance(ctx context.Context, route Route, softCap int32) (ready <-chan struct{}, failed <-chan error)
}

// Directory is the WorldDirectory of spec §4.D: immutable topology plus
// mutable per-instance metrics, route selection, and auto-scale.
type Directory struct {
	worlds map[string]*World // immutable after construction

	spawner       Spawner
	routeTokenTTL time.Duration
	tokenSecret   []byte

	scaleGroup singleflight.Group

	consumedMu sync.Mutex
	consumed   map[string]int64 // transfer_id.String() -> expires_at_ms, for single-use + pruning
}

// New creates a Directory over a fixed topology.
func New(worlds []*World, spawner Spawner, tokenSecret []byte, routeTokenTTL time.Duration) *Directory {
	m := make(map[string]*World, len(worlds))
	for _, w := range worlds {
		m[w.name] = w
	}
	return &Directory{
		worlds:        m,
		spawner:       spawner,
		tokenSecret:   tokenSecret,
		routeTokenTTL: routeTokenTTL,
		consumed:      make(map[string]int64),
	}
}

func (d *Directory) lookup(world, entry string) (*EntryPoint, error) {
	w, ok := d.worlds[world]
	if !ok {
		return nil, fmt.Errorf("%w: world %q", ErrNoRoute, world)
	}
	e, ok := w.entry(entry)
	if !ok {
		return nil, fmt.Errorf("%w: entry %q in world %q", ErrNoRoute, entry, world)
	}
	return e, nil
}

// SelectBestRoute returns an existing instance with free capacity, choosing
// the one with the lowest occupancy/soft_cap ratio, tie-broken by lowest
// load_p95_ms, tie-broken by lowest instance_id.
func (d *Directory) SelectBestRoute(world, entry string, kind MapKind) (Route, bool, error) {
	ep, err := d.lookup(world, entry)
	if err != nil {
		return Route{}, false, err
	}

	candidates := ep.instancesOf(kind)
	var best *MapInstance
	for _, inst := range candidates {
		if !inst.hasFreeSlot() {
			continue
		}
		if best == nil || better(inst, best) {
			best = inst
		}
	}
	if best == nil {
		return Route{}, false, nil
	}
	return Route{World: world, Entry: entry, MapKind: kind, InstanceID: best.ID()}, true, nil
}

func better(a, b *MapInstance) bool {
	ra, rb := a.occupancyRatio(), b.occupancyRatio()
	if ra != rb {
		return ra < rb
	}
	la, lb := a.LoadP95Ms(), b.LoadP95Ms()
	if la != lb {
		return la < lb
	}
	return a.ID() < b.ID()
}

// ResolveOrScale returns an existing route with free capacity, or scales by
// creating a new MapInstance if none exists. Scale discipline: a
// per-(world,entry,map_kind) singleflight key collapses concurrent scale
// demand into one decision (the double-checked-locking the spec requires).
func (d *Directory) ResolveOrScale(ctx context.Context, world, entry string, kind MapKind, softCap int32) (Route, error) {
	if route, ok, err := d.SelectBestRoute(world, entry, kind); err != nil {
		return Route{}, err
	} else if ok {
		return route, nil
	}

	key := fmt.Sprintf("%s|%s|%s", world, entry, kind)
	routeAny, err, _ := d.scaleGroup.Do(key, func() (any, error) {
		// Re-check under the singleflight key: another caller may have
		// already scaled while we were waiting to enter this section.
		if route, ok, err := d.SelectBestRoute(world, entry, kind); err != nil {
			return Route{}, err
		} else if ok {
			return route, nil
		}
		return d.scaleUp(ctx, world, entry, kind, softCap)
	})
	if err != nil {
		return Route{}, err
	}
	return routeAny.(Route), nil
}

func (d *Directory) scaleUp(ctx context.Context, world, entry string, kind MapKind, softCap int32) (Route, error) {
	ep, err := d.lookup(world, entry)
	if err != nil {
		return Route{}, err
	}

	id := instanceIDSeq.Add(1)
	route := Route{World: world, Entry: entry, MapKind: kind, InstanceID: id}
	inst := newMapInstance(id, kind, softCap)
	ep.add(inst)

	ready, failed := d.spawner.SpawnInstance(ctx, route, softCap)
	select {
	case <-ready:
		inst.update(0, 0, Ready, 0)
		return route, nil
	case spawnErr := <-failed:
		ep.remove(id)
		return Route{}, fmt.Errorf("%w: %v", ErrScaleFailed, spawnErr)
	case <-ctx.Done():
		ep.remove(id)
		return Route{}, fmt.Errorf("%w: %v", ErrScaleFailed, ctx.Err())
	}
}

// ReserveSlot decrements nominal capacity (optimistically, via the next
// instance_metrics_update from the MapServer) and issues a signed,
// single-use, time-bound RouteToken for sessionID to attach to route.
func (d *Directory) ReserveSlot(route Route, sessionID wire.SessionID, characterID int64) ([]byte, error) {
	t := RouteToken{
		TransferID:  newTransferID(),
		SessionID:   sessionID,
		CharacterID: characterID,
		Target:      route,
		ExpiresAtMs: nowMs() + d.routeTokenTTL.Milliseconds(),
	}
	return sign(d.tokenSecret, t), nil
}

// VerifyAndConsume validates a RouteToken's signature, expiry, session
// match, and character match, then consumes it (single-use). A second
// attach attempt with the same token fails with ErrInvalidToken.
func (d *Directory) VerifyAndConsume(raw []byte, sessionID wire.SessionID, characterID int64) (Route, error) {
	t, err := verifyRouteToken(d.tokenSecret, raw, nowMs())
	if err != nil {
		return Route{}, err
	}
	if t.SessionID != sessionID || t.CharacterID != characterID {
		return Route{}, fmt.Errorf("%w: session/character mismatch", ErrInvalidToken)
	}

	d.consumedMu.Lock()
	defer d.consumedMu.Unlock()
	key := t.TransferID.String()
	if _, already := d.consumed[key]; already {
		return Route{}, fmt.Errorf("%w: token %s already consumed", ErrInvalidToken, key)
	}
	d.consumed[key] = t.ExpiresAtMs

	return t.Target, nil
}

// PruneConsumedTokens drops bookkeeping entries for tokens that have
// expired anyway, bounding the consumed-token map's size.
func (d *Directory) PruneConsumedTokens(now int64) {
	d.consumedMu.Lock()
	defer d.consumedMu.Unlock()
	for k, exp := range d.consumed {
		if exp <= now {
			delete(d.consumed, k)
		}
	}
}

// ReleaseSlot is called on detach; metrics reconcile on the next
// instance_metrics_update from the owning MapServer.
func (d *Directory) ReleaseSlot(route Route, sessionID wire.SessionID) {
	// Nominal capacity bookkeeping lives entirely in MapInstance.occupancy,
	// which only the owning MapServer's instance_metrics_update mutates;
	// there is nothing further for the Directory to release here.
	_ = sessionID
}

// InstanceMetricsUpdate is fed by MapServers every tick.
func (d *Directory) InstanceMetricsUpdate(route Route, occupancy, loadP95Ms int32, health Health, tickEpoch uint64) error {
	ep, err := d.lookup(route.World, route.Entry)
	if err != nil {
		return err
	}
	inst, ok := ep.get(route.InstanceID)
	if !ok {
		return fmt.Errorf("%w: instance %d", ErrNoRoute, route.InstanceID)
	}
	inst.update(occupancy, loadP95Ms, health, tickEpoch)
	return nil
}

// Snapshot returns a read-only view of every instance's metrics, for the
// /runtime/maps admin endpoint.
func (d *Directory) Snapshot() []InstanceSnapshot {
	var out []InstanceSnapshot
	for worldName, w := range d.worlds {
		for entryName, ep := range w.entries {
			ep.mu.RLock()
			for _, inst := range ep.instances {
				out = append(out, InstanceSnapshot{
					Route:     Route{World: worldName, Entry: entryName, MapKind: inst.mapKind, InstanceID: inst.instanceID},
					Occupancy: inst.Occupancy(),
					SoftCap:   inst.SoftCap(),
					LoadP95Ms: inst.LoadP95Ms(),
					Health:    inst.Health(),
				})
			}
			ep.mu.RUnlock()
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route.InstanceID < out[j].Route.InstanceID })
	return out
}

// InstanceSnapshot is the read-only metrics view of one MapInstance.
type InstanceSnapshot struct {
	Route     Route
	Occupancy int32
	SoftCap   int32
	LoadP95Ms int32
	Health    Health
}
