package directory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/la2go/internal/wire"
)

// countingSpawner spawns instances that become Ready immediately and counts
// how many times SpawnInstance was actually invoked, to verify the
// singleflight scale collapse.
type countingSpawner struct {
	spawns atomic.Int32
}

func (s *countingSpawner) SpawnInstance(ctx context.Context, route Route, softCap int32) (<-chan struct{}, <-chan error) {
	s.spawns.Add(1)
	ready := make(chan struct{})
	close(ready)
	return ready, make(chan error)
}

type failingSpawner struct{}

func (failingSpawner) SpawnInstance(ctx context.Context, route Route, softCap int32) (<-chan struct{}, <-chan error) {
	failed := make(chan error, 1)
	failed <- assertErr
	return make(chan struct{}), failed
}

var assertErr = assertErrType{}

type assertErrType struct{}

func (assertErrType) Error() string { return "spawn failed" }

func newTestDirectory(spawner Spawner) *Directory {
	w := NewWorld("aelion", "main")
	return New([]*World{w}, spawner, []byte("route-secret"), 5*time.Second)
}

func TestDirectory_SelectBestRoute_NoInstances(t *testing.T) {
	d := newTestDirectory(&countingSpawner{})
	_, ok, err := d.SelectBestRoute("aelion", "main", "giran")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDirectory_SelectBestRoute_UnknownWorld(t *testing.T) {
	d := newTestDirectory(&countingSpawner{})
	_, _, err := d.SelectBestRoute("nowhere", "main", "giran")
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestDirectory_ResolveOrScale_CreatesInstance(t *testing.T) {
	spawner := &countingSpawner{}
	d := newTestDirectory(spawner)

	route, err := d.ResolveOrScale(context.Background(), "aelion", "main", "giran", 2)
	require.NoError(t, err)
	assert.Equal(t, MapKind("giran"), route.MapKind)
	assert.EqualValues(t, 1, spawner.spawns.Load())
}

func TestDirectory_ResolveOrScale_ReusesExistingFreeSlot(t *testing.T) {
	spawner := &countingSpawner{}
	d := newTestDirectory(spawner)

	route1, err := d.ResolveOrScale(context.Background(), "aelion", "main", "giran", 2)
	require.NoError(t, err)

	route2, err := d.ResolveOrScale(context.Background(), "aelion", "main", "giran", 2)
	require.NoError(t, err)
	assert.Equal(t, route1, route2)
	assert.EqualValues(t, 1, spawner.spawns.Load())
}

func TestDirectory_ResolveOrScale_ScalesWhenSaturated(t *testing.T) {
	spawner := &countingSpawner{}
	d := newTestDirectory(spawner)

	route1, err := d.ResolveOrScale(context.Background(), "aelion", "main", "giran", 2)
	require.NoError(t, err)
	require.NoError(t, d.InstanceMetricsUpdate(route1, 2, 10, Ready, 1)) // saturate

	route2, err := d.ResolveOrScale(context.Background(), "aelion", "main", "giran", 2)
	require.NoError(t, err)
	assert.NotEqual(t, route1.InstanceID, route2.InstanceID)
}

func TestDirectory_ResolveOrScale_ConcurrentDemandCollapses(t *testing.T) {
	spawner := &countingSpawner{}
	d := newTestDirectory(spawner)

	// Pre-saturate so every caller below must go through the scale path.
	const callers = 20
	var wg sync.WaitGroup
	routes := make(chan Route, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			route, err := d.ResolveOrScale(context.Background(), "aelion", "main", "giran", 2)
			if err == nil {
				routes <- route
			}
		}()
	}
	wg.Wait()
	close(routes)

	seen := map[int64]bool{}
	for r := range routes {
		seen[r.InstanceID] = true
	}
	// All concurrent demand for an empty map_kind collapses onto one
	// created instance (singleflight), not `callers` separate instances.
	assert.Len(t, seen, 1)
}

func TestDirectory_ResolveOrScale_SpawnFailure(t *testing.T) {
	d := newTestDirectory(failingSpawner{})
	_, err := d.ResolveOrScale(context.Background(), "aelion", "main", "giran", 2)
	require.ErrorIs(t, err, ErrScaleFailed)
}

func TestDirectory_RouteToken_RoundTripAndSingleUse(t *testing.T) {
	d := newTestDirectory(&countingSpawner{})
	route, err := d.ResolveOrScale(context.Background(), "aelion", "main", "giran", 2)
	require.NoError(t, err)

	sid := wire.SessionID{1, 2, 3}
	raw, err := d.ReserveSlot(route, sid, 42)
	require.NoError(t, err)

	got, err := d.VerifyAndConsume(raw, sid, 42)
	require.NoError(t, err)
	assert.Equal(t, route, got)

	_, err = d.VerifyAndConsume(raw, sid, 42)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestDirectory_RouteToken_RejectsTamperedSignature(t *testing.T) {
	d := newTestDirectory(&countingSpawner{})
	route, err := d.ResolveOrScale(context.Background(), "aelion", "main", "giran", 2)
	require.NoError(t, err)

	sid := wire.SessionID{1}
	raw, err := d.ReserveSlot(route, sid, 42)
	require.NoError(t, err)
	raw[0] ^= 0xFF

	_, err = d.VerifyAndConsume(raw, sid, 42)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestDirectory_RouteToken_RejectsSessionMismatch(t *testing.T) {
	d := newTestDirectory(&countingSpawner{})
	route, err := d.ResolveOrScale(context.Background(), "aelion", "main", "giran", 2)
	require.NoError(t, err)

	raw, err := d.ReserveSlot(route, wire.SessionID{1}, 42)
	require.NoError(t, err)

	_, err = d.VerifyAndConsume(raw, wire.SessionID{2}, 42)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestDirectory_Snapshot(t *testing.T) {
	d := newTestDirectory(&countingSpawner{})
	_, err := d.ResolveOrScale(context.Background(), "aelion", "main", "giran", 2)
	require.NoError(t, err)

	snap := d.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, MapKind("giran"), snap[0].Route.MapKind)
}
