// Package core implements CoreRuntime: the supervisor that owns every
// other component (WireCodec, ProtocolRuntime, SessionManager,
// WorldDirectory, MessageHub, PersistenceWorker, WriteAheadLog, and the
// live MapServer instances) and dispatches every ingress packet the
// ProtocolRuntime's baseline layer didn't answer itself. Grounded on
// cmd/gameserver/main.go's errgroup.WithContext supervisor: every
// subsystem runs as one g.Go goroutine, and shutdown follows the same
// stop-accepting -> notify -> drain -> flush -> release order as that
// command's Server.Close()/saveAllPlayers() sequence, generalized to the
// full component set.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/la2go/internal/config"
	"github.com/udisondev/la2go/internal/directory"
	"github.com/udisondev/la2go/internal/hub"
	"github.com/udisondev/la2go/internal/ingress"
	"github.com/udisondev/la2go/internal/mapserver"
	"github.com/udisondev/la2go/internal/persistworker"
	"github.com/udisondev/la2go/internal/session"
	"github.com/udisondev/la2go/internal/transport"
	"github.com/udisondev/la2go/internal/wal"
	"github.com/udisondev/la2go/internal/wire"
)

// Transport is the outbound side CoreRuntime needs from the networking
// layer: deliver a packet to a live session. *transport.Registry
// satisfies this directly.
type Transport interface {
	Send(sessionID wire.SessionID, pkt *wire.Packet) error
}

// CoreRuntime owns every other component named in the component design and
// dispatches ingress packets by kind.
type CoreRuntime struct {
	cfg    config.CoreRuntime
	mapCfg mapserver.Config

	codec     *wire.Codec
	ingress   *ingress.Runtime
	sessions  *session.Manager
	dir       *directory.Directory
	msgHub    *hub.Hub
	persist   *persistworker.Worker
	journal   *wal.WAL
	transport Transport
	items     itemRepo

	startWorld   string
	startEntry   string
	startMapKind directory.MapKind
	startSoftCap int32

	mu              sync.RWMutex
	instances       map[directory.Route]*mapserver.Instance
	characterRoutes map[int64]directory.Route

	group    *errgroup.Group
	groupCtx context.Context
}

// Deps bundles the collaborators New needs that aren't derived from cfg
// alone: the database-backed repository for snapshot flushes, the
// transport layer's session registry, and the static world topology.
type Deps struct {
	CharacterRepo characterRepo
	ItemRepo      itemRepo
	Transport     *transport.Registry
	Worlds        []*directory.World
	HTTPChecker   session.HTTPSessionChecker

	StartWorld   string
	StartEntry   string
	StartMapKind directory.MapKind
}

// New wires every component together. The returned CoreRuntime is not yet
// running any MapServer instances — those spawn lazily via WorldDirectory's
// ResolveOrScale, itself driven by an incoming KindSelectCharacter.
func New(cfg config.CoreRuntime, deps Deps) (*CoreRuntime, error) {
	walInstance, err := wal.Open(cfg.WALDir, cfg.WALRotateBytes)
	if err != nil {
		return nil, fmt.Errorf("core: opening WAL: %w", err)
	}

	codec := wire.NewCodec(cfg.ProtocolVersion, wire.Limits{
		MaxDatagramSize:      cfg.MaxDatagramSize,
		MaxStreamPayloadSize: cfg.MaxStreamPayloadSize,
	})

	sessions := session.NewManager([]byte(cfg.HMACSecret), cfg.IdleSessionTimeout(), deps.HTTPChecker)
	ingressRuntime := ingress.New(codec, sessions)

	persistWorker := persistworker.New(persistworker.Config{
		FlushTick:  cfg.FlushTick(),
		MaxFlushLag: cfg.MaxFlushLag(),
		BatchSize:  cfg.BatchSize,
	}, newSnapshotPersister(deps.CharacterRepo))

	cr := &CoreRuntime{
		cfg:             cfg,
		mapCfg:          mapserver.Config{PlayerTick: cfg.PlayerTick(), MonsterTick: cfg.MonsterTick(), AIBudgetFloor: 5 * time.Millisecond, InputQueueSize: 1024},
		codec:           codec,
		ingress:         ingressRuntime,
		sessions:        sessions,
		msgHub:          hub.New(context.Background()),
		persist:         persistWorker,
		journal:         walInstance,
		transport:       deps.Transport,
		items:           deps.ItemRepo,
		startWorld:      deps.StartWorld,
		startEntry:      deps.StartEntry,
		startMapKind:    deps.StartMapKind,
		startSoftCap:    int32(cfg.SoftPlayerCap),
		instances:       make(map[directory.Route]*mapserver.Instance),
		characterRoutes: make(map[int64]directory.Route),
	}
	cr.dir = directory.New(deps.Worlds, cr, []byte(cfg.HMACSecret), cfg.RouteTokenTTL())

	return cr, nil
}

// Ingress exposes the ProtocolRuntime for the transport layer to decode
// against.
func (cr *CoreRuntime) Ingress() *ingress.Runtime { return cr.ingress }

// Codec exposes the shared WireCodec for the transport layer to encode
// against.
func (cr *CoreRuntime) Codec() *wire.Codec { return cr.codec }

// Directory exposes WorldDirectory for the admin HTTP surface's
// /runtime/worlds and /runtime/maps endpoints.
func (cr *CoreRuntime) Directory() *directory.Directory { return cr.dir }

// Sessions exposes SessionManager for the admin HTTP surface's
// /runtime/stats endpoint.
func (cr *CoreRuntime) Sessions() *session.Manager { return cr.sessions }

// Persistence exposes PersistenceWorker for the admin HTTP surface's
// /runtime/persistence endpoint.
func (cr *CoreRuntime) Persistence() *persistworker.Worker { return cr.persist }

// Journal exposes the WriteAheadLog for the admin HTTP surface's
// /runtime/persistence endpoint.
func (cr *CoreRuntime) Journal() *wal.WAL { return cr.journal }

// Run starts every subsystem under one errgroup and blocks until ctx is
// cancelled or a subsystem fails. PersistenceWorker and the idle-session
// sweep run as g.Go goroutines alongside any MapServer instances spawned
// later by WorldDirectory.
func (cr *CoreRuntime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	cr.group = g
	cr.groupCtx = gctx

	g.Go(func() error {
		cr.persist.Run(gctx)
		return nil
	})

	g.Go(func() error {
		cr.sweepLoop(gctx)
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case err, ok := <-cr.persist.Errors():
				if !ok {
					return nil
				}
				slog.Error("core: persistence flush error", "error", err)
			case <-gctx.Done():
				return nil
			}
		}
	})

	<-gctx.Done()
	return cr.shutdown(g)
}

func (cr *CoreRuntime) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(cr.cfg.IdleSessionTimeout() / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			expired := cr.sessions.SweepIdle(time.Now().UnixMilli())
			for _, id := range expired {
				slog.Debug("core: swept idle session", "session", id)
			}
		case <-ctx.Done():
			return
		}
	}
}

// shutdown implements spec §4.I's graceful-shutdown order: stop accepting
// (the caller already cancelled ctx, which unblocks the transport
// acceptor) -> notify clients (left to the transport layer's own
// teardown) -> drain MapServers (their Run loops exit on ctx cancellation)
// -> final persistence flush -> WAL commit completion -> release
// transport.
func (cr *CoreRuntime) shutdown(g *errgroup.Group) error {
	if err := g.Wait(); err != nil {
		slog.Error("core: subsystem exited with error during shutdown", "error", err)
	}

	cr.persist.Shutdown()

	if err := cr.journal.Close(); err != nil {
		slog.Error("core: closing WAL", "error", err)
		return err
	}
	return nil
}
