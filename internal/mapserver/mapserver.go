// Package mapserver implements the MapServer: the per-instance tick loop
// that owns a MapInstance's authoritative simulation state exclusively —
// every external interaction is a message on its mailbox, never a direct
// mutation. Grounded on cmd/gameserver/main.go's tick-manager wiring
// (ai.TickManager, spawn.RespawnTaskManager, combat.Manager), generalized
// into one goroutine-owned struct per instance.
package mapserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/udisondev/la2go/internal/directory"
	"github.com/udisondev/la2go/internal/hub"
	"github.com/udisondev/la2go/internal/wal"
	"github.com/udisondev/la2go/internal/wire"
)

// Transport delivers an encoded server packet to a live session. Mapserver
// never touches sockets directly; CoreRuntime supplies the implementation.
type Transport interface {
	Send(sessionID wire.SessionID, pkt *wire.Packet) error
}

// PersistenceSink receives non-critical dirty snapshots for coalesced
// batch flush (internal/persistworker.Worker satisfies this).
type PersistenceSink interface {
	Enqueue(characterID int64, snapshot []byte)
}

// Journal is the write-ahead log collaborator for the economy/critical
// commit protocol (internal/wal.WAL satisfies this).
type Journal interface {
	Begin(eventID uuid.UUID, kind wal.Kind, logicalTs uint64, payload []byte) (wal.Handle, error)
	Commit(h wal.Handle) error
}

// DirectoryReporter is fed occupancy/health/load metrics every tick
// (internal/directory.Directory satisfies this).
type DirectoryReporter interface {
	InstanceMetricsUpdate(route directory.Route, occupancy, loadP95Ms int32, health directory.Health, tickEpoch uint64) error
}

// TransferIssuer requests a RouteToken for a character leaving this
// instance (internal/directory.Directory satisfies this).
type TransferIssuer interface {
	ReserveSlot(route directory.Route, sessionID wire.SessionID, characterID int64) ([]byte, error)
}

// Config tunes tick cadence and AI budget.
type Config struct {
	PlayerTick     time.Duration
	MonsterTick    time.Duration
	AIBudgetFloor  time.Duration // below this much slack, degrade monster AI for the tick
	InputQueueSize int
}

func DefaultConfig() Config {
	return Config{
		PlayerTick:     50 * time.Millisecond,
		MonsterTick:    150 * time.Millisecond,
		AIBudgetFloor:  5 * time.Millisecond,
		InputQueueSize: 1024,
	}
}

type runtimeCharacter struct {
	characterID int64
	sessionID   wire.SessionID
	x, y, z     int32
	hp          int32
	inCombat    bool
	trading     bool
	dirty       bool
}

type command interface{}

type cmdAttach struct {
	sessionID   wire.SessionID
	characterID int64
	x, y, z     int32
	result      chan error
}

type cmdDetach struct {
	characterID int64
}

type cmdMove struct {
	characterID int64
	x, y, z     int32
}

// ChatDestination distinguishes the in-instance broadcast path from
// MessageHub publish. Local never reaches the hub at all.
type ChatDestination struct {
	Local bool
	Hub   hub.Topic
}

type cmdChat struct {
	characterID int64
	dest        ChatDestination
	body        []byte
}

type cmdTransferRequest struct {
	characterID int64
	target      directory.Route
	result      chan transferResult
}

type transferResult struct {
	token []byte
	err   error
}

// Instance is one live MapServer: the authoritative owner of one
// MapInstance's simulation state.
type Instance struct {
	route   directory.Route
	softCap int32
	cfg     Config

	transport   Transport
	persistence PersistenceSink
	journal     Journal
	directoryRp DirectoryReporter
	transfers   TransferIssuer
	hub         *hub.Hub

	inbox chan command

	mu         sync.Mutex
	characters map[int64]*runtimeCharacter

	tickEpoch uint64
}

// New creates an Instance. Run must be started in its own goroutine.
func New(route directory.Route, softCap int32, cfg Config, transport Transport, persistence PersistenceSink, journal Journal, directoryRp DirectoryReporter, transfers TransferIssuer, messageHub *hub.Hub) *Instance {
	return &Instance{
		route:       route,
		softCap:     softCap,
		cfg:         cfg,
		transport:   transport,
		persistence: persistence,
		journal:     journal,
		directoryRp: directoryRp,
		transfers:   transfers,
		hub:         messageHub,
		inbox:       make(chan command, cfg.InputQueueSize),
		characters:  make(map[int64]*runtimeCharacter),
	}
}

// Attach spawns characterID into the instance at (x,y,z). Token validation
// (signature, session/character/target match, expiry, single-use) has
// already happened in WorldDirectory.VerifyAndConsume before this is
// called; Attach only performs the in-instance registration.
func (in *Instance) Attach(ctx context.Context, sessionID wire.SessionID, characterID int64, x, y, z int32) error {
	result := make(chan error, 1)
	select {
	case in.inbox <- cmdAttach{sessionID: sessionID, characterID: characterID, x: x, y: y, z: z, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InitiateTransfer validates the character may leave (not trading, not in
// a combat lock), enqueues a final dirty snapshot, and requests a
// RouteToken from the WorldDirectory for targetRoute.
func (in *Instance) InitiateTransfer(ctx context.Context, characterID int64, target directory.Route) ([]byte, error) {
	result := make(chan transferResult, 1)
	select {
	case in.inbox <- cmdTransferRequest{characterID: characterID, target: target, result: result}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-result:
		return r.token, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Move enqueues an authoritative-validated movement input. Validation of
// the move itself (collision, speed) is out of scope for this package's
// current form; it is invoked from CoreRuntime's dispatcher once the
// ingress packet is decoded.
func (in *Instance) Move(characterID int64, x, y, z int32) {
	in.inbox <- cmdMove{characterID: characterID, x: x, y: y, z: z}
}

// Detach removes characterID (logout, crash, or completed transfer).
func (in *Instance) Detach(characterID int64) {
	in.inbox <- cmdDetach{characterID: characterID}
}

// Chat dispatches a chat message: Local is broadcast within this
// instance's own sessions; anything else is published to the MessageHub
// under dest.Hub.
func (in *Instance) Chat(characterID int64, dest ChatDestination, body []byte) {
	in.inbox <- cmdChat{characterID: characterID, dest: dest, body: body}
}

// ExecuteCritical runs the economy/critical commit protocol (UC-11):
// WAL.begin with a fresh event_id, then dbTx, then WAL.commit on success.
// On failure the WAL record is left uncommitted for replay/reconciliation
// and the in-memory lock is the caller's to release.
func (in *Instance) ExecuteCritical(ctx context.Context, kind wal.Kind, payload []byte, dbTx func(ctx context.Context) error) error {
	eventID := uuid.New()
	handle, err := in.journal.Begin(eventID, kind, uint64(time.Now().UnixMilli()), payload)
	if err != nil {
		return fmt.Errorf("mapserver: wal begin: %w", err)
	}

	if err := dbTx(ctx); err != nil {
		slog.Warn("mapserver: critical tx failed, wal left uncommitted for reconciliation", "event_id", eventID, "error", err)
		return fmt.Errorf("mapserver: critical transaction: %w", err)
	}

	if err := in.journal.Commit(handle); err != nil {
		return fmt.Errorf("mapserver: wal commit: %w", err)
	}
	return nil
}

// Run drives the tick loop until ctx is cancelled.
func (in *Instance) Run(ctx context.Context) {
	ticker := time.NewTicker(in.cfg.PlayerTick)
	defer ticker.Stop()
	lastMonsterTick := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickStart := time.Now()
			in.drainInbox(ctx)
			in.broadcastDeltas()

			runMonsterAI := time.Since(lastMonsterTick) >= in.cfg.MonsterTick
			if runMonsterAI {
				in.runMonsterAI(tickStart)
				lastMonsterTick = time.Now()
			}

			in.markDirtyAndEnqueue()
			in.reportMetrics()
			in.tickEpoch++
		}
	}
}

// drainInbox processes every pending command without blocking past what's
// already queued — step 1 ("drain input packets") and step 2/3
// ("resolve actions, apply critical changes") of the tick state machine.
func (in *Instance) drainInbox(ctx context.Context) {
	for {
		select {
		case cmd := <-in.inbox:
			in.handle(ctx, cmd)
		default:
			return
		}
	}
}

func (in *Instance) handle(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case cmdAttach:
		in.mu.Lock()
		in.characters[c.characterID] = &runtimeCharacter{
			characterID: c.characterID, sessionID: c.sessionID, x: c.x, y: c.y, z: c.z,
		}
		in.mu.Unlock()
		c.result <- nil

	case cmdDetach:
		in.mu.Lock()
		delete(in.characters, c.characterID)
		in.mu.Unlock()

	case cmdMove:
		in.mu.Lock()
		if ch, ok := in.characters[c.characterID]; ok {
			ch.x, ch.y, ch.z = c.x, c.y, c.z
			ch.dirty = true
		}
		in.mu.Unlock()

	case cmdChat:
		in.dispatchChat(c)

	case cmdTransferRequest:
		in.handleTransferRequest(ctx, c)
	}
}

func (in *Instance) dispatchChat(c cmdChat) {
	if c.dest.Local {
		in.broadcastLocal(c.characterID, c.body)
		return
	}
	if err := in.hub.Publish(hub.Message{Topic: c.dest.Hub, Body: c.body}); err != nil {
		slog.Warn("mapserver: chat publish failed", "topic", c.dest.Hub.String(), "error", err)
	}
}

func (in *Instance) broadcastLocal(sourceCharacterID int64, body []byte) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, ch := range in.characters {
		pkt := &wire.Packet{Channel: wire.ChannelChat, SessionID: ch.sessionID, Payload: body}
		if err := in.transport.Send(ch.sessionID, pkt); err != nil {
			slog.Warn("mapserver: local chat delivery failed", "session", ch.sessionID, "error", err)
		}
	}
	_ = sourceCharacterID
}

func (in *Instance) handleTransferRequest(ctx context.Context, c cmdTransferRequest) {
	in.mu.Lock()
	ch, ok := in.characters[c.characterID]
	in.mu.Unlock()
	if !ok {
		c.result <- transferResult{err: fmt.Errorf("mapserver: character %d not in instance", c.characterID)}
		return
	}
	if ch.trading || ch.inCombat {
		c.result <- transferResult{err: fmt.Errorf("mapserver: character %d cannot transfer: trading=%v in_combat=%v", c.characterID, ch.trading, ch.inCombat)}
		return
	}

	token, err := in.transfers.ReserveSlot(c.target, ch.sessionID, c.characterID)
	if err != nil {
		c.result <- transferResult{err: fmt.Errorf("mapserver: reserving transfer slot: %w", err)}
		return
	}
	c.result <- transferResult{token: token}
}

// broadcastDeltas computes and sends state deltas to sessions in the
// instance (step 4). This minimal form re-broadcasts full positions; a
// production area-of-interest filter would subset by visibility.
func (in *Instance) broadcastDeltas() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, ch := range in.characters {
		if !ch.dirty {
			continue
		}
		pkt := &wire.Packet{Channel: wire.ChannelGameplayEvent, SessionID: ch.sessionID}
		if err := in.transport.Send(ch.sessionID, pkt); err != nil {
			slog.Warn("mapserver: delta broadcast failed", "session", ch.sessionID, "error", err)
		}
	}
}

// runMonsterAI runs monster AI within whatever CPU budget remains after
// player work this tick. If the remaining slack before the next tick
// deadline is below cfg.AIBudgetFloor, degrade: this minimal form only
// logs the degradation signal; a full monster-AI subsystem would reduce
// update frequency and pathfinding depth here.
func (in *Instance) runMonsterAI(tickStart time.Time) {
	elapsed := time.Since(tickStart)
	remaining := in.cfg.PlayerTick - elapsed
	if remaining < in.cfg.AIBudgetFloor {
		slog.Debug("mapserver: monster AI degraded this tick", "route", in.route.String(), "elapsed", elapsed)
	}
}

func (in *Instance) markDirtyAndEnqueue() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, ch := range in.characters {
		if !ch.dirty {
			continue
		}
		snapshot := encodeSnapshot(ch)
		in.persistence.Enqueue(ch.characterID, snapshot)
		ch.dirty = false
	}
}

func encodeSnapshot(ch *runtimeCharacter) []byte {
	buf := make([]byte, 16)
	putInt32(buf[0:], ch.x)
	putInt32(buf[4:], ch.y)
	putInt32(buf[8:], ch.z)
	putInt32(buf[12:], ch.hp)
	return buf
}

func putInt32(buf []byte, v int32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func (in *Instance) reportMetrics() {
	in.mu.Lock()
	occupancy := int32(len(in.characters))
	in.mu.Unlock()

	if err := in.directoryRp.InstanceMetricsUpdate(in.route, occupancy, 0, directory.Ready, in.tickEpoch); err != nil {
		slog.Warn("mapserver: metrics update failed", "route", in.route.String(), "error", err)
	}
}

// Occupancy reports the current live character count, for tests and
// diagnostics outside the tick loop.
func (in *Instance) Occupancy() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.characters)
}
