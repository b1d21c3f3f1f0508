package core

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/udisondev/la2go/internal/config"
	"github.com/udisondev/la2go/internal/directory"
	"github.com/udisondev/la2go/internal/ingress"
	"github.com/udisondev/la2go/internal/model"
	"github.com/udisondev/la2go/internal/session"
	"github.com/udisondev/la2go/internal/transport"
	"github.com/udisondev/la2go/internal/wire"
)

type fakeCharacterRepo struct {
	locations map[int64]model.Location
	hp        map[int64]int32
}

func newFakeCharacterRepo() *fakeCharacterRepo {
	return &fakeCharacterRepo{locations: make(map[int64]model.Location), hp: make(map[int64]int32)}
}

func (r *fakeCharacterRepo) UpdateLocation(ctx context.Context, characterID int64, loc model.Location) error {
	r.locations[characterID] = loc
	return nil
}

func (r *fakeCharacterRepo) UpdateStats(ctx context.Context, characterID int64, hp, mp, cp int32) error {
	r.hp[characterID] = hp
	return nil
}

type fakeItemRepo struct {
	nextID  int64
	items   map[int64]*model.Item
	counts  map[int64]int32
	deleted map[int64]bool
}

func newFakeItemRepo() *fakeItemRepo {
	return &fakeItemRepo{items: make(map[int64]*model.Item), counts: make(map[int64]int32), deleted: make(map[int64]bool)}
}

func (r *fakeItemRepo) Create(ctx context.Context, item *model.Item) error {
	r.nextID++
	item.SetItemID(r.nextID)
	r.items[r.nextID] = item
	r.counts[r.nextID] = item.Count()
	return nil
}

func (r *fakeItemRepo) AdjustCount(ctx context.Context, itemID int64, delta int32) (int32, error) {
	newCount := r.counts[itemID] + delta
	if newCount < 0 {
		return 0, assert.AnError
	}
	r.counts[itemID] = newCount
	if newCount == 0 {
		r.deleted[itemID] = true
	}
	return newCount, nil
}

func newTestRuntime(t *testing.T) (*CoreRuntime, *fakeCharacterRepo) {
	t.Helper()

	cfg := config.DefaultCoreRuntime()
	cfg.HMACSecret = "test-secret"
	cfg.WALDir = t.TempDir()
	cfg.IdleSessionTimeoutMs = 60000
	cfg.RouteTokenTTLMs = 15000
	cfg.PlayerTickMs = 50
	cfg.MonsterTickMs = 150

	repo := newFakeCharacterRepo()
	world := directory.NewWorld("aelion", "main")

	cr, err := New(cfg, Deps{
		CharacterRepo: repo,
		ItemRepo:      newFakeItemRepo(),
		Transport:     transport.NewRegistry(),
		Worlds:        []*directory.World{world},
		StartWorld:    "aelion",
		StartEntry:    "main",
		StartMapKind:  "giran",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	g, gctx := errgroup.WithContext(ctx)
	cr.group = g
	cr.groupCtx = gctx

	return cr, repo
}

func beginSession(t *testing.T, cr *CoreRuntime, sessionID wire.SessionID, accountID, characterID int64) {
	t.Helper()
	token := session.SignToken([]byte(cr.cfg.HMACSecret), session.AuthToken{
		AccountID:              accountID,
		HTTPSessionID:          "http-1",
		ExpiresAtMs:            time.Now().Add(time.Hour).UnixMilli(),
		AuthorizedCharacterIDs: []int64{characterID},
	})
	_, err := cr.sessions.Begin(sessionID, token, "")
	require.NoError(t, err)
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func TestCoreRuntime_SelectCharacter_IssuesMapTransferToken(t *testing.T) {
	cr, _ := newTestRuntime(t)
	sessionID := wire.SessionID{1}
	beginSession(t, cr, sessionID, 100, 7)

	ing := &ingress.Ingress{SessionID: sessionID, Channel: wire.ChannelControl, Kind: ingress.KindSelectCharacter, Body: encodeInt64(7)}
	reply, err := cr.Dispatch(context.Background(), sessionID, ing)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, byte(ingress.KindMapTransfer), reply.Payload[0])
}

func TestCoreRuntime_SelectCharacter_UnauthorizedCharacterErrors(t *testing.T) {
	cr, _ := newTestRuntime(t)
	sessionID := wire.SessionID{2}
	beginSession(t, cr, sessionID, 101, 7)

	ing := &ingress.Ingress{SessionID: sessionID, Channel: wire.ChannelControl, Kind: ingress.KindSelectCharacter, Body: encodeInt64(999)}
	reply, err := cr.Dispatch(context.Background(), sessionID, ing)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, byte(ingress.KindServerError), reply.Payload[0])
	assert.Equal(t, byte(InvalidAction), reply.Payload[1])
}

func TestCoreRuntime_SelectCharacter_DuplicateBindReturnsInvalidAction(t *testing.T) {
	cr, _ := newTestRuntime(t)
	first := wire.SessionID{10}
	second := wire.SessionID{11}
	beginSession(t, cr, first, 110, 7)
	beginSession(t, cr, second, 110, 7)
	require.NoError(t, cr.sessions.BindCharacter(first, 7))

	ing := &ingress.Ingress{SessionID: second, Channel: wire.ChannelControl, Kind: ingress.KindSelectCharacter, Body: encodeInt64(7)}
	reply, err := cr.Dispatch(context.Background(), second, ing)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, byte(ingress.KindServerError), reply.Payload[0])
	assert.Equal(t, byte(InvalidAction), reply.Payload[1])
}

func TestCoreRuntime_EnterMap_AttachesCharacterAndTracksRoute(t *testing.T) {
	cr, _ := newTestRuntime(t)
	sessionID := wire.SessionID{3}
	beginSession(t, cr, sessionID, 102, 7)

	selectIng := &ingress.Ingress{SessionID: sessionID, Channel: wire.ChannelControl, Kind: ingress.KindSelectCharacter, Body: encodeInt64(7)}
	selectReply, err := cr.Dispatch(context.Background(), sessionID, selectIng)
	require.NoError(t, err)
	token := selectReply.Payload[1:]

	enterIng := &ingress.Ingress{SessionID: sessionID, Channel: wire.ChannelControl, Kind: ingress.KindEnterMap, Body: token}
	enterReply, err := cr.Dispatch(context.Background(), sessionID, enterIng)
	require.NoError(t, err)
	require.NotNil(t, enterReply)
	assert.Equal(t, byte(ingress.KindMapTransferAck), enterReply.Payload[0])

	_, ok := cr.routeForCharacter(7)
	assert.True(t, ok)
}

func TestCoreRuntime_Move_WithoutAttachedMapReturnsError(t *testing.T) {
	cr, _ := newTestRuntime(t)
	sessionID := wire.SessionID{4}
	beginSession(t, cr, sessionID, 103, 7)
	require.NoError(t, cr.sessions.BindCharacter(sessionID, 7))

	moveIng := &ingress.Ingress{SessionID: sessionID, Channel: wire.ChannelGameplayInput, Kind: ingress.KindMove, Body: make([]byte, 12)}
	reply, err := cr.Dispatch(context.Background(), sessionID, moveIng)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, byte(ingress.KindServerError), reply.Payload[0])
}

func TestCoreRuntime_TradeConfirm_MintsItemThroughItemRepo(t *testing.T) {
	cr, _ := newTestRuntime(t)
	sessionID := wire.SessionID{6}
	beginSession(t, cr, sessionID, 105, 7)

	selectIng := &ingress.Ingress{SessionID: sessionID, Channel: wire.ChannelControl, Kind: ingress.KindSelectCharacter, Body: encodeInt64(7)}
	selectReply, err := cr.Dispatch(context.Background(), sessionID, selectIng)
	require.NoError(t, err)
	token := selectReply.Payload[1:]

	enterIng := &ingress.Ingress{SessionID: sessionID, Channel: wire.ChannelControl, Kind: ingress.KindEnterMap, Body: token}
	_, err = cr.Dispatch(context.Background(), sessionID, enterIng)
	require.NoError(t, err)

	body := make([]byte, 24)
	binary.LittleEndian.PutUint64(body[8:16], uint64(7))
	binary.LittleEndian.PutUint32(body[16:20], uint32(1000))
	binary.LittleEndian.PutUint32(body[20:24], uint32(5))

	tradeIng := &ingress.Ingress{SessionID: sessionID, Channel: wire.ChannelControl, Kind: ingress.KindTradeConfirm, Body: body}
	reply, err := cr.Dispatch(context.Background(), sessionID, tradeIng)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, byte(ingress.KindTradeConfirm), reply.Payload[0])

	items := cr.items.(*fakeItemRepo)
	require.Len(t, items.items, 1)
	for _, item := range items.items {
		assert.Equal(t, int64(7), item.OwnerID())
		assert.Equal(t, int32(1000), item.ItemType())
		assert.Equal(t, int32(5), item.Count())
	}
}

func TestCoreRuntime_Dispatch_UnknownSessionReturnsInvalidSession(t *testing.T) {
	cr, _ := newTestRuntime(t)
	ing := &ingress.Ingress{SessionID: wire.SessionID{99}, Channel: wire.ChannelControl, Kind: ingress.KindEnterMap, Body: []byte{}}
	reply, err := cr.Dispatch(context.Background(), wire.SessionID{99}, ing)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, byte(InvalidSession), reply.Payload[1])
}

func TestCoreRuntime_Logout_ClearsSessionAndRoute(t *testing.T) {
	cr, _ := newTestRuntime(t)
	sessionID := wire.SessionID{5}
	beginSession(t, cr, sessionID, 104, 7)
	require.NoError(t, cr.sessions.BindCharacter(sessionID, 7))
	cr.setCharacterRoute(7, directory.Route{World: "aelion", Entry: "main", MapKind: "giran", InstanceID: 1})

	logoutIng := &ingress.Ingress{SessionID: sessionID, Channel: wire.ChannelControl, Kind: ingress.KindLogout}
	_, err := cr.Dispatch(context.Background(), sessionID, logoutIng)
	require.NoError(t, err)

	_, ok := cr.sessions.Get(sessionID)
	assert.False(t, ok)
	_, ok = cr.routeForCharacter(7)
	assert.False(t, ok)
}
