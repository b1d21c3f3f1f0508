package core

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/udisondev/la2go/internal/hub"
	"github.com/udisondev/la2go/internal/ingress"
	"github.com/udisondev/la2go/internal/mapserver"
	"github.com/udisondev/la2go/internal/model"
	"github.com/udisondev/la2go/internal/session"
	"github.com/udisondev/la2go/internal/wal"
	"github.com/udisondev/la2go/internal/wire"
)

// Dispatch implements transport.Dispatcher: every Ingress the
// ProtocolRuntime's Baseline layer didn't answer itself lands here,
// routed by payload kind to SessionManager, WorldDirectory, or the owning
// MapServer's mailbox, per spec §4.I's dispatch table.
func (cr *CoreRuntime) Dispatch(ctx context.Context, sessionID wire.SessionID, ing *ingress.Ingress) (*wire.Packet, error) {
	switch ing.Kind {
	case ingress.KindSelectCharacter:
		return cr.dispatchSelectCharacter(ctx, sessionID, ing)
	case ingress.KindEnterMap:
		return cr.dispatchEnterMap(ctx, sessionID, ing)
	case ingress.KindMove:
		return cr.dispatchMove(sessionID, ing)
	case ingress.KindChat:
		return cr.dispatchChat(sessionID, ing)
	case ingress.KindLogout:
		return cr.dispatchLogout(sessionID, ing)
	case ingress.KindTradeConfirm:
		return cr.dispatchTradeConfirm(ctx, sessionID, ing)
	default:
		return cr.errorPacket(ing, InvalidAction, fmt.Sprintf("unhandled kind %s", ing.Kind)), nil
	}
}

// dispatchSelectCharacter binds the chosen character to the session, then
// resolves (or scales) a MapInstance for it and issues a single-use
// RouteToken. The client presents that token back as KindEnterMap.
func (cr *CoreRuntime) dispatchSelectCharacter(ctx context.Context, sessionID wire.SessionID, ing *ingress.Ingress) (*wire.Packet, error) {
	characterID, ok := decodeInt64(ing.Body)
	if !ok {
		return cr.errorPacket(ing, InvalidAction, "malformed select_character body"), nil
	}

	if err := cr.sessions.BindCharacter(sessionID, characterID); err != nil {
		return cr.errorPacket(ing, bindCharacterErrorKind(err), err.Error()), nil
	}

	route, err := cr.dir.ResolveOrScale(ctx, cr.startWorld, cr.startEntry, cr.startMapKind, cr.startSoftCap)
	if err != nil {
		return cr.errorPacket(ing, TransientFailure, err.Error()), nil
	}

	token, err := cr.dir.ReserveSlot(route, sessionID, characterID)
	if err != nil {
		return cr.errorPacket(ing, TransientFailure, err.Error()), nil
	}

	return cr.reply(ing, ingress.KindMapTransfer, token), nil
}

// dispatchEnterMap consumes the RouteToken the client received from
// SelectCharacter and attaches the character to the target MapServer.
func (cr *CoreRuntime) dispatchEnterMap(ctx context.Context, sessionID wire.SessionID, ing *ingress.Ingress) (*wire.Packet, error) {
	sess, ok := cr.sessions.Get(sessionID)
	if !ok {
		return cr.errorPacket(ing, InvalidSession, "unknown session"), nil
	}
	characterID := sess.BoundCharacterID()
	if characterID == 0 {
		return cr.errorPacket(ing, InvalidAction, "no character bound to session"), nil
	}

	route, err := cr.dir.VerifyAndConsume(ing.Body, sessionID, characterID)
	if err != nil {
		return cr.errorPacket(ing, InvalidToken, err.Error()), nil
	}

	inst, ok := cr.instanceFor(route)
	if !ok {
		return cr.errorPacket(ing, FatalFailure, "resolved route has no running instance"), nil
	}

	if err := inst.Attach(ctx, sessionID, characterID, 0, 0, 0); err != nil {
		return cr.errorPacket(ing, InvalidAction, err.Error()), nil
	}
	cr.setCharacterRoute(characterID, route)

	return cr.reply(ing, ingress.KindMapTransferAck, nil), nil
}

// dispatchMove forwards a movement packet to the owning MapServer's
// mailbox. Movement is fire-and-forget: authoritative resolution happens
// on the instance's own tick, not here.
func (cr *CoreRuntime) dispatchMove(sessionID wire.SessionID, ing *ingress.Ingress) (*wire.Packet, error) {
	characterID, inst, errPkt := cr.resolveCharacterInstance(sessionID, ing)
	if errPkt != nil {
		return errPkt, nil
	}

	x, y, z, ok := decodeXYZ(ing.Body)
	if !ok {
		return cr.errorPacket(ing, InvalidAction, "malformed move body"), nil
	}
	inst.Move(characterID, x, y, z)
	return nil, nil
}

// dispatchChat handles only non-local chat — local chat is answered at the
// ProtocolRuntime's Baseline layer and never reaches here.
func (cr *CoreRuntime) dispatchChat(sessionID wire.SessionID, ing *ingress.Ingress) (*wire.Packet, error) {
	characterID, inst, errPkt := cr.resolveCharacterInstance(sessionID, ing)
	if errPkt != nil {
		return errPkt, nil
	}

	body, ok := ingress.DecodeChatBody(ing.Body)
	if !ok {
		return cr.errorPacket(ing, InvalidAction, "malformed chat body"), nil
	}

	topic := hub.Topic{Kind: hubKindFor(body.Scope), ScopeKey: fmt.Sprintf("%d", body.Target)}
	inst.Chat(characterID, mapserver.ChatDestination{Hub: topic}, []byte(body.Message))
	return nil, nil
}

func hubKindFor(scope ingress.ChatScope) hub.Kind {
	switch scope {
	case ingress.ChatParty:
		return hub.KindParty
	case ingress.ChatGuild:
		return hub.KindGuild
	case ingress.ChatWhisper:
		return hub.KindWhisper
	default:
		return hub.KindGlobal
	}
}

// dispatchLogout detaches the character from its MapServer and closes the
// session; the transport layer tears down the underlying connection
// separately once this returns.
func (cr *CoreRuntime) dispatchLogout(sessionID wire.SessionID, ing *ingress.Ingress) (*wire.Packet, error) {
	sess, ok := cr.sessions.Get(sessionID)
	if !ok {
		return nil, nil
	}
	characterID := sess.BoundCharacterID()
	if route, ok := cr.routeForCharacter(characterID); ok {
		if inst, ok := cr.instanceFor(route); ok {
			inst.Detach(characterID)
		}
		cr.clearCharacterRoute(characterID)
	}
	cr.sessions.Close(sessionID, "logout")
	return nil, nil
}

// dispatchTradeConfirm drives the economy/critical commit protocol
// (UC-11): the WAL record is begun before the item ledger is touched and
// committed only once the trade is durably applied. itemID 0 means "mint a
// new item for ownerID"; a nonzero itemID adjusts an existing stack by
// delta, deleting it once depleted to zero.
func (cr *CoreRuntime) dispatchTradeConfirm(ctx context.Context, sessionID wire.SessionID, ing *ingress.Ingress) (*wire.Packet, error) {
	characterID, inst, errPkt := cr.resolveCharacterInstance(sessionID, ing)
	if errPkt != nil {
		return errPkt, nil
	}

	itemID, ownerID, itemType, delta, ok := decodeTradeConfirm(ing.Body)
	if !ok {
		return cr.errorPacket(ing, InvalidAction, "malformed trade_confirm body"), nil
	}

	err := inst.ExecuteCritical(ctx, wal.KindEconomyTx, ing.Body, func(ctx context.Context) error {
		if itemID == 0 {
			item, err := model.NewItem(ownerID, itemType, delta)
			if err != nil {
				return fmt.Errorf("building traded item: %w", err)
			}
			return cr.items.Create(ctx, item)
		}
		_, err := cr.items.AdjustCount(ctx, itemID, delta)
		return err
	})
	if err != nil {
		slog.Warn("core: trade confirm failed", "character", characterID, "error", err)
		return cr.errorPacket(ing, TransientFailure, err.Error()), nil
	}
	return cr.reply(ing, ingress.KindTradeConfirm, nil), nil
}

// decodeTradeConfirm parses itemID(8) | ownerID(8) | itemType(4) | delta(4).
func decodeTradeConfirm(b []byte) (itemID, ownerID int64, itemType, delta int32, ok bool) {
	if len(b) != 24 {
		return 0, 0, 0, 0, false
	}
	itemID = int64(binary.LittleEndian.Uint64(b[0:8]))
	ownerID = int64(binary.LittleEndian.Uint64(b[8:16]))
	itemType = int32(binary.LittleEndian.Uint32(b[16:20]))
	delta = int32(binary.LittleEndian.Uint32(b[20:24]))
	return itemID, ownerID, itemType, delta, true
}

// bindCharacterErrorKind maps session.Manager.BindCharacter's error
// taxonomy onto the wire's closed ServerErrorKind set: an unknown session
// is InvalidSession, but a character already bound elsewhere or not in the
// account's authorized list is a client-side InvalidAction, not a session
// problem.
func bindCharacterErrorKind(err error) ServerErrorKind {
	switch {
	case errors.Is(err, session.ErrDuplicateCharacter), errors.Is(err, session.ErrCharacterNotAuthorized):
		return InvalidAction
	default:
		return InvalidSession
	}
}

// resolveCharacterInstance is the common "which session, which character,
// which MapServer" lookup shared by the map-bound dispatch paths.
func (cr *CoreRuntime) resolveCharacterInstance(sessionID wire.SessionID, ing *ingress.Ingress) (int64, *mapserver.Instance, *wire.Packet) {
	sess, ok := cr.sessions.Get(sessionID)
	if !ok {
		return 0, nil, cr.errorPacket(ing, InvalidSession, "unknown session")
	}
	characterID := sess.BoundCharacterID()
	if characterID == 0 {
		return 0, nil, cr.errorPacket(ing, InvalidAction, "no character bound to session")
	}
	route, ok := cr.routeForCharacter(characterID)
	if !ok {
		return 0, nil, cr.errorPacket(ing, InvalidAction, "character not attached to any map")
	}
	inst, ok := cr.instanceFor(route)
	if !ok {
		return 0, nil, cr.errorPacket(ing, FatalFailure, "attached route has no running instance")
	}
	return characterID, inst, nil
}

func (cr *CoreRuntime) reply(ing *ingress.Ingress, kind ingress.Kind, payload []byte) *wire.Packet {
	full := make([]byte, 1+len(payload))
	full[0] = byte(kind)
	copy(full[1:], payload)
	return &wire.Packet{
		Channel:   ing.Channel,
		SessionID: ing.SessionID,
		Ack:       ing.Sequence,
		Payload:   full,
	}
}

func (cr *CoreRuntime) errorPacket(ing *ingress.Ingress, kind ServerErrorKind, detail string) *wire.Packet {
	payload := make([]byte, 2+len(detail))
	payload[0] = byte(ingress.KindServerError)
	payload[1] = byte(kind)
	copy(payload[2:], detail)
	return &wire.Packet{
		Channel:   wire.ChannelControl,
		SessionID: ing.SessionID,
		Ack:       ing.Sequence,
		Payload:   payload,
	}
}

func decodeInt64(b []byte) (int64, bool) {
	if len(b) < 8 {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(b)), true
}

func decodeXYZ(b []byte) (x, y, z int32, ok bool) {
	if len(b) < 12 {
		return 0, 0, 0, false
	}
	x = int32(binary.LittleEndian.Uint32(b[0:4]))
	y = int32(binary.LittleEndian.Uint32(b[4:8]))
	z = int32(binary.LittleEndian.Uint32(b[8:12]))
	return x, y, z, true
}
