package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/udisondev/la2go/internal/wire"
)

// State is a Session's position in its lifecycle, per spec §3.
type State int32

const (
	AwaitingHello State = iota
	Authenticated
	InMap
	Closing
)

func (s State) String() string {
	switch s {
	case AwaitingHello:
		return "AwaitingHello"
	case Authenticated:
		return "Authenticated"
	case InMap:
		return "InMap"
	case Closing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// Session is a live transport binding. Mutable fields are guarded the same
// way internal/model.Item guards its fields: an embedded RWMutex for
// multi-field updates, atomics for single hot-path fields.
type Session struct {
	id                wire.SessionID
	accountID         int64
	transportEndpoint string
	token             AuthToken

	mu               sync.RWMutex
	boundCharacterID int64 // 0 = unbound

	state        atomic.Int32
	lastActivity atomic.Int64 // unix ms
}

func newSession(id wire.SessionID, accountID int64, endpoint string, token AuthToken, nowMs int64) *Session {
	s := &Session{
		id:                id,
		accountID:         accountID,
		transportEndpoint: endpoint,
		token:             token,
	}
	s.state.Store(int32(Authenticated))
	s.lastActivity.Store(nowMs)
	return s
}

func (s *Session) ID() wire.SessionID          { return s.id }
func (s *Session) AccountID() int64            { return s.accountID }
func (s *Session) TransportEndpoint() string   { return s.transportEndpoint }
func (s *Session) Token() AuthToken            { return s.token }
func (s *Session) State() State                { return State(s.state.Load()) }
func (s *Session) LastActivityMs() int64       { return s.lastActivity.Load() }
func (s *Session) touch(nowMs int64)           { s.lastActivity.Store(nowMs) }
func (s *Session) setState(st State)           { s.state.Store(int32(st)) }

// BoundCharacterID returns the currently bound character, or 0 if none.
func (s *Session) BoundCharacterID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boundCharacterID
}

func (s *Session) setBoundCharacter(characterID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boundCharacterID = characterID
}

// IdleFor reports how long the session has been inactive as of nowMs.
func (s *Session) IdleFor(nowMs int64) time.Duration {
	return time.Duration(nowMs-s.lastActivity.Load()) * time.Millisecond
}
