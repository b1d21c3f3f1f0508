package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/udisondev/la2go/internal/ingress"
	"github.com/udisondev/la2go/internal/wire"
)

// DuplicatePolicy governs what happens when a second Session attempts to
// bind an account or character already held by a non-Closing Session. The
// spec's Open Question retains "new rejected" as the default but asks for
// this to be a configurable policy (see DESIGN.md).
type DuplicatePolicy int

const (
	// RejectNewcomer keeps the existing Session and rejects the new one.
	// This is the default and the only policy currently implemented; the
	// type exists so a future "old wins"/"new wins" policy can be added
	// without changing the Manager API.
	RejectNewcomer DuplicatePolicy = iota
)

// HTTPSessionChecker is the narrow collaborator interface SessionManager
// uses to confirm the HTTP-issued session backing a token is still alive,
// without calling back into the issuer to re-verify the token itself.
type HTTPSessionChecker interface {
	IsAlive(httpSessionID string) bool
}

// Manager is the SessionManager of spec §4.C: a single authoritative table
// of live Sessions with per-account uniqueness and idle eviction. Safe for
// concurrent use; uniqueness checks hold a per-account mutex only for their
// critical section.
type Manager struct {
	secret      []byte
	idleTimeout time.Duration
	policy      DuplicatePolicy
	httpChecker HTTPSessionChecker

	mu          sync.RWMutex
	sessions    map[wire.SessionID]*Session
	byAccount   map[int64]wire.SessionID
	byCharacter map[int64]wire.SessionID

	accountLocks lockTable
}

// NewManager creates a Manager. secret is the HMAC key shared with the HTTP
// token issuer; idleTimeout is the sweep eviction threshold
// (idle_session_timeout_ms).
func NewManager(secret []byte, idleTimeout time.Duration, checker HTTPSessionChecker) *Manager {
	return &Manager{
		secret:      secret,
		idleTimeout: idleTimeout,
		policy:      RejectNewcomer,
		httpChecker: checker,
		sessions:    make(map[wire.SessionID]*Session),
		byAccount:   make(map[int64]wire.SessionID),
		byCharacter: make(map[int64]wire.SessionID),
	}
}

// VerifyHello implements ingress.HelloVerifier: it verifies the token,
// installs a Session, and shapes the reply the ProtocolRuntime sends back.
// The sessionID is chosen by the transport layer (random 128-bit) and
// passed in, since it identifies the transport binding, not the token.
func (m *Manager) VerifyHello(sessionID wire.SessionID, tokenBytes []byte) (ingress.HelloInfo, error) {
	s, err := m.Begin(sessionID, tokenBytes, "")
	if err != nil {
		return ingress.HelloInfo{}, err
	}
	return ingress.HelloInfo{
		MOTD:                   "Welcome",
		HeartbeatIntervalMs:    15000,
		AuthorizedCharacterIDs: s.Token().AuthorizedCharacterIDs,
	}, nil
}

// Begin verifies token_bytes, checks the backing HTTP session is alive, and
// installs a new Session for sessionID bound to the token's account.
// Rejects if another Session for the same account_id exists in a
// non-Closing state (RejectNewcomer policy).
func (m *Manager) Begin(sessionID wire.SessionID, tokenBytes []byte, transportEndpoint string) (*Session, error) {
	nowMs := time.Now().UnixMilli()

	token, err := VerifyToken(m.secret, tokenBytes, nowMs)
	if err != nil {
		return nil, err
	}

	if m.httpChecker != nil && !m.httpChecker.IsAlive(token.HTTPSessionID) {
		return nil, fmt.Errorf("session: %w: http session %s", ErrHTTPSessionDead, token.HTTPSessionID)
	}

	unlock := m.accountLocks.lock(token.AccountID)
	defer unlock()

	m.mu.RLock()
	existingID, hasExisting := m.byAccount[token.AccountID]
	var existing *Session
	if hasExisting {
		existing = m.sessions[existingID]
	}
	m.mu.RUnlock()

	if existing != nil && existing.State() != Closing {
		return nil, fmt.Errorf("session: %w: account %d", ErrDuplicateAccount, token.AccountID)
	}

	s := newSession(sessionID, token.AccountID, transportEndpoint, token, nowMs)

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.byAccount[token.AccountID] = sessionID
	m.mu.Unlock()

	return s, nil
}

// BindCharacter rejects if character_id is not in the session's authorized
// list, or if another Session already binds it.
func (m *Manager) BindCharacter(sessionID wire.SessionID, characterID int64) error {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session: %w: %v", ErrUnknownSession, sessionID)
	}

	if !s.Token().IsAuthorizedFor(characterID) {
		return fmt.Errorf("session: %w: character %d", ErrCharacterNotAuthorized, characterID)
	}

	unlock := m.accountLocks.lock(s.AccountID())
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if holderID, bound := m.byCharacter[characterID]; bound && holderID != sessionID {
		if holder, ok := m.sessions[holderID]; ok && holder.State() != Closing {
			return fmt.Errorf("session: %w: character %d", ErrDuplicateCharacter, characterID)
		}
	}

	s.setBoundCharacter(characterID)
	s.setState(InMap)
	m.byCharacter[characterID] = sessionID
	return nil
}

// Touch updates a session's last-activity timestamp. Non-blocking, no
// locking beyond the map read needed to find the Session.
func (m *Manager) Touch(sessionID wire.SessionID) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		s.touch(time.Now().UnixMilli())
	}
}

// Close releases the character binding (if any), transitions the session to
// Closing, and removes it from the table.
func (m *Manager) Close(sessionID wire.SessionID, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.setState(Closing)
	delete(m.sessions, sessionID)
	if m.byAccount[s.AccountID()] == sessionID {
		delete(m.byAccount, s.AccountID())
	}
	if charID := s.BoundCharacterID(); charID != 0 && m.byCharacter[charID] == sessionID {
		delete(m.byCharacter, charID)
	}
	m.mu.Unlock()
}

// Get returns the Session for sessionID, if any.
func (m *Manager) Get(sessionID wire.SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SweepIdle removes every Session whose idle duration exceeds the
// configured idleTimeout as of nowMs, returning their ids. Intended to be
// called periodically by CoreRuntime.
func (m *Manager) SweepIdle(nowMs int64) []wire.SessionID {
	m.mu.RLock()
	var expired []wire.SessionID
	for id, s := range m.sessions {
		if s.IdleFor(nowMs) > m.idleTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.Close(id, "idle timeout")
	}
	return expired
}

// lockTable hands out one *sync.Mutex per key, created lazily. Used for the
// per-account critical sections Begin/BindCharacter need, without holding a
// single global lock across all accounts.
type lockTable struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func (t *lockTable) lock(key int64) (unlock func()) {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[int64]*sync.Mutex)
	}
	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}
