// Package transport maps the MU wire protocol's five logical channels onto
// one WebTransport session per client: GameplayInput rides unreliable
// datagrams (SendDatagram/ReceiveDatagram), the other four are independent
// reliable streams opened over the same session. Grounded on the
// datagram+stream session shape of the rustyguts-bken example's
// webtransport-go usage, generalized from its voice-client session loop to
// the MU protocol's decode/dispatch pipeline.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/quic-go/webtransport-go"

	"github.com/udisondev/la2go/internal/ingress"
	"github.com/udisondev/la2go/internal/wire"
)

// DatagramConn is the subset of webtransport.Session used for the
// unreliable GameplayInput channel.
type DatagramConn interface {
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	SendDatagram([]byte) error
}

// StreamAcceptor is the subset of webtransport.Session used to accept the
// four reliable-stream channels a client opens.
type StreamAcceptor interface {
	AcceptStream(ctx context.Context) (io.ReadWriteCloser, error)
}

// StreamOpener is the subset used to push server-initiated traffic
// (broadcasts, hub relays) onto a reliable channel the client hasn't
// necessarily opened a stream for yet.
type StreamOpener interface {
	OpenStream(ctx context.Context) (io.ReadWriteCloser, error)
}

// SessionConn is everything a per-client session handler needs from the
// underlying WebTransport session.
type SessionConn interface {
	DatagramConn
	StreamAcceptor
	StreamOpener
	CloseWithError(code webtransport.SessionErrorCode, msg string) error
}

// Dispatcher receives every Ingress packet the ProtocolRuntime's baseline
// layer did not answer itself. CoreRuntime implements this.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID wire.SessionID, ing *ingress.Ingress) (*wire.Packet, error)
}

// SessionHandler runs one client's read loops (one per accepted stream,
// plus the datagram loop) until the session closes or ctx is cancelled.
type SessionHandler struct {
	conn       SessionConn
	runtime    *ingress.Runtime
	codec      *wire.Codec
	dispatcher Dispatcher
	sessionID  wire.SessionID

	outMu      sync.Mutex
	outStreams map[wire.Channel]io.ReadWriteCloser
}

// NewSessionHandler wires one accepted WebTransport session into the
// decode -> baseline-reply-or-dispatch -> encode pipeline.
func NewSessionHandler(conn SessionConn, runtime *ingress.Runtime, codec *wire.Codec, dispatcher Dispatcher, sessionID wire.SessionID) *SessionHandler {
	return &SessionHandler{
		conn:       conn,
		runtime:    runtime,
		codec:      codec,
		dispatcher: dispatcher,
		sessionID:  sessionID,
		outStreams: make(map[wire.Channel]io.ReadWriteCloser),
	}
}

// Push sends a server-initiated packet (a broadcast delta, a hub relay)
// that wasn't produced as a reply to an inbound Ingress. Datagram-category
// packets go out as unreliable datagrams; everything else rides a
// lazily-opened, per-channel reliable stream kept open for the life of the
// session.
func (h *SessionHandler) Push(ctx context.Context, pkt *wire.Packet) error {
	if pkt.Channel.IsDatagram() {
		h.sendDatagram(pkt)
		return nil
	}

	stream, err := h.outStreamFor(ctx, pkt.Channel)
	if err != nil {
		return fmt.Errorf("transport: opening push stream: %w", err)
	}
	framed, err := h.codec.EncodeStreamFrame(pkt)
	if err != nil {
		return fmt.Errorf("transport: encoding push frame: %w", err)
	}
	_, err = stream.Write(framed)
	return err
}

func (h *SessionHandler) outStreamFor(ctx context.Context, channel wire.Channel) (io.ReadWriteCloser, error) {
	h.outMu.Lock()
	defer h.outMu.Unlock()

	if s, ok := h.outStreams[channel]; ok {
		return s, nil
	}
	s, err := h.conn.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	h.outStreams[channel] = s
	return s, nil
}

// Run blocks, pumping the datagram loop and accepting streams as the
// client opens them, until ctx is cancelled or the session errors out.
func (h *SessionHandler) Run(ctx context.Context) {
	go h.runDatagramLoop(ctx)

	for {
		stream, err := h.conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Debug("transport: session stream accept ended", "session", h.sessionID, "error", err)
			}
			return
		}
		go h.runStreamLoop(ctx, stream)
	}
}

func (h *SessionHandler) runDatagramLoop(ctx context.Context) {
	for {
		raw, err := h.conn.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Debug("transport: datagram loop ended", "session", h.sessionID, "error", err)
			}
			return
		}

		ing, err := h.runtime.DecodeDatagram(raw)
		if err != nil {
			slog.Debug("transport: dropping malformed datagram", "session", h.sessionID, "error", err)
			continue
		}
		h.respond(ctx, ing, true)
	}
}

func (h *SessionHandler) runStreamLoop(ctx context.Context, stream io.ReadWriteCloser) {
	defer stream.Close()
	buf := make([]byte, 4096)

	for {
		n, err := stream.Read(buf)
		if n > 0 {
			ings, decodeErr := h.runtime.DecodeStreamChunk(h.sessionID, buf[:n])
			for _, ing := range ings {
				h.respondOnStream(ctx, ing, stream)
			}
			if decodeErr != nil {
				slog.Warn("transport: stream decode error", "session", h.sessionID, "error", decodeErr)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Debug("transport: stream read ended", "session", h.sessionID, "error", err)
			}
			h.runtime.ResetStream(h.sessionID)
			return
		}
	}
}

func (h *SessionHandler) respond(ctx context.Context, ing *ingress.Ingress, datagram bool) {
	reply, handled, err := h.runtime.Baseline(ing)
	if err != nil {
		slog.Debug("transport: baseline reply error", "session", h.sessionID, "error", err)
		return
	}
	if !handled {
		reply, err = h.dispatcher.Dispatch(ctx, h.sessionID, ing)
		if err != nil {
			slog.Debug("transport: dispatch error", "session", h.sessionID, "error", err)
			return
		}
	}
	if reply == nil {
		return
	}
	if datagram {
		h.sendDatagram(reply)
	}
}

func (h *SessionHandler) respondOnStream(ctx context.Context, ing *ingress.Ingress, stream io.Writer) {
	reply, handled, err := h.runtime.Baseline(ing)
	if err != nil {
		slog.Debug("transport: baseline reply error", "session", h.sessionID, "error", err)
		return
	}
	if !handled {
		reply, err = h.dispatcher.Dispatch(ctx, h.sessionID, ing)
		if err != nil {
			slog.Debug("transport: dispatch error", "session", h.sessionID, "error", err)
			return
		}
	}
	if reply == nil {
		return
	}
	framed, err := h.codec.EncodeStreamFrame(reply)
	if err != nil {
		slog.Warn("transport: encoding stream reply", "session", h.sessionID, "error", err)
		return
	}
	if _, err := stream.Write(framed); err != nil {
		slog.Debug("transport: writing stream reply", "session", h.sessionID, "error", err)
	}
}

func (h *SessionHandler) sendDatagram(pkt *wire.Packet) {
	encoded, err := h.codec.EncodeDatagram(pkt)
	if err != nil {
		slog.Warn("transport: encoding datagram reply", "session", h.sessionID, "error", err)
		return
	}
	if err := h.conn.SendDatagram(encoded); err != nil {
		slog.Debug("transport: sending datagram reply", "session", h.sessionID, "error", err)
	}
}

// ErrSessionNotConnected is returned by Registry.Send when no SessionHandler
// is registered for the target session (already disconnected, or never
// connected on this node).
var ErrSessionNotConnected = errors.New("transport: session not connected")

// pusher is the subset of *SessionHandler the Registry needs, kept narrow so
// tests can register fakes without a real WebTransport session underneath.
type pusher interface {
	Push(ctx context.Context, pkt *wire.Packet) error
}

// Registry tracks every live SessionHandler by SessionID so CoreRuntime's
// components (MapServer broadcasts, MessageHub relays) can push a packet to
// a specific client without knowing about WebTransport. It implements
// mapserver.Transport directly.
type Registry struct {
	mu       sync.RWMutex
	handlers map[wire.SessionID]pusher
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[wire.SessionID]pusher)}
}

// Register associates sessionID with handler, replacing the Send target.
func (r *Registry) Register(sessionID wire.SessionID, handler *SessionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[sessionID] = handler
}

// Unregister removes sessionID, typically called when its session closes.
func (r *Registry) Unregister(sessionID wire.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, sessionID)
}

// Send implements the Transport interface MapServer instances use to
// deliver outbound packets to a specific session.
func (r *Registry) Send(sessionID wire.SessionID, pkt *wire.Packet) error {
	r.mu.RLock()
	h, ok := r.handlers[sessionID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %v", ErrSessionNotConnected, sessionID)
	}
	return h.Push(context.Background(), pkt)
}

// Acceptor is satisfied by *webtransport.Server; it exists so CoreRuntime
// can depend on an interface rather than the concrete type.
type Acceptor interface {
	Upgrade(w http.ResponseWriter, r *http.Request) (*webtransport.Session, error)
}

// Server owns the HTTP/3 listener that upgrades incoming connections to
// WebTransport sessions, handing each one to a fresh SessionHandler.
type Server struct {
	addr      string
	tlsConfig *tls.Config
	wt        *webtransport.Server
	onSession func(ctx context.Context, sess *webtransport.Session)
}

// NewServer builds a Server listening on addr with the given TLS config.
// onSession is invoked once per accepted session (after HTTP upgrade) and
// should construct a wire.SessionID, a SessionHandler, and run it.
func NewServer(addr string, tlsConfig *tls.Config, onSession func(ctx context.Context, sess *webtransport.Session)) *Server {
	wt := &webtransport.Server{
		H3: http.Server{Addr: addr, TLSConfig: tlsConfig},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/mu", func(w http.ResponseWriter, r *http.Request) {
		sess, err := wt.Upgrade(w, r)
		if err != nil {
			slog.Warn("transport: webtransport upgrade failed", "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		onSession(r.Context(), sess)
	})
	wt.H3.Handler = mux

	return &Server{addr: addr, tlsConfig: tlsConfig, wt: wt, onSession: onSession}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.wt.Close()
	}()

	if err := s.wt.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("transport: serve: %w", err)
	}
	return nil
}
