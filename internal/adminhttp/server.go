// Package adminhttp exposes CoreRuntime's operational state as a
// read-only JSON HTTP surface: GET /runtime/worlds, /runtime/maps,
// /runtime/persistence, /runtime/stats. Grounded on the teacher's plain
// net/http usage in its own debug/analyze tooling — no router framework,
// just a ServeMux.
package adminhttp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/udisondev/la2go/internal/directory"
	"github.com/udisondev/la2go/internal/persistworker"
	"github.com/udisondev/la2go/internal/session"
	"github.com/udisondev/la2go/internal/wal"
)

// Runtime is the narrow slice of CoreRuntime this surface reads from.
// *core.CoreRuntime satisfies it directly.
type Runtime interface {
	Directory() *directory.Directory
	Sessions() *session.Manager
	Persistence() *persistworker.Worker
	Journal() *wal.WAL
}

// Server serves the admin HTTP surface on its own listener, separate from
// the WebTransport port.
type Server struct {
	addr string
	http *http.Server
}

// NewServer builds a Server backed by rt. Call Run to start serving.
func NewServer(addr string, rt Runtime) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/runtime/worlds", handleWorlds(rt))
	mux.HandleFunc("/runtime/maps", handleMaps(rt))
	mux.HandleFunc("/runtime/persistence", handlePersistence(rt))
	mux.HandleFunc("/runtime/stats", handleStats(rt))

	return &Server{addr: addr, http: &http.Server{Addr: addr, Handler: mux}}
}

// Run serves until ctx is cancelled by the caller closing the server, or
// it errors out.
func (s *Server) Run() error {
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("adminhttp: serve: %w", err)
	}
	return nil
}

// Close shuts down the listener immediately; callers that want a graceful
// drain should wrap this with http.Server.Shutdown via their own context.
func (s *Server) Close() error {
	return s.http.Close()
}

type worldSummary struct {
	World   string   `json:"world"`
	Entries []string `json:"entries"`
}

func handleWorlds(rt Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// WorldDirectory exposes per-instance metrics (Snapshot), not the
		// static topology itself, so /runtime/worlds reports the distinct
		// worlds currently backing live MapInstances.
		seen := make(map[string]map[string]struct{})
		for _, s := range rt.Directory().Snapshot() {
			if seen[s.Route.World] == nil {
				seen[s.Route.World] = make(map[string]struct{})
			}
			seen[s.Route.World][s.Route.Entry] = struct{}{}
		}

		out := make([]worldSummary, 0, len(seen))
		for world, entries := range seen {
			names := make([]string, 0, len(entries))
			for e := range entries {
				names = append(names, e)
			}
			out = append(out, worldSummary{World: world, Entries: names})
		}
		writeJSON(w, out)
	}
}

type mapSummary struct {
	World      string `json:"world"`
	Entry      string `json:"entry"`
	MapKind    string `json:"map_kind"`
	InstanceID int64  `json:"instance_id"`
	Occupancy  int32  `json:"occupancy"`
	SoftCap    int32  `json:"soft_cap"`
	LoadP95Ms  int32  `json:"load_p95_ms"`
	Health     string `json:"health"`
}

func handleMaps(rt Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := rt.Directory().Snapshot()
		out := make([]mapSummary, 0, len(snap))
		for _, s := range snap {
			out = append(out, mapSummary{
				World:      s.Route.World,
				Entry:      s.Route.Entry,
				MapKind:    string(s.Route.MapKind),
				InstanceID: s.Route.InstanceID,
				Occupancy:  s.Occupancy,
				SoftCap:    s.SoftCap,
				LoadP95Ms:  s.LoadP95Ms,
				Health:     s.Health.String(),
			})
		}
		writeJSON(w, out)
	}
}

type persistenceSummary struct {
	PendingFlush     int   `json:"pending_flush"`
	WALSegmentIndex  int   `json:"wal_segment_index"`
	WALSegmentBytes  int64 `json:"wal_segment_bytes"`
	WALPendingRecord int   `json:"wal_pending_records"`
}

func handlePersistence(rt Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		segIdx, segBytes, pending := rt.Journal().Stats()
		writeJSON(w, persistenceSummary{
			PendingFlush:     rt.Persistence().PendingCount(),
			WALSegmentIndex:  segIdx,
			WALSegmentBytes:  segBytes,
			WALPendingRecord: pending,
		})
	}
}

type statsSummary struct {
	LiveSessions int `json:"live_sessions"`
	LiveMaps     int `json:"live_maps"`
}

func handleStats(rt Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, statsSummary{
			LiveSessions: rt.Sessions().Count(),
			LiveMaps:     len(rt.Directory().Snapshot()),
		})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("adminhttp: encoding response failed", "error", err)
	}
}
