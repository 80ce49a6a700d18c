package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/shelfsync/internal/store"
	"github.com/roach88/shelfsync/internal/sync"
)

// validDBID rejects path tricks in database names: one filesystem-safe
// segment, no separators, no dots.
var validDBID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Server is the sync relay: it hosts one ledger store per database id and
// lets replicas exchange changes through it without talking to each other
// directly. The relay participates in the protocol as an ordinary replica,
// so its stores retain origin metadata and can forward third-party entries.
type Server struct {
	dir      string
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu     gosync.Mutex
	stores map[string]*store.Store
	conns  map[string]map[*sync.Conn]bool
}

// NewServer creates a relay backed by per-dbid sqlite files under dir.
func NewServer(dir string, log *slog.Logger) *Server {
	return &Server{
		dir:    dir,
		log:    log,
		stores: make(map[string]*store.Store),
		conns:  make(map[string]map[*sync.Conn]bool),
	}
}

// Router builds the relay's HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/dbs/{dbid}/file", s.handleFile).Methods(http.MethodGet)
	r.HandleFunc("/dbs/{dbid}/sync", s.handleSync).Methods(http.MethodGet)
	return r
}

// Close closes every open store.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for dbid, st := range s.stores {
		if err := st.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", dbid, err)
		}
		delete(s.stores, dbid)
	}
	return firstErr
}

// Store returns the store for dbid, opening (and creating) it on first use.
func (s *Server) Store(dbid string) (*store.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.stores[dbid]; ok {
		return st, nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(filepath.Join(s.dir, dbid+".sqlite3"))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbid, err)
	}
	s.stores[dbid] = st
	return st, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleFile streams a point-in-time snapshot of the database, for replica
// bootstrap. The snapshot is vacuumed into a temp file so the live WAL is
// never exposed, then removed after the response.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	dbid := mux.Vars(r)["dbid"]
	if !validDBID.MatchString(dbid) {
		http.Error(w, "invalid database id", http.StatusBadRequest)
		return
	}

	st, err := s.Store(dbid)
	if err != nil {
		s.log.Error("open store for snapshot", "dbid", dbid, "error", err)
		http.Error(w, "database unavailable", http.StatusInternalServerError)
		return
	}

	tmp := filepath.Join(s.dir, fmt.Sprintf(".snapshot-%s-%s", dbid, uuid.NewString()))
	if err := st.Snapshot(r.Context(), tmp); err != nil {
		s.log.Error("snapshot", "dbid", dbid, "error", err)
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}
	defer os.Remove(tmp)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dbid+".sqlite3"))
	http.ServeFile(w, r, tmp)
	s.log.Info("served snapshot", "dbid", dbid)
}

// handleSync upgrades to websocket and runs the sync protocol against the
// dbid's store. After each applied push the other connections of the same
// dbid get a notify so live peers pull promptly.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	dbid := mux.Vars(r)["dbid"]
	if !validDBID.MatchString(dbid) {
		http.Error(w, "invalid database id", http.StatusBadRequest)
		return
	}

	st, err := s.Store(dbid)
	if err != nil {
		s.log.Error("open store for sync", "dbid", dbid, "error", err)
		http.Error(w, "database unavailable", http.StatusInternalServerError)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := sync.NewConn(ws)
	s.track(dbid, conn)
	defer func() {
		s.untrack(dbid, conn)
		conn.Close()
	}()

	engine := sync.NewEngine(st, s.log.With("dbid", dbid))
	err = engine.Serve(r.Context(), conn, func() {
		s.broadcast(dbid, conn)
	})
	if err != nil && r.Context().Err() == nil {
		s.log.Debug("sync session ended", "dbid", dbid, "error", err)
	}
}

func (s *Server) track(dbid string, c *sync.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[dbid] == nil {
		s.conns[dbid] = make(map[*sync.Conn]bool)
	}
	s.conns[dbid][c] = true
}

func (s *Server) untrack(dbid string, c *sync.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns[dbid], c)
}

// broadcast sends notify to every connection of dbid except the source.
// Write failures are left to the failing connection's own serve loop.
func (s *Server) broadcast(dbid string, source *sync.Conn) {
	s.mu.Lock()
	targets := make([]*sync.Conn, 0, len(s.conns[dbid]))
	for c := range s.conns[dbid] {
		if c != source {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.Write(sync.Message{Type: sync.MsgNotify})
	}
}

// ListenAndServe runs the relay until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("relay listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		s.Close()
		return nil
	case err := <-errCh:
		s.Close()
		return fmt.Errorf("relay: %w", err)
	}
}
