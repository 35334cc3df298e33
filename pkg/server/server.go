// Package server is the reference implementation of the tabletop HTTP surface. It is the source of truth the
// synchronization engine polls, and keeps rooms in memory with optional periodic sqlite backups.
package server

import (
	"database/sql"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultHistoryLimit = 32
	defaultCacheSize    = 1024
)

type Config struct {
	// Secret enables room scoped bearer tokens when not empty.
	Secret       []byte
	HistoryLimit int
	Log          *slog.Logger
}

type Server struct {
	cfg      Config
	log      *slog.Logger
	database *sql.DB
	cache    *sync.Map
	encoded  *lru.Cache[string, encoded]
}

func New(cfg Config) *Server {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	encodedCache, _ := lru.New[string, encoded](defaultCacheSize)
	return &Server{
		cfg:     cfg,
		log:     cfg.Log,
		cache:   new(sync.Map),
		encoded: encodedCache,
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			observeRequest(request, m)
			s.log.Debug("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodPost).Path("/rooms/").HandlerFunc(s.createRoom)

	rooms := r.PathPrefix("/rooms/{room:[a-zA-Z0-9]+}").Subrouter()
	rooms.Use(s.authorize)
	rooms.Methods(http.MethodGet).Path("/").HandlerFunc(s.getRoom)
	rooms.Methods(http.MethodDelete).Path("/").HandlerFunc(s.deleteRoom)
	rooms.Methods(http.MethodGet).Path("/digest/").HandlerFunc(s.getDigests)
	rooms.Methods(http.MethodGet).Path("/digest/ws").HandlerFunc(s.watchDigests)
	rooms.Methods(http.MethodGet).Path("/setup/").HandlerFunc(s.getSetup)
	rooms.Methods(http.MethodPatch).Path("/setup/").HandlerFunc(s.patchSetup)

	tables := "/tables/{table:[0-9]}"
	rooms.Methods(http.MethodGet).Path(tables + "/").HandlerFunc(s.getTable)
	rooms.Methods(http.MethodPut).Path(tables + "/").HandlerFunc(s.putTable)
	rooms.Methods(http.MethodPost).Path(tables + "/undo/").HandlerFunc(s.undo)
	rooms.Methods(http.MethodPost).Path(tables + "/pieces/").HandlerFunc(s.postPieces)
	rooms.Methods(http.MethodPatch).Path(tables + "/pieces/").HandlerFunc(s.patchPieces)
	rooms.Methods(http.MethodDelete).Path(tables + "/pieces/").HandlerFunc(s.deletePieces)
	rooms.Methods(http.MethodPut).Path(tables + "/pieces/{piece}/").HandlerFunc(s.putPiece)
	rooms.Methods(http.MethodPatch).Path(tables + "/pieces/{piece}/").HandlerFunc(s.patchPiece)
	rooms.Methods(http.MethodDelete).Path(tables + "/pieces/{piece}/").HandlerFunc(s.deletePiece)
	return r
}

func (s *Server) lookup(name string) (*roomState, bool) {
	raw, ok := s.cache.Load(name)
	if !ok {
		return nil, false
	}
	rs, ok := raw.(*roomState)
	if !ok {
		s.log.Error("item in cache is not a room")
		return nil, false
	}
	return rs, true
}

// Rooms lists the names of the rooms that are not deleted, sorted.
func (s *Server) Rooms() []string {
	var out []string
	s.cache.Range(func(key, _ any) bool {
		name, _ := key.(string)
		if rs, ok := s.lookup(name); ok {
			rs.mutex.Lock()
			if !rs.deleted {
				out = append(out, name)
			}
			rs.mutex.Unlock()
		}
		return true
	})
	slices.Sort(out)
	return out
}

// Snapshot returns a copy of the current state of a room.
func (s *Server) Snapshot(name string) (Snapshot, bool) {
	rs, ok := s.lookup(name)
	if !ok {
		return Snapshot{}, false
	}
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	out := rs.snapshot
	out.Room = out.Room.Clone()
	for i := range out.Tables {
		out.Tables[i] = out.Tables[i].Clone()
	}
	return out, true
}

// encode returns the response body and digest of a resource. The room mutex must be held.
func (s *Server) encode(name string, rs *roomState, path string) (encoded, error) {
	key := name + "/" + path
	if e, ok := s.encoded.Get(key); ok {
		return e, nil
	}
	value, err := rs.resource(path)
	if err != nil {
		return encoded{}, err
	}
	raw, err := jsonBytes(value)
	if err != nil {
		return encoded{}, err
	}
	e := encoded{raw: raw, digest: Digest(raw)}
	s.encoded.Add(key, e)
	return e, nil
}

// invalidate drops cached encodings of the given paths. The room mutex must be held.
func (s *Server) invalidate(name string, paths ...string) {
	for _, p := range paths {
		s.encoded.Remove(name + "/" + p)
	}
}

func (s *Server) digests(name string, rs *roomState) (map[string]string, error) {
	out := make(map[string]string)
	for _, p := range rs.paths() {
		e, err := s.encode(name, rs, p)
		if err != nil {
			return nil, err
		}
		out[p] = e.digest
	}
	return out, nil
}
