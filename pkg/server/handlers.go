package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/astromechza/tablesync/pkg/room"
)

const (
	DigestHeader = "Digest"
	maxBodyBytes = 4 << 20
)

var ErrRoomExists = errors.New("room already exists")

type createRoomRequest struct {
	Name     string        `json:"name"`
	Width    int           `json:"width,omitempty"`
	Height   int           `json:"height,omitempty"`
	Template room.Template `json:"template"`
}

type createRoomResponse struct {
	Room  room.Room `json:"room"`
	Token string    `json:"token,omitempty"`
}

func jsonBytes(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode: %w", err)
	}
	return raw, nil
}

func decodeBody(request *http.Request, into any) error {
	if err := json.NewDecoder(io.LimitReader(request.Body, maxBodyBytes)).Decode(into); err != nil {
		return fmt.Errorf("failed to decode body: %w", err)
	}
	return nil
}

func writeJson(writer http.ResponseWriter, status int, value any) {
	raw, err := jsonBytes(value)
	if err != nil {
		slog.Error("failed to encode response", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if _, err := writer.Write(raw); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

// writeResource sends the exact bytes the digest was computed over.
func writeResource(writer http.ResponseWriter, e encoded) {
	writer.Header().Set("Content-Type", "application/json")
	writer.Header().Set(DigestHeader, e.digest)
	writer.WriteHeader(http.StatusOK)
	if _, err := writer.Write(e.raw); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func writeError(writer http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errPieceNotFound):
		http.Error(writer, err.Error(), http.StatusNotFound)
	default:
		http.Error(writer, err.Error(), http.StatusBadRequest)
	}
}

// CreateRoom adds a new room with default content. Zero dimensions and template fields fall back to defaults.
func (s *Server) CreateRoom(name string, width, height int, template room.Template) (room.Room, error) {
	if err := room.ValidateName(name); err != nil {
		return room.Room{}, err
	}
	snapshot := defaultSnapshot(name, width, height, template)
	if err := snapshot.Room.Validate(); err != nil {
		return room.Room{}, err
	}
	if _, loaded := s.cache.LoadOrStore(name, newRoomState(snapshot)); loaded {
		return room.Room{}, fmt.Errorf("%w: %s", ErrRoomExists, name)
	}
	s.log.Info("created room", "room", name)
	return snapshot.Room.Clone(), nil
}

func (s *Server) createRoom(writer http.ResponseWriter, request *http.Request) {
	var args createRoomRequest
	if err := decodeBody(request, &args); err != nil {
		writeError(writer, err)
		return
	}
	created, err := s.CreateRoom(args.Name, args.Width, args.Height, args.Template)
	if errors.Is(err, ErrRoomExists) {
		http.Error(writer, err.Error(), http.StatusConflict)
		return
	} else if err != nil {
		writeError(writer, err)
		return
	}
	token, err := s.IssueToken(args.Name)
	if err != nil {
		slog.Error("failed to issue token", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJson(writer, http.StatusCreated, createRoomResponse{Room: created, Token: token})
}

// withRoom runs fn with the mutex of the requested room held.
func (s *Server) withRoom(writer http.ResponseWriter, request *http.Request, fn func(name string, rs *roomState)) {
	name := mux.Vars(request)["room"]
	rs, ok := s.lookup(name)
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	if rs.deleted {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	fn(name, rs)
}

func tableIndex(request *http.Request) int {
	n, _ := strconv.Atoi(mux.Vars(request)["table"])
	return n
}

func (s *Server) serveResource(writer http.ResponseWriter, request *http.Request, path func(*http.Request) string) {
	s.withRoom(writer, request, func(name string, rs *roomState) {
		e, err := s.encode(name, rs, path(request))
		if err != nil {
			slog.Error("failed to encode resource", "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeResource(writer, e)
	})
}

func (s *Server) getRoom(writer http.ResponseWriter, request *http.Request) {
	s.serveResource(writer, request, func(*http.Request) string { return room.RoomPath })
}

func (s *Server) getSetup(writer http.ResponseWriter, request *http.Request) {
	s.serveResource(writer, request, func(*http.Request) string { return room.SetupPath })
}

func (s *Server) getTable(writer http.ResponseWriter, request *http.Request) {
	s.serveResource(writer, request, func(r *http.Request) string { return room.TablePath(tableIndex(r)) })
}

func (s *Server) getDigests(writer http.ResponseWriter, request *http.Request) {
	s.withRoom(writer, request, func(name string, rs *roomState) {
		digests, err := s.digests(name, rs)
		if err != nil {
			slog.Error("failed to compute digests", "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJson(writer, http.StatusOK, digests)
	})
}

func (s *Server) deleteRoom(writer http.ResponseWriter, request *http.Request) {
	s.withRoom(writer, request, func(name string, rs *roomState) {
		if s.database != nil {
			if _, err := s.database.ExecContext(request.Context(), `DELETE FROM rooms WHERE id = ?`, name); err != nil {
				slog.Error("failed to delete room from database", "room", name, "err", err)
				writer.WriteHeader(http.StatusInternalServerError)
				return
			}
		}
		rs.deleted = true
		s.invalidate(name, room.RoomPath, room.SetupPath)
		for i := range rs.snapshot.Tables {
			s.invalidate(name, room.TablePath(i))
		}
		rs.touch()
		s.cache.Delete(name)
		s.log.Info("deleted room", "room", name)
		writer.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) patchSetup(writer http.ResponseWriter, request *http.Request) {
	var patch room.SetupPatch
	if err := decodeBody(request, &patch); err != nil {
		writeError(writer, err)
		return
	}
	if err := patch.Validate(); err != nil {
		writeError(writer, err)
		return
	}
	s.withRoom(writer, request, func(name string, rs *roomState) {
		next := patch.Apply(rs.snapshot.Room.Setup)
		if err := next.Validate(); err != nil {
			writeError(writer, err)
			return
		}
		if next != rs.snapshot.Room.Setup {
			rs.snapshot.Room.Setup = next
			s.invalidate(name, room.RoomPath, room.SetupPath)
			rs.touch()
		}
		s.writeEncoded(writer, name, rs, room.SetupPath)
	})
}

func (s *Server) writeEncoded(writer http.ResponseWriter, name string, rs *roomState, path string) {
	e, err := s.encode(name, rs, path)
	if err != nil {
		slog.Error("failed to encode resource", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeResource(writer, e)
}

// replaceTable records the current content in the undo history and stores next. The room mutex must be held.
func (s *Server) replaceTable(name string, rs *roomState, table int, next room.Table) {
	rs.pushHistory(table, s.cfg.HistoryLimit)
	rs.snapshot.Tables[table] = next
	s.invalidate(name, room.TablePath(table))
	rs.touch()
}

func (s *Server) putTable(writer http.ResponseWriter, request *http.Request) {
	var pieces room.Table
	if err := decodeBody(request, &pieces); err != nil {
		writeError(writer, err)
		return
	}
	next := make(room.Table, 0, len(pieces))
	for _, p := range pieces {
		if err := p.Validate(); err != nil {
			writeError(writer, err)
			return
		}
		if p.ID == "" || next.Index(p.ID) >= 0 {
			p.ID = newPieceId()
		}
		next = append(next, p)
	}
	s.withRoom(writer, request, func(name string, rs *roomState) {
		table := tableIndex(request)
		s.replaceTable(name, rs, table, next)
		s.writeEncoded(writer, name, rs, room.TablePath(table))
	})
}

func (s *Server) postPieces(writer http.ResponseWriter, request *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(request.Body, maxBodyBytes))
	if err != nil {
		writeError(writer, err)
		return
	}
	batch := bytes.HasPrefix(bytes.TrimSpace(raw), []byte("["))
	var pieces []room.Piece
	if batch {
		err = json.Unmarshal(raw, &pieces)
	} else {
		pieces = make([]room.Piece, 1)
		err = json.Unmarshal(raw, &pieces[0])
	}
	if err != nil {
		writeError(writer, fmt.Errorf("failed to decode body: %w", err))
		return
	} else if len(pieces) == 0 {
		writeError(writer, fmt.Errorf("no pieces in batch"))
		return
	}
	for _, p := range pieces {
		if err := p.Validate(); err != nil {
			writeError(writer, err)
			return
		}
	}
	s.withRoom(writer, request, func(name string, rs *roomState) {
		table := tableIndex(request)
		next := rs.snapshot.Tables[table].Clone()
		created := make([]room.Piece, 0, len(pieces))
		for _, p := range pieces {
			p = placePiece(next, p)
			next = append(next, p)
			created = append(created, p)
		}
		s.replaceTable(name, rs, table, next)
		if batch {
			writeJson(writer, http.StatusCreated, created)
		} else {
			writeJson(writer, http.StatusCreated, created[0])
		}
	})
}

// applyPatches patches all pieces or none. The room mutex must be held.
func (s *Server) applyPatches(name string, rs *roomState, table int, patches []room.PiecePatch) ([]room.Piece, error) {
	next := rs.snapshot.Tables[table].Clone()
	out := make([]room.Piece, 0, len(patches))
	for _, patch := range patches {
		if err := patch.Validate(); err != nil {
			return nil, err
		}
		p, err := patchPiece(next, patch)
		if err != nil {
			return nil, err
		}
		next = next.Replace(p)
		out = append(out, p)
	}
	s.replaceTable(name, rs, table, next)
	return out, nil
}

// putPiece replaces every attribute of an existing piece. The id comes from the url.
func (s *Server) putPiece(writer http.ResponseWriter, request *http.Request) {
	var piece room.Piece
	if err := decodeBody(request, &piece); err != nil {
		writeError(writer, err)
		return
	}
	piece.ID = mux.Vars(request)["piece"]
	if err := piece.Validate(); err != nil {
		writeError(writer, err)
		return
	}
	s.withRoom(writer, request, func(name string, rs *roomState) {
		table := tableIndex(request)
		if rs.snapshot.Tables[table].Index(piece.ID) < 0 {
			writeError(writer, fmt.Errorf("%w: %q", errPieceNotFound, piece.ID))
			return
		}
		s.replaceTable(name, rs, table, rs.snapshot.Tables[table].Replace(piece))
		writeJson(writer, http.StatusOK, piece)
	})
}

func (s *Server) patchPiece(writer http.ResponseWriter, request *http.Request) {
	var patch room.PiecePatch
	if err := decodeBody(request, &patch); err != nil {
		writeError(writer, err)
		return
	}
	patch.ID = mux.Vars(request)["piece"]
	s.withRoom(writer, request, func(name string, rs *roomState) {
		out, err := s.applyPatches(name, rs, tableIndex(request), []room.PiecePatch{patch})
		if err != nil {
			writeError(writer, err)
			return
		}
		writeJson(writer, http.StatusOK, out[0])
	})
}

func (s *Server) patchPieces(writer http.ResponseWriter, request *http.Request) {
	var patches []room.PiecePatch
	if err := decodeBody(request, &patches); err != nil {
		writeError(writer, err)
		return
	} else if len(patches) == 0 {
		writeError(writer, fmt.Errorf("no patches in batch"))
		return
	}
	s.withRoom(writer, request, func(name string, rs *roomState) {
		out, err := s.applyPatches(name, rs, tableIndex(request), patches)
		if err != nil {
			writeError(writer, err)
			return
		}
		writeJson(writer, http.StatusOK, out)
	})
}

// removePieces deletes all pieces or none. The room mutex must be held.
func (s *Server) removePieces(name string, rs *roomState, table int, ids []string) error {
	current := rs.snapshot.Tables[table]
	for _, id := range ids {
		if current.Index(id) < 0 {
			return fmt.Errorf("%w: %q", errPieceNotFound, id)
		}
	}
	s.replaceTable(name, rs, table, current.Without(ids...))
	return nil
}

func (s *Server) deletePiece(writer http.ResponseWriter, request *http.Request) {
	s.withRoom(writer, request, func(name string, rs *roomState) {
		if err := s.removePieces(name, rs, tableIndex(request), []string{mux.Vars(request)["piece"]}); err != nil {
			writeError(writer, err)
			return
		}
		writer.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) deletePieces(writer http.ResponseWriter, request *http.Request) {
	var ids []string
	if err := decodeBody(request, &ids); err != nil {
		writeError(writer, err)
		return
	} else if len(ids) == 0 {
		writeError(writer, fmt.Errorf("no ids in batch"))
		return
	}
	s.withRoom(writer, request, func(name string, rs *roomState) {
		if err := s.removePieces(name, rs, tableIndex(request), ids); err != nil {
			writeError(writer, err)
			return
		}
		writer.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) undo(writer http.ResponseWriter, request *http.Request) {
	s.withRoom(writer, request, func(name string, rs *roomState) {
		table := tableIndex(request)
		previous, ok := rs.popHistory(table)
		if !ok {
			http.Error(writer, "nothing to undo", http.StatusConflict)
			return
		}
		rs.snapshot.Tables[table] = previous
		s.invalidate(name, room.TablePath(table))
		rs.touch()
		s.writeEncoded(writer, name, rs, room.TablePath(table))
	})
}
