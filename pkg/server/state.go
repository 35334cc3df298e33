package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/tablesync/pkg/room"
)

// Snapshot is the persisted form of one room: metadata, every table and each table's undo history.
type Snapshot struct {
	Room    room.Room                     `json:"room"`
	Tables  [room.TableCount]room.Table   `json:"tables"`
	History [room.TableCount][]room.Table `json:"history"`
}

type roomState struct {
	mutex    sync.Mutex
	snapshot Snapshot
	revision uint64
	changed  chan struct{}
	deleted  bool
}

func newRoomState(snapshot Snapshot) *roomState {
	return &roomState{snapshot: snapshot, changed: make(chan struct{})}
}

// touch must be called with the mutex held after every change. Watchers waiting on the previous channel wake up.
func (rs *roomState) touch() {
	rs.revision++
	close(rs.changed)
	rs.changed = make(chan struct{})
}

// pushHistory records the current content of the table before it is changed.
func (rs *roomState) pushHistory(table int, limit int) {
	history := append(rs.snapshot.History[table], rs.snapshot.Tables[table].Clone())
	if len(history) > limit {
		history = slices.Clone(history[len(history)-limit:])
	}
	rs.snapshot.History[table] = history
}

func (rs *roomState) popHistory(table int) (room.Table, bool) {
	history := rs.snapshot.History[table]
	if len(history) == 0 {
		return nil, false
	}
	last := history[len(history)-1]
	rs.snapshot.History[table] = history[:len(history)-1]
	return last, true
}

// encoded is the exact response body of a resource and the digest of those bytes.
type encoded struct {
	raw    []byte
	digest string
}

func Digest(raw []byte) string {
	return fmt.Sprintf("xxh64:%016x", xxhash.Sum64(raw))
}

func (rs *roomState) resource(path string) (any, error) {
	res, err := room.ParsePath(path)
	if err != nil {
		return nil, err
	}
	switch res.Kind {
	case room.KindRoom:
		return rs.snapshot.Room, nil
	case room.KindSetup:
		return rs.snapshot.Room.Setup, nil
	default:
		t := rs.snapshot.Tables[res.Table]
		if t == nil {
			t = room.Table{}
		}
		return t, nil
	}
}

// paths lists the resources the digest endpoint reports. Empty tables are left out.
func (rs *roomState) paths() []string {
	out := []string{room.RoomPath, room.SetupPath}
	for i, t := range rs.snapshot.Tables {
		if len(t) > 0 {
			out = append(out, room.TablePath(i))
		}
	}
	return out
}

var errPieceNotFound = errors.New("piece not found")

func newPieceId() string {
	return ulid.Make().String()
}

// placePiece assigns the server computed fields of a new piece: an id when missing and the z-order on top of
// its layer.
func placePiece(t room.Table, p room.Piece) room.Piece {
	if p.ID == "" || t.Index(p.ID) >= 0 {
		p.ID = newPieceId()
	}
	p.Z = t.TopZ(p.Layer) + 1
	return p
}

// patchPiece applies a patch the way the server does: moving a piece to another layer without an explicit z
// puts it on top of that layer.
func patchPiece(t room.Table, patch room.PiecePatch) (room.Piece, error) {
	current, ok := t.Find(patch.ID)
	if !ok {
		return room.Piece{}, fmt.Errorf("%w: %q", errPieceNotFound, patch.ID)
	}
	next := patch.Apply(current)
	if next.Layer != current.Layer && patch.Z == nil {
		next.Z = t.Without(current.ID).TopZ(next.Layer) + 1
	}
	if err := next.Validate(); err != nil {
		return room.Piece{}, err
	}
	return next, nil
}

func defaultSnapshot(name string, width, height int, template room.Template) Snapshot {
	if width <= 0 {
		width = 4096
	}
	if height <= 0 {
		height = 4096
	}
	if template.Type == "" {
		template.Type = room.GridSquare
	}
	if template.GridSize <= 0 {
		template.GridSize = 64
	}
	return Snapshot{
		Room: room.Room{
			Name:     name,
			Width:    width,
			Height:   height,
			Template: template,
			Backgrounds: []room.Background{
				{Name: "Wood", Color: "#3e2b1d", Image: "img/desktop-wood.jpg"},
				{Name: "Casino", Color: "#2e5d3c", Image: "img/desktop-casino.jpg"},
			},
			Setup: room.Setup{
				GridWidth:  width / template.GridSize,
				GridHeight: height / template.GridSize,
				GridType:   template.Type,
				GridSize:   template.GridSize,
			},
			Library: []room.Asset{},
		},
	}
}

func encodeSnapshot(s Snapshot) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return string(raw), nil
}
