// Package room holds the shared tabletop data model: rooms, their setup, the numbered tables and the pieces on them.
package room

import (
	"slices"
)

const (
	// TableCount is the number of table slots every room has.
	TableCount = 10
	// MainTable is the table clients open by default.
	MainTable = 1
)

type GridType string

const (
	GridSquare GridType = "grid-square"
	GridHex    GridType = "grid-hex"
)

type Layer string

const (
	LayerToken   Layer = "token"
	LayerOverlay Layer = "overlay"
	LayerTile    Layer = "tile"
	LayerOther   Layer = "other"
	LayerNote    Layer = "note"
)

var Layers = []Layer{LayerTile, LayerOverlay, LayerNote, LayerToken, LayerOther}

func (l Layer) Valid() bool {
	return slices.Contains(Layers, l)
}

type Template struct {
	Type     GridType `json:"type"`
	GridSize int      `json:"gridSize"`
}

type Background struct {
	Name  string `json:"name"`
	Color string `json:"color"`
	Image string `json:"image,omitempty"`
}

type Asset struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type Room struct {
	Name        string       `json:"name"`
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	Template    Template     `json:"template"`
	Backgrounds []Background `json:"backgrounds"`
	Setup       Setup        `json:"setup"`
	Library     []Asset      `json:"library"`
}

// Clone returns a deep copy so cached values can be handed out without sharing slices.
func (r Room) Clone() Room {
	r.Backgrounds = slices.Clone(r.Backgrounds)
	r.Library = slices.Clone(r.Library)
	return r
}

type Setup struct {
	GridWidth  int      `json:"gridWidth"`
	GridHeight int      `json:"gridHeight"`
	GridType   GridType `json:"gridType"`
	GridSize   int      `json:"gridSize"`
}

type SetupPatch struct {
	GridWidth  *int      `json:"gridWidth,omitempty"`
	GridHeight *int      `json:"gridHeight,omitempty"`
	GridType   *GridType `json:"gridType,omitempty"`
	GridSize   *int      `json:"gridSize,omitempty"`
}

func (p SetupPatch) Apply(s Setup) Setup {
	if p.GridWidth != nil {
		s.GridWidth = *p.GridWidth
	}
	if p.GridHeight != nil {
		s.GridHeight = *p.GridHeight
	}
	if p.GridType != nil {
		s.GridType = *p.GridType
	}
	if p.GridSize != nil {
		s.GridSize = *p.GridSize
	}
	return s
}

type Piece struct {
	ID    string `json:"id"`
	Layer Layer  `json:"layer"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Z     int    `json:"z"`
	R     int    `json:"r"`
	W     int    `json:"w"`
	H     int    `json:"h"`
	Asset string `json:"asset,omitempty"`
	Color string `json:"color,omitempty"`
	Text  string `json:"text,omitempty"`
}

// PiecePatch is a partial update of a single piece. Only the non-nil fields are changed.
type PiecePatch struct {
	ID    string  `json:"id"`
	Layer *Layer  `json:"layer,omitempty"`
	X     *int    `json:"x,omitempty"`
	Y     *int    `json:"y,omitempty"`
	Z     *int    `json:"z,omitempty"`
	R     *int    `json:"r,omitempty"`
	W     *int    `json:"w,omitempty"`
	H     *int    `json:"h,omitempty"`
	Asset *string `json:"asset,omitempty"`
	Color *string `json:"color,omitempty"`
	Text  *string `json:"text,omitempty"`
}

func (p PiecePatch) Apply(piece Piece) Piece {
	if p.Layer != nil {
		piece.Layer = *p.Layer
	}
	if p.X != nil {
		piece.X = *p.X
	}
	if p.Y != nil {
		piece.Y = *p.Y
	}
	if p.Z != nil {
		piece.Z = *p.Z
	}
	if p.R != nil {
		piece.R = *p.R
	}
	if p.W != nil {
		piece.W = *p.W
	}
	if p.H != nil {
		piece.H = *p.H
	}
	if p.Asset != nil {
		piece.Asset = *p.Asset
	}
	if p.Color != nil {
		piece.Color = *p.Color
	}
	if p.Text != nil {
		piece.Text = *p.Text
	}
	return piece
}

// Table is the ordered piece collection of one table slot. Order is layering order, index 0 is bottom-most.
type Table []Piece

func (t Table) Clone() Table {
	if t == nil {
		return Table{}
	}
	return slices.Clone(t)
}

func (t Table) Index(id string) int {
	return slices.IndexFunc(t, func(p Piece) bool {
		return p.ID == id
	})
}

func (t Table) Find(id string) (Piece, bool) {
	if i := t.Index(id); i >= 0 {
		return t[i], true
	}
	return Piece{}, false
}

// Replace returns a copy of the table with the piece carrying the same id swapped for p, or p appended when no
// piece with that id exists.
func (t Table) Replace(p Piece) Table {
	out := t.Clone()
	if i := out.Index(p.ID); i >= 0 {
		out[i] = p
		return out
	}
	return append(out, p)
}

func (t Table) Without(ids ...string) Table {
	out := make(Table, 0, len(t))
	for _, p := range t {
		if !slices.Contains(ids, p.ID) {
			out = append(out, p)
		}
	}
	return out
}

// TopZ is the highest z-order currently used in the given layer, or 0 for an empty layer.
func (t Table) TopZ(layer Layer) int {
	top := 0
	for _, p := range t {
		if p.Layer == layer && p.Z > top {
			top = p.Z
		}
	}
	return top
}

func Ptr[T any](v T) *T {
	return &v
}
