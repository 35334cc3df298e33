package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/astromechza/tablesync/pkg/room"
)

func (c *Client) roomUrl(name string, elem ...string) *url.URL {
	return c.baseUrl.JoinPath(append([]string{"rooms", name}, elem...)...)
}

func (c *Client) tableUrl(name string, table int, elem ...string) *url.URL {
	return c.roomUrl(name, append([]string{"tables", strconv.Itoa(table)}, elem...)...)
}

func (c *Client) GetDigests(ctx context.Context, name string) (room.Digests, error) {
	out, err := call[room.Digests](ctx, c, "get digests", http.MethodGet, c.roomUrl(name, "digest/"), nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	if out.value == nil {
		return room.Digests{}, nil
	}
	return out.value, nil
}

func (c *Client) GetRoom(ctx context.Context, name string) (Fetched[room.Room], error) {
	out, err := call[room.Room](ctx, c, "get room", http.MethodGet, c.roomUrl(name, "/"), nil, http.StatusOK)
	if err == nil {
		out, err = checked("get room", out, room.Room.Validate)
	}
	if err != nil {
		return Fetched[room.Room]{}, err
	}
	return Fetched[room.Room]{Value: out.value, Digest: out.header.Get(DigestHeader)}, nil
}

func (c *Client) GetSetup(ctx context.Context, name string) (Fetched[room.Setup], error) {
	out, err := call[room.Setup](ctx, c, "get setup", http.MethodGet, c.roomUrl(name, "setup/"), nil, http.StatusOK)
	if err == nil {
		out, err = checked("get setup", out, room.Setup.Validate)
	}
	if err != nil {
		return Fetched[room.Setup]{}, err
	}
	return Fetched[room.Setup]{Value: out.value, Digest: out.header.Get(DigestHeader)}, nil
}

func (c *Client) GetTable(ctx context.Context, name string, table int) (Fetched[room.Table], error) {
	out, err := call[room.Table](ctx, c, "get table", http.MethodGet, c.tableUrl(name, table, "/"), nil, http.StatusOK)
	if err == nil {
		out, err = checked("get table", out, room.Table.Validate)
	}
	if err != nil {
		return Fetched[room.Table]{}, err
	}
	return Fetched[room.Table]{Value: nonNil(out.value), Digest: out.header.Get(DigestHeader)}, nil
}

func (c *Client) PatchSetup(ctx context.Context, name string, patch room.SetupPatch) (Fetched[room.Setup], error) {
	if err := patch.Validate(); err != nil {
		return Fetched[room.Setup]{}, err
	}
	out, err := call[room.Setup](ctx, c, "patch setup", http.MethodPatch, c.roomUrl(name, "setup/"), patch, http.StatusOK)
	if err == nil {
		out, err = checked("patch setup", out, room.Setup.Validate)
	}
	if err != nil {
		return Fetched[room.Setup]{}, err
	}
	return Fetched[room.Setup]{Value: out.value, Digest: out.header.Get(DigestHeader)}, nil
}

// PutTable replaces the whole piece collection of a table.
func (c *Client) PutTable(ctx context.Context, name string, table int, pieces room.Table) (Fetched[room.Table], error) {
	if err := room.ValidateTableIndex(table); err != nil {
		return Fetched[room.Table]{}, err
	}
	for _, p := range pieces {
		if err := p.Validate(); err != nil {
			return Fetched[room.Table]{}, err
		}
	}
	out, err := call[room.Table](ctx, c, "put table", http.MethodPut, c.tableUrl(name, table, "/"), nonNil(pieces), http.StatusOK)
	if err == nil {
		out, err = checked("put table", out, room.Table.Validate)
	}
	if err != nil {
		return Fetched[room.Table]{}, err
	}
	return Fetched[room.Table]{Value: nonNil(out.value), Digest: out.header.Get(DigestHeader)}, nil
}

func (c *Client) PostPiece(ctx context.Context, name string, table int, piece room.Piece) (room.Piece, error) {
	if err := piece.Validate(); err != nil {
		return room.Piece{}, err
	}
	out, err := call[room.Piece](ctx, c, "post piece", http.MethodPost, c.tableUrl(name, table, "pieces/"), piece, http.StatusCreated)
	if err == nil {
		out, err = checked("post piece", out, validPiece)
	}
	return out.value, err
}

func (c *Client) PostPieces(ctx context.Context, name string, table int, pieces []room.Piece) ([]room.Piece, error) {
	for _, p := range pieces {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	out, err := call[[]room.Piece](ctx, c, "post pieces", http.MethodPost, c.tableUrl(name, table, "pieces/"), pieces, http.StatusCreated)
	if err == nil {
		out, err = checked("post pieces", out, validPieces(len(pieces)))
	}
	return out.value, err
}

func (c *Client) PatchPiece(ctx context.Context, name string, table int, patch room.PiecePatch) (room.Piece, error) {
	if err := patch.Validate(); err != nil {
		return room.Piece{}, err
	}
	out, err := call[room.Piece](ctx, c, "patch piece", http.MethodPatch, c.tableUrl(name, table, "pieces", patch.ID+"/"), patch, http.StatusOK)
	if err == nil {
		out, err = checked("patch piece", out, validPiece)
	}
	return out.value, err
}

// PutPiece replaces every attribute of an existing piece.
func (c *Client) PutPiece(ctx context.Context, name string, table int, piece room.Piece) (room.Piece, error) {
	if piece.ID == "" {
		return room.Piece{}, &room.ValidationError{Field: "piece.id", Reason: "missing piece id"}
	}
	if err := piece.Validate(); err != nil {
		return room.Piece{}, err
	}
	out, err := call[room.Piece](ctx, c, "put piece", http.MethodPut, c.tableUrl(name, table, "pieces", piece.ID+"/"), piece, http.StatusOK)
	if err == nil {
		out, err = checked("put piece", out, validPiece)
	}
	return out.value, err
}

func (c *Client) PatchPieces(ctx context.Context, name string, table int, patches []room.PiecePatch) ([]room.Piece, error) {
	for _, p := range patches {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	out, err := call[[]room.Piece](ctx, c, "patch pieces", http.MethodPatch, c.tableUrl(name, table, "pieces/"), patches, http.StatusOK)
	if err == nil {
		out, err = checked("patch pieces", out, validPieces(len(patches)))
	}
	return out.value, err
}

func (c *Client) DeletePiece(ctx context.Context, name string, table int, id string) error {
	_, err := call[struct{}](ctx, c, "delete piece", http.MethodDelete, c.tableUrl(name, table, "pieces", id+"/"), nil, http.StatusNoContent)
	return err
}

func (c *Client) DeletePieces(ctx context.Context, name string, table int, ids []string) error {
	_, err := call[struct{}](ctx, c, "delete pieces", http.MethodDelete, c.tableUrl(name, table, "pieces/"), ids, http.StatusNoContent)
	return err
}

// PostUndo asks the server to revert the table to its previous recorded state. Servers that answer 204 without
// content are followed up with a fetch of the table so callers always receive the reverted content.
func (c *Client) PostUndo(ctx context.Context, name string, table int) (Fetched[room.Table], error) {
	out, err := call[room.Table](ctx, c, "undo", http.MethodPost, c.tableUrl(name, table, "undo/"), struct{}{}, http.StatusOK, http.StatusNoContent)
	if err != nil {
		return Fetched[room.Table]{}, err
	}
	if out.status == http.StatusNoContent {
		return c.GetTable(ctx, name, table)
	}
	if out, err = checked("undo", out, room.Table.Validate); err != nil {
		return Fetched[room.Table]{}, err
	}
	return Fetched[room.Table]{Value: nonNil(out.value), Digest: out.header.Get(DigestHeader)}, nil
}

type CreateRoomArgs struct {
	Name     string        `json:"name"`
	Width    int           `json:"width,omitempty"`
	Height   int           `json:"height,omitempty"`
	Template room.Template `json:"template"`
}

type CreateRoomResult struct {
	Room  room.Room `json:"room"`
	Token string    `json:"token,omitempty"`
}

func (c *Client) CreateRoom(ctx context.Context, args CreateRoomArgs) (*CreateRoomResult, error) {
	if err := room.ValidateName(args.Name); err != nil {
		return nil, err
	}
	out, err := call[CreateRoomResult](ctx, c, "create room", http.MethodPost, c.baseUrl.JoinPath("rooms/"), args, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	return &out.value, nil
}

func (c *Client) DeleteRoom(ctx context.Context, name string) error {
	_, err := call[struct{}](ctx, c, "delete room", http.MethodDelete, c.roomUrl(name, "/"), nil, http.StatusNoContent)
	return err
}

func validPiece(p room.Piece) error {
	if p.ID == "" {
		return fmt.Errorf("piece without id")
	}
	return p.Validate()
}

func validPieces(n int) func([]room.Piece) error {
	return func(pieces []room.Piece) error {
		if len(pieces) != n {
			return fmt.Errorf("expected %d pieces, got %d", n, len(pieces))
		}
		for _, p := range pieces {
			if err := validPiece(p); err != nil {
				return err
			}
		}
		return nil
	}
}

func nonNil(t room.Table) room.Table {
	if t == nil {
		return room.Table{}
	}
	return t
}
