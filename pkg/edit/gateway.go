// Package edit is the optimistic write path: local edits land in the store at once, are sent to the server in the
// background, then either confirmed with the server's canonical value or rolled back by a forced resync.
package edit

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/astromechza/tablesync/pkg/api"
	"github.com/astromechza/tablesync/pkg/events"
	"github.com/astromechza/tablesync/pkg/room"
	"github.com/astromechza/tablesync/pkg/store"
)

const tempIdPrefix = "tmp-"

// Sender is the write side of the server api. *api.Client implements it.
type Sender interface {
	PatchSetup(ctx context.Context, name string, patch room.SetupPatch) (api.Fetched[room.Setup], error)
	PutTable(ctx context.Context, name string, table int, pieces room.Table) (api.Fetched[room.Table], error)
	PostPiece(ctx context.Context, name string, table int, piece room.Piece) (room.Piece, error)
	PostPieces(ctx context.Context, name string, table int, pieces []room.Piece) ([]room.Piece, error)
	PutPiece(ctx context.Context, name string, table int, piece room.Piece) (room.Piece, error)
	PatchPiece(ctx context.Context, name string, table int, patch room.PiecePatch) (room.Piece, error)
	PatchPieces(ctx context.Context, name string, table int, patches []room.PiecePatch) ([]room.Piece, error)
	DeletePiece(ctx context.Context, name string, table int, id string) error
	DeletePieces(ctx context.Context, name string, table int, ids []string) error
	PostUndo(ctx context.Context, name string, table int) (api.Fetched[room.Table], error)
}

// Resyncer refetches one resource regardless of its digest. *syncer.Reconciler implements it.
type Resyncer interface {
	Resync(ctx context.Context, path string) error
}

type Gateway struct {
	name     string
	sender   Sender
	store    *store.Store
	hub      *events.Hub
	resyncer Resyncer
	log      *slog.Logger
	inFlight sync.WaitGroup
}

func NewGateway(name string, sender Sender, st *store.Store, hub *events.Hub, resyncer Resyncer, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		name:     name,
		sender:   sender,
		store:    st,
		hub:      hub,
		resyncer: resyncer,
		log:      log.With("room", name),
	}
}

// Wait blocks until every accepted edit resolved.
func (g *Gateway) Wait() {
	g.inFlight.Wait()
}

// IsTempId reports whether id was assigned locally to a piece the server has not confirmed yet.
func IsTempId(id string) bool {
	return strings.HasPrefix(id, tempIdPrefix)
}

// sendFunc performs the server call and returns how to fold the canonical result into the store, plus the
// digest to adopt. An empty digest clears the tag so the next poll refetches the resource.
type sendFunc func(ctx context.Context) (store.Mutation, string, error)

// submit applies optimistic (skipped when nil), then sends in the background. ctx only carries values; its
// cancellation does not reach the send.
func (g *Gateway) submit(ctx context.Context, path string, kind Kind, optimistic store.Mutation, send sendFunc) (*Pending, error) {
	p := &Pending{ID: uuid.NewString(), Path: path, Kind: kind, done: make(chan struct{})}
	if optimistic != nil {
		e, err := g.store.BeginEdit(path, optimistic)
		if err != nil {
			return nil, err
		}
		p.Optimistic = e.Data
		g.hub.Publish(events.HookResourceUpdated, events.ResourceEvent{Path: path, Phase: events.PhaseOptimistic})
	} else {
		g.store.MarkDirty(path)
	}

	sendCtx := context.WithoutCancel(ctx)
	g.inFlight.Add(1)
	go func() {
		defer g.inFlight.Done()
		p.resolve(g.complete(sendCtx, p, optimistic == nil, send))
	}()
	return p, nil
}

func (g *Gateway) complete(ctx context.Context, p *Pending, always bool, send sendFunc) error {
	log := g.log.With("edit", p.ID, "kind", p.Kind, "path", p.Path)
	canonical, digest, err := send(ctx)
	if err == nil {
		var before any
		var e store.Entry
		e, err = g.store.ConfirmEdit(p.Path, digest, func(current any) (any, error) {
			before = current
			return canonical(current)
		})
		if err == nil {
			if always || !reflect.DeepEqual(before, e.Data) {
				g.hub.Publish(events.HookResourceUpdated, events.ResourceEvent{Path: p.Path, Phase: events.PhaseConfirmed})
			}
			log.Debug("edit confirmed")
			return nil
		}
	}

	g.store.AbortEdit(p.Path)
	log.Warn("edit failed, forcing resync", "err", err)
	if rerr := g.resyncer.Resync(ctx, p.Path); rerr != nil {
		log.Error("failed to resync", "err", rerr)
	}
	g.hub.Publish(events.HookResyncForced, events.ResyncEvent{Path: p.Path, Err: err})
	return err
}

func tableOf(current any) room.Table {
	t, _ := current.(room.Table)
	return t.Clone()
}

func notOnTable(id string, table int) error {
	return &room.ValidationError{Field: "piece.id", Reason: fmt.Sprintf("piece %q is not on table %d", id, table)}
}

// swap puts p where the piece with id sat, or appends it.
func swap(t room.Table, id string, p room.Piece) room.Table {
	if i := t.Index(id); i >= 0 {
		out := t.Clone()
		out[i] = p
		return out
	}
	return t.Replace(p)
}

// withTempIds gives pieces without an id a local placeholder and returns the copies sent to the server, which
// carry no placeholder ids.
func withTempIds(pieces []room.Piece) (local []room.Piece, outgoing []room.Piece) {
	local = make([]room.Piece, len(pieces))
	outgoing = make([]room.Piece, len(pieces))
	for i, p := range pieces {
		outgoing[i] = p
		if p.ID == "" {
			p.ID = tempIdPrefix + uuid.NewString()
		}
		local[i] = p
	}
	return local, outgoing
}

// CreatePiece places the piece on top of its layer locally. The server assigns the final id and z-order.
func (g *Gateway) CreatePiece(ctx context.Context, table int, piece room.Piece) (*Pending, error) {
	return g.create(ctx, table, []room.Piece{piece}, true)
}

func (g *Gateway) CreatePieces(ctx context.Context, table int, pieces []room.Piece) (*Pending, error) {
	return g.create(ctx, table, pieces, false)
}

func (g *Gateway) create(ctx context.Context, table int, pieces []room.Piece, single bool) (*Pending, error) {
	if err := room.ValidateTableIndex(table); err != nil {
		return nil, err
	}
	if len(pieces) == 0 {
		return nil, &room.ValidationError{Field: "pieces", Reason: "nothing to create"}
	}
	for _, p := range pieces {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	local, outgoing := withTempIds(pieces)

	return g.submit(ctx, room.TablePath(table), KindCreate, func(current any) (any, error) {
		t := tableOf(current)
		for _, p := range local {
			if !IsTempId(p.ID) && t.Index(p.ID) >= 0 {
				return nil, &room.ValidationError{Field: "piece.id", Reason: fmt.Sprintf("piece %q already exists", p.ID)}
			}
			p.Z = t.TopZ(p.Layer) + 1
			t = append(t, p)
		}
		return t, nil
	}, func(ctx context.Context) (store.Mutation, string, error) {
		var created []room.Piece
		if single {
			p, err := g.sender.PostPiece(ctx, g.name, table, outgoing[0])
			if err != nil {
				return nil, "", err
			}
			created = []room.Piece{p}
		} else {
			var err error
			if created, err = g.sender.PostPieces(ctx, g.name, table, outgoing); err != nil {
				return nil, "", err
			}
		}
		return func(current any) (any, error) {
			t := tableOf(current)
			for i, p := range created {
				t = swap(t, local[i].ID, p)
			}
			return t, nil
		}, "", nil
	})
}

// ReplacePiece overwrites every attribute of a piece already on the table.
func (g *Gateway) ReplacePiece(ctx context.Context, table int, piece room.Piece) (*Pending, error) {
	if err := room.ValidateTableIndex(table); err != nil {
		return nil, err
	}
	if piece.ID == "" {
		return nil, &room.ValidationError{Field: "piece.id", Reason: "missing piece id"}
	}
	if err := piece.Validate(); err != nil {
		return nil, err
	}
	optimistic := func(current any) (any, error) {
		t := tableOf(current)
		if t.Index(piece.ID) < 0 {
			return nil, notOnTable(piece.ID, table)
		}
		return t.Replace(piece), nil
	}
	return g.submit(ctx, room.TablePath(table), KindPatch, optimistic,
		func(ctx context.Context) (store.Mutation, string, error) {
			p, err := g.sender.PutPiece(ctx, g.name, table, piece)
			if err != nil {
				return nil, "", err
			}
			return replacePieces(p), "", nil
		})
}

func (g *Gateway) PatchPiece(ctx context.Context, table int, patch room.PiecePatch) (*Pending, error) {
	if err := room.ValidateTableIndex(table); err != nil {
		return nil, err
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	return g.submit(ctx, room.TablePath(table), KindPatch, g.applyPatches(table, []room.PiecePatch{patch}),
		func(ctx context.Context) (store.Mutation, string, error) {
			p, err := g.sender.PatchPiece(ctx, g.name, table, patch)
			if err != nil {
				return nil, "", err
			}
			return replacePieces(p), "", nil
		})
}

// PatchPieces sends all patches as one batch. A rejected batch is rolled back as a whole.
func (g *Gateway) PatchPieces(ctx context.Context, table int, patches []room.PiecePatch) (*Pending, error) {
	if err := room.ValidateTableIndex(table); err != nil {
		return nil, err
	}
	if len(patches) == 0 {
		return nil, &room.ValidationError{Field: "patches", Reason: "nothing to patch"}
	}
	for _, p := range patches {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return g.submit(ctx, room.TablePath(table), KindPatch, g.applyPatches(table, patches),
		func(ctx context.Context) (store.Mutation, string, error) {
			pieces, err := g.sender.PatchPieces(ctx, g.name, table, patches)
			if err != nil {
				return nil, "", err
			}
			return replacePieces(pieces...), "", nil
		})
}

func (g *Gateway) applyPatches(table int, patches []room.PiecePatch) store.Mutation {
	return func(current any) (any, error) {
		t := tableOf(current)
		for _, patch := range patches {
			piece, ok := t.Find(patch.ID)
			if !ok {
				return nil, notOnTable(patch.ID, table)
			}
			next := patch.Apply(piece)
			if err := next.Validate(); err != nil {
				return nil, err
			}
			t = t.Replace(next)
		}
		return t, nil
	}
}

func replacePieces(pieces ...room.Piece) store.Mutation {
	return func(current any) (any, error) {
		t := tableOf(current)
		for _, p := range pieces {
			t = t.Replace(p)
		}
		return t, nil
	}
}

func (g *Gateway) DeletePiece(ctx context.Context, table int, id string) (*Pending, error) {
	if err := room.ValidateTableIndex(table); err != nil {
		return nil, err
	}
	return g.submit(ctx, room.TablePath(table), KindDelete, removePieces(table, id),
		func(ctx context.Context) (store.Mutation, string, error) {
			if err := g.sender.DeletePiece(ctx, g.name, table, id); err != nil {
				return nil, "", err
			}
			return withoutPieces(id), "", nil
		})
}

func (g *Gateway) DeletePieces(ctx context.Context, table int, ids []string) (*Pending, error) {
	if err := room.ValidateTableIndex(table); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, &room.ValidationError{Field: "ids", Reason: "nothing to delete"}
	}
	return g.submit(ctx, room.TablePath(table), KindDelete, removePieces(table, ids...),
		func(ctx context.Context) (store.Mutation, string, error) {
			if err := g.sender.DeletePieces(ctx, g.name, table, ids); err != nil {
				return nil, "", err
			}
			return withoutPieces(ids...), "", nil
		})
}

// removePieces fails when a piece is missing, so a deletion is only accepted against pieces known locally.
func removePieces(table int, ids ...string) store.Mutation {
	return func(current any) (any, error) {
		t := tableOf(current)
		for _, id := range ids {
			if t.Index(id) < 0 {
				return nil, notOnTable(id, table)
			}
		}
		return t.Without(ids...), nil
	}
}

func withoutPieces(ids ...string) store.Mutation {
	return func(current any) (any, error) {
		return tableOf(current).Without(ids...), nil
	}
}

func (g *Gateway) PatchSetup(ctx context.Context, patch room.SetupPatch) (*Pending, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	return g.submit(ctx, room.SetupPath, KindSetup, func(current any) (any, error) {
		setup, ok := current.(room.Setup)
		if !ok {
			return nil, &room.ValidationError{Field: "setup", Reason: "setup is not loaded yet"}
		}
		next := patch.Apply(setup)
		if err := next.Validate(); err != nil {
			return nil, err
		}
		return next, nil
	}, func(ctx context.Context) (store.Mutation, string, error) {
		out, err := g.sender.PatchSetup(ctx, g.name, patch)
		if err != nil {
			return nil, "", err
		}
		return replaceWith(out.Value), out.Digest, nil
	})
}

// ReplaceTable swaps the whole piece collection of a table. An empty collection clears the table.
func (g *Gateway) ReplaceTable(ctx context.Context, table int, pieces []room.Piece) (*Pending, error) {
	if err := room.ValidateTableIndex(table); err != nil {
		return nil, err
	}
	for _, p := range pieces {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	local, outgoing := withTempIds(pieces)
	next := room.Table(local)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return g.submit(ctx, room.TablePath(table), KindReplace, replaceWith(next.Clone()),
		func(ctx context.Context) (store.Mutation, string, error) {
			out, err := g.sender.PutTable(ctx, g.name, table, outgoing)
			if err != nil {
				return nil, "", err
			}
			return replaceWith(out.Value), out.Digest, nil
		})
}

// Undo asks the server to revert the table. Nothing changes locally until the reverted table arrives, which then
// replaces the cached table as a whole.
func (g *Gateway) Undo(ctx context.Context, table int) (*Pending, error) {
	if err := room.ValidateTableIndex(table); err != nil {
		return nil, err
	}
	return g.submit(ctx, room.TablePath(table), KindUndo, nil, func(ctx context.Context) (store.Mutation, string, error) {
		out, err := g.sender.PostUndo(ctx, g.name, table)
		if err != nil {
			return nil, "", err
		}
		return replaceWith(out.Value), out.Digest, nil
	})
}

func replaceWith[T any](value T) store.Mutation {
	return func(any) (any, error) {
		return value, nil
	}
}
