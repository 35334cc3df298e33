// Package syncer keeps a store.Store in line with the server: a digest driven Reconciler, the polling Loop that
// drives it, and an optional Watcher that nudges the loop when the server pushes a change.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/astromechza/tablesync/pkg/api"
	"github.com/astromechza/tablesync/pkg/events"
	"github.com/astromechza/tablesync/pkg/room"
	"github.com/astromechza/tablesync/pkg/store"
)

const DefaultFetchLimit = 4

// Source is the read side of the server api. *api.Client implements it.
type Source interface {
	GetDigests(ctx context.Context, name string) (room.Digests, error)
	GetRoom(ctx context.Context, name string) (api.Fetched[room.Room], error)
	GetSetup(ctx context.Context, name string) (api.Fetched[room.Setup], error)
	GetTable(ctx context.Context, name string, table int) (api.Fetched[room.Table], error)
}

// Result lists what one reconcile pass did, by resource path.
type Result struct {
	Fetched  []string
	Evicted  []string
	Deferred []string
	Failed   []string
}

type Reconciler struct {
	name       string
	source     Source
	store      *store.Store
	hub        *events.Hub
	log        *slog.Logger
	fetchLimit int

	libraryMutex sync.Mutex
	library      []room.Asset
	libraryKnown bool
}

func NewReconciler(name string, source Source, st *store.Store, hub *events.Hub, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		name:       name,
		source:     source,
		store:      st,
		hub:        hub,
		log:        log.With("room", name),
		fetchLimit: DefaultFetchLimit,
	}
}

type fetched struct {
	path   string
	data   any
	digest string
}

// Reconcile refetches every resource whose digest differs from the stored one and evicts stored resources that
// are no longer listed. Dirty entries are deferred. A failed fetch does not stop the others; the joined fetch
// errors are returned alongside the result.
func (r *Reconciler) Reconcile(ctx context.Context, digests room.Digests) (Result, error) {
	return r.reconcile(ctx, digests, r.store.Seqs())
}

// reconcile works like Reconcile with seqs holding the store sequences observed before digests was requested.
func (r *Reconciler) reconcile(ctx context.Context, digests room.Digests, seqs map[string]uint64) (Result, error) {
	var result Result
	paths := make([]string, 0, len(digests))
	for p := range digests {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	type job struct {
		path string
		seq  uint64
	}
	var jobs []job
	for _, p := range paths {
		e, ok := r.store.Get(p)
		if ok && e.Digest == digests[p] {
			continue
		}
		if ok && e.Dirty > 0 {
			result.Deferred = append(result.Deferred, p)
			continue
		}
		jobs = append(jobs, job{path: p, seq: seqs[p]})
	}

	out := make([]fetched, len(jobs))
	applied := make([]bool, len(jobs))
	errs := make([]error, len(jobs))
	g := new(errgroup.Group)
	g.SetLimit(r.fetchLimit)
	for i, j := range jobs {
		g.Go(func() error {
			f, err := r.fetch(ctx, j.path, digests[j.path])
			if err != nil {
				errs[i] = err
				return nil
			}
			out[i] = f
			applied[i] = r.store.ApplyFetched(f.path, f.data, f.digest, j.seq)
			return nil
		})
	}
	_ = g.Wait()

	for i, j := range jobs {
		switch {
		case errs[i] != nil:
			result.Failed = append(result.Failed, j.path)
		case !applied[i]:
			result.Deferred = append(result.Deferred, j.path)
		default:
			result.Fetched = append(result.Fetched, j.path)
		}
	}

	stored := r.store.Paths()
	slices.Sort(stored)
	for _, p := range stored {
		if _, ok := digests[p]; ok {
			continue
		}
		if r.store.Evict(p, seqs[p]) {
			result.Evicted = append(result.Evicted, p)
		} else {
			result.Deferred = append(result.Deferred, p)
		}
	}

	for i, j := range jobs {
		if !applied[i] {
			continue
		}
		r.hub.Publish(events.HookResourceUpdated, events.ResourceEvent{Path: j.path, Phase: events.PhaseFetched})
		r.checkLibrary(out[i])
	}
	for _, p := range result.Evicted {
		r.hub.Publish(events.HookResourceEvicted, events.ResourceEvent{Path: p})
	}
	return result, errors.Join(errs...)
}

// Resync refetches one path regardless of its digest. The result is dropped when new local edits landed while
// the fetch was in flight; the next poll picks the resource up again.
func (r *Reconciler) Resync(ctx context.Context, path string) error {
	seq := r.store.Seq(path)
	f, err := r.fetch(ctx, path, "")
	if err != nil {
		return err
	}
	if !r.store.ApplyFetched(path, f.data, f.digest, seq) {
		r.log.Debug("resync deferred by pending edits", "path", path)
		return nil
	}
	r.hub.Publish(events.HookResourceUpdated, events.ResourceEvent{Path: path, Phase: events.PhaseFetched})
	r.checkLibrary(f)
	return nil
}

// fetch retrieves one resource. A non-empty listed digest is cross checked against the digest header; on
// disagreement the header wins since it was computed over the bytes actually received.
func (r *Reconciler) fetch(ctx context.Context, path string, listed string) (fetched, error) {
	res, err := room.ParsePath(path)
	if err != nil {
		return fetched{}, fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	var data any
	var digest string
	switch res.Kind {
	case room.KindRoom:
		var f api.Fetched[room.Room]
		f, err = r.source.GetRoom(ctx, r.name)
		data, digest = f.Value, f.Digest
	case room.KindSetup:
		var f api.Fetched[room.Setup]
		f, err = r.source.GetSetup(ctx, r.name)
		data, digest = f.Value, f.Digest
	default:
		var f api.Fetched[room.Table]
		f, err = r.source.GetTable(ctx, r.name, res.Table)
		data, digest = f.Value, f.Digest
	}
	if err != nil {
		FetchCount.WithLabelValues(res.Kind.String(), "error").Inc()
		return fetched{}, fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	FetchCount.WithLabelValues(res.Kind.String(), "ok").Inc()

	switch {
	case digest == "":
		digest = listed
	case listed != "" && digest != listed:
		DigestSkewCount.Inc()
		r.log.Warn("digest header disagrees with digest map", "path", path, "header", digest, "listed", listed)
	}
	return fetched{path: path, data: data, digest: digest}, nil
}

// checkLibrary publishes the asset library when a fetched room carries a different one than last seen.
func (r *Reconciler) checkLibrary(f fetched) {
	fetchedRoom, ok := f.data.(room.Room)
	if !ok {
		return
	}
	r.libraryMutex.Lock()
	changed := !r.libraryKnown || !slices.Equal(r.library, fetchedRoom.Library)
	r.library, r.libraryKnown = slices.Clone(fetchedRoom.Library), true
	r.libraryMutex.Unlock()
	if changed {
		r.hub.Publish(events.HookLibraryChanged, slices.Clone(fetchedRoom.Library))
	}
}
