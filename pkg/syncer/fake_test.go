package syncer

import (
	"context"
	"errors"
	"sync"

	"github.com/astromechza/tablesync/pkg/api"
	"github.com/astromechza/tablesync/pkg/room"
)

const testRoom = "testroom1"

// fakeSource serves canned resources and records every call by resource path.
type fakeSource struct {
	mutex   sync.Mutex
	digests room.Digests
	room    api.Fetched[room.Room]
	setup   api.Fetched[room.Setup]
	tables  map[int]api.Fetched[room.Table]
	errs    map[string]error
	calls   []string
	polls   int
	// failPolls makes the first polls fail as if the server were down
	failPolls int

	// entered and release make GetDigests block until released when set
	entered chan struct{}
	release chan struct{}
	// onFetch runs before a resource fetch returns
	onFetch func(path string)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		digests: room.Digests{},
		tables:  map[int]api.Fetched[room.Table]{},
		errs:    map[string]error{},
	}
}

func (f *fakeSource) record(path string) error {
	f.mutex.Lock()
	f.calls = append(f.calls, path)
	err := f.errs[path]
	hook := f.onFetch
	f.mutex.Unlock()
	if hook != nil {
		hook(path)
	}
	return err
}

func (f *fakeSource) Calls() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSource) Polls() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.polls
}

func (f *fakeSource) GetDigests(ctx context.Context, name string) (room.Digests, error) {
	f.mutex.Lock()
	f.polls++
	if f.polls <= f.failPolls {
		f.mutex.Unlock()
		return nil, &api.UnreachableError{Op: "get digests", Err: errors.New("connection refused")}
	}
	entered, release := f.entered, f.release
	out := make(room.Digests, len(f.digests))
	for k, v := range f.digests {
		out[k] = v
	}
	f.mutex.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

func (f *fakeSource) GetRoom(ctx context.Context, name string) (api.Fetched[room.Room], error) {
	if err := f.record(room.RoomPath); err != nil {
		return api.Fetched[room.Room]{}, err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.room, nil
}

func (f *fakeSource) GetSetup(ctx context.Context, name string) (api.Fetched[room.Setup], error) {
	if err := f.record(room.SetupPath); err != nil {
		return api.Fetched[room.Setup]{}, err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.setup, nil
}

func (f *fakeSource) GetTable(ctx context.Context, name string, table int) (api.Fetched[room.Table], error) {
	if err := f.record(room.TablePath(table)); err != nil {
		return api.Fetched[room.Table]{}, err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.tables[table], nil
}
