// Package session ties the engine together for one room: a store, an event hub, the reconciler and sync loop
// that fill the store, and the gateway that edits it. A Session is created when joining a room and closed when
// leaving it; nothing is shared between sessions.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astromechza/tablesync/pkg/api"
	"github.com/astromechza/tablesync/pkg/edit"
	"github.com/astromechza/tablesync/pkg/events"
	"github.com/astromechza/tablesync/pkg/room"
	"github.com/astromechza/tablesync/pkg/store"
	"github.com/astromechza/tablesync/pkg/syncer"
)

type Config struct {
	BaseUrl string
	Room    string
	Token   string
	// Interval between polls, syncer.DefaultInterval when zero.
	Interval time.Duration
	// Table is the initially selected table.
	Table int
	// Watch enables the websocket digest push as a trigger for early polls.
	Watch      bool
	HttpClient *http.Client
	Log        *slog.Logger
}

type Session struct {
	name       string
	client     *api.Client
	store      *store.Store
	hub        *events.Hub
	reconciler *syncer.Reconciler
	loop       *syncer.Loop
	gateway    *edit.Gateway
	watcher    *syncer.Watcher
	log        *slog.Logger
	table      atomic.Int32

	mutex       sync.Mutex
	cancelWatch context.CancelFunc
	watchDone   chan struct{}
}

// Open builds the session and starts polling. The first cycle starts immediately, use Ready to wait for it.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if err := room.ValidateName(cfg.Room); err != nil {
		return nil, err
	}
	if err := room.ValidateTableIndex(cfg.Table); err != nil {
		return nil, err
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	options := []api.Option{api.WithToken(cfg.Token)}
	if cfg.HttpClient != nil {
		options = append(options, api.WithHttpClient(cfg.HttpClient))
	}
	client, err := api.NewClient(cfg.BaseUrl, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	s := &Session{
		name:   cfg.Room,
		client: client,
		store:  store.New(),
		hub:    events.NewHub(cfg.Log),
		log:    cfg.Log.With("room", cfg.Room),
	}
	s.table.Store(int32(cfg.Table))
	s.reconciler = syncer.NewReconciler(cfg.Room, client, s.store, s.hub, cfg.Log)
	s.loop = syncer.NewLoop(cfg.Room, client, s.reconciler, s.hub, cfg.Interval, cfg.Log)
	s.gateway = edit.NewGateway(cfg.Room, client, s.store, s.hub, s.reconciler, cfg.Log)
	if cfg.Watch {
		s.watcher = syncer.NewWatcher(client.BaseUrl(), cfg.Room, cfg.Token, s.hub, cfg.Log)
	}
	if err := s.Resume(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Resume starts polling again after Suspend, for example when the view becomes visible.
func (s *Session) Resume(ctx context.Context) error {
	if err := s.loop.Start(ctx); err != nil {
		return err
	}
	if s.watcher != nil {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		watchCtx, cancel := context.WithCancel(ctx)
		s.cancelWatch, s.watchDone = cancel, make(chan struct{})
		go func(done chan struct{}) {
			defer close(done)
			s.watcher.Run(watchCtx)
		}(s.watchDone)
	}
	return nil
}

// Suspend stops polling without dropping cached state. Pending edits still land.
func (s *Session) Suspend() {
	s.loop.Stop()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.cancelWatch != nil {
		s.cancelWatch()
		<-s.watchDone
		s.cancelWatch, s.watchDone = nil, nil
	}
}

// Close stops polling, waits for every pending edit and drops the cached state.
func (s *Session) Close() {
	s.Suspend()
	s.gateway.Wait()
	s.store.Clear()
	s.log.Info("session closed")
}

// Ready blocks until room and setup are cached or ctx is done.
func (s *Session) Ready(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		if _, ok := s.store.Room(); ok {
			if _, ok := s.store.Setup(); ok {
				return nil
			}
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) Name() string {
	return s.name
}

func (s *Session) Hub() *events.Hub {
	return s.hub
}

func (s *Session) Edits() *edit.Gateway {
	return s.gateway
}

func (s *Session) Loop() *syncer.Loop {
	return s.loop
}

func (s *Session) Client() *api.Client {
	return s.client
}

func (s *Session) Room() (room.Room, bool) {
	return s.store.Room()
}

func (s *Session) Setup() (room.Setup, bool) {
	return s.store.Setup()
}

func (s *Session) Table(n int) room.Table {
	return s.store.Table(n)
}

// SelectedTable is the table the user is looking at.
func (s *Session) SelectedTable() int {
	return int(s.table.Load())
}

func (s *Session) SelectTable(n int) error {
	if err := room.ValidateTableIndex(n); err != nil {
		return err
	}
	s.table.Store(int32(n))
	return nil
}

// Subscribe registers an observer callback on the session hub.
func (s *Session) Subscribe(observer string, hook events.Hook, callback events.Callback) {
	s.hub.Subscribe(observer, hook, callback)
}

func (s *Session) Unsubscribe(observer string, hook events.Hook) {
	s.hub.Unsubscribe(observer, hook)
}

// SyncNow asks for an immediate poll.
func (s *Session) SyncNow() {
	s.hub.Publish(events.HookSyncNow, nil)
}
