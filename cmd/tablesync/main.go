package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/tablesync/pkg/api"
	"github.com/astromechza/tablesync/pkg/edit"
	"github.com/astromechza/tablesync/pkg/events"
	"github.com/astromechza/tablesync/pkg/room"
	"github.com/astromechza/tablesync/pkg/session"
	"github.com/astromechza/tablesync/pkg/syncer"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

const observer = "tablesync.cli"

func mainInner() error {
	urlVar := flag.String("url", "http://127.0.0.1:8080", "the base url of the server")
	roomVar := flag.String("room", "", "the room to join")
	tokenVar := flag.String("token", os.Getenv("TABLESYNC_TOKEN"), "the bearer token for the room")
	intervalVar := flag.Duration("interval", syncer.DefaultInterval, "the poll interval")
	tableVar := flag.Int("table", room.MainTable, "the table to follow")
	watchVar := flag.Bool("watch", false, "use the digest websocket to trigger early polls")
	createVar := flag.Bool("create", false, "create the room before joining it")
	wanderVar := flag.Duration("wander", 0, "when set, move a random token on the table at this interval")
	metricsVar := flag.String("metrics", "", "when set, serve sync metrics on this address")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))
	if *roomVar == "" {
		return fmt.Errorf("-room is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	token := *tokenVar
	if *createVar {
		c, err := api.NewClient(*urlVar)
		if err != nil {
			return err
		}
		created, err := c.CreateRoom(ctx, api.CreateRoomArgs{Name: *roomVar})
		if err != nil && api.StatusOf(err) != http.StatusConflict {
			return fmt.Errorf("failed to create room: %w", err)
		} else if err == nil {
			slog.Info("created room", "room", created.Room.Name, "token", created.Token)
			if token == "" {
				token = created.Token
			}
		}
	}

	s, err := session.Open(ctx, session.Config{
		BaseUrl:  *urlVar,
		Room:     *roomVar,
		Token:    token,
		Interval: *intervalVar,
		Table:    *tableVar,
		Watch:    *watchVar,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	s.Subscribe(observer, events.HookResourceUpdated, func(payload any) {
		if e, ok := payload.(events.ResourceEvent); ok {
			slog.Info("resource updated", "path", e.Path, "phase", e.Phase)
		}
	})
	s.Subscribe(observer, events.HookResourceEvicted, func(payload any) {
		if e, ok := payload.(events.ResourceEvent); ok {
			slog.Info("resource evicted", "path", e.Path)
		}
	})
	s.Subscribe(observer, events.HookResyncForced, func(payload any) {
		if e, ok := payload.(events.ResyncEvent); ok {
			slog.Warn("edit rejected, resynced", "path", e.Path, "err", e.Err)
		}
	})
	s.Subscribe(observer, events.HookLibraryChanged, func(payload any) {
		if assets, ok := payload.([]room.Asset); ok {
			slog.Info("library changed", "assets", len(assets))
		}
	})

	readyCtx, readyCancel := context.WithTimeout(ctx, 10*time.Second)
	err = s.Ready(readyCtx)
	readyCancel()
	if err != nil {
		return fmt.Errorf("room did not load: %w", errors.Join(err, s.Loop().Diagnostics().LastError))
	}
	r, _ := s.Room()
	slog.Info("joined room", "room", r.Name, "size", fmt.Sprintf("%dx%d", r.Width, r.Height), "table", s.SelectedTable())

	wg := new(sync.WaitGroup)

	if *metricsVar != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(syncer.Collectors()...)
		metricsServer := &http.Server{Addr: *metricsVar, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics listen failed", "err", err)
			}
		}()
		context.AfterFunc(ctx, func() {
			_ = metricsServer.Close()
		})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(time.Second * 10)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				d := s.Loop().Diagnostics()
				slog.Info("diagnostics", "state", d.State, "cycles", d.Cycles, "failed", d.FailedCycles,
					"skipped", d.SkippedTicks, "suggested", s.Loop().SuggestedInterval(), "err", d.LastError)
			case <-ctx.Done():
				return
			}
		}
	}()

	if *wanderVar > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wanderContinuously(ctx, s, *wanderVar)
		}()
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	wg.Wait()
	return nil
}

// wanderContinuously nudges a random token by one grid cell, or places one when the table has none.
func wanderContinuously(ctx context.Context, s *session.Session, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
		table := s.SelectedTable()
		setup, _ := s.Setup()
		cell := max(setup.GridSize, 1)

		var tokens []room.Piece
		for _, p := range s.Table(table) {
			if p.Layer == room.LayerToken && !edit.IsTempId(p.ID) {
				tokens = append(tokens, p)
			}
		}
		var pending *edit.Pending
		var err error
		if len(tokens) == 0 {
			pending, err = s.Edits().CreatePiece(ctx, table, room.Piece{
				Layer: room.LayerToken, W: cell, H: cell, Color: "#aa3333",
			})
		} else {
			p := tokens[rand.Intn(len(tokens))]
			x, y := p.X+cell*(rand.Intn(3)-1), p.Y+cell*(rand.Intn(3)-1)
			pending, err = s.Edits().PatchPiece(ctx, table, room.PiecePatch{ID: p.ID, X: &x, Y: &y})
		}
		if err != nil {
			slog.Error("failed to edit", "err", err)
			continue
		}
		if err := pending.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("edit failed", "err", err)
		}
	}
}
