package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/tablesync/pkg/room"
	"github.com/astromechza/tablesync/pkg/server"
	"github.com/astromechza/tablesync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func mainInner() error {
	addrVar := flag.String("addr", envOr("TABLESYNC_ADDR", "localhost:8080"), "the address to listen on")
	dbVar := flag.String("db", "tablesync.sqlite3", "the sqlite database to back rooms up to, empty to keep rooms in memory only")
	secretVar := flag.String("secret", os.Getenv("TABLESYNC_SECRET"), "the secret used to sign room tokens, empty disables authorization")
	historyVar := flag.Int("history", server.DefaultHistoryLimit, "the number of undo steps kept per table")
	backupVar := flag.Duration("backup-interval", 5*time.Second, "how often changed rooms are written to the database")
	renderVar := flag.Bool("render", false, "render the table history of every room to svg on shutdown")
	debugVar := flag.Bool("debug", false, "log every request")
	flag.Parse()

	level := slog.LevelInfo
	if *debugVar {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	s := server.New(server.Config{Secret: []byte(*secretVar), HistoryLimit: *historyVar, Log: slog.Default()})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(server.Collectors()...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	if *dbVar != "" {
		slog.Info("Opening database", "path", *dbVar)
		db, err := sql.Open("sqlite3", *dbVar)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		if err := s.Open(ctx, db); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RunBackups(ctx, *backupVar)
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", s.Handler())
	httpServer := &http.Server{Addr: *addrVar, Handler: mux}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()

	wg.Wait()

	if *renderVar {
		for _, name := range s.Rooms() {
			snapshot, ok := s.Snapshot(name)
			if !ok {
				continue
			}
			for table := range room.TableCount {
				if svgPath, err := viz.RenderToTemp(snapshot.Revisions(table)); err != nil {
					slog.Error("failed to render", "room", name, "table", table, "err", err)
				} else {
					slog.Info("rendered", "room", name, "table", table, "path", "file://"+svgPath)
				}
			}
		}
	}
	return nil
}
