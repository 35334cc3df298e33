package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/mattn/go-sqlite3"

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

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	tableVar := flag.Int("table", room.MainTable, "the table to inspect")
	flag.Parse()
	if flag.NArg() != 2 {
		return fmt.Errorf("expected two position arguments: the database to read and the room name")
	}
	if err := room.ValidateTableIndex(*tableVar); err != nil {
		return err
	}
	db, err := sql.Open("sqlite3", flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	snapshot, err := server.LoadSnapshot(context.Background(), db, flag.Arg(1))
	if err != nil {
		return err
	}
	slog.Info("loaded room", "name", snapshot.Room.Name, "library", len(snapshot.Room.Library), "setup", snapshot.Room.Setup)
	for i, t := range snapshot.Tables {
		if len(t) > 0 || len(snapshot.History[i]) > 0 {
			slog.Info("table", "i", i, "pieces", len(t), "history", len(snapshot.History[i]))
		}
	}

	slog.Info("revisions:")
	revisions := snapshot.Revisions(*tableVar)
	for i, revision := range revisions {
		change := "initial"
		if i > 0 {
			change = viz.Diff(revisions[i-1], revision).String()
		}
		slog.Info("revision", "i", fmt.Sprintf("%4d", i), "pieces", len(revision), "change", change)
	}

	svgPath, err := viz.RenderToTemp(revisions)
	if err != nil {
		return err
	}
	slog.Info("rendered", "path", "file://"+svgPath)
	return nil
}
