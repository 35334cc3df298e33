package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/astromechza/tablesync/pkg/room"
)

// Open ensures the rooms table exists in db, loads every stored room into memory, and keeps db for backups.
func (s *Server) Open(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS rooms (
    	id text not null primary key,
        content text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	res, err := db.QueryContext(ctx, `SELECT id, content FROM rooms`)
	if err != nil {
		return fmt.Errorf("failed to query: %w", err)
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			s.log.Error("failed to close", "err", err)
		}
	}(res)
	loaded := 0
	for res.Next() {
		var name, content string
		if err := res.Scan(&name, &content); err != nil {
			return fmt.Errorf("failed to scan: %w", err)
		}
		var snapshot Snapshot
		if err := json.Unmarshal([]byte(content), &snapshot); err != nil {
			return fmt.Errorf("failed to decode room %s: %w", name, err)
		}
		s.cache.Store(name, newRoomState(snapshot))
		loaded++
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("failed to read rows: %w", err)
	}
	s.database = db
	s.log.Info("loaded rooms", "count", loaded)
	return nil
}

// Backup writes every room whose stored content differs from memory and returns how many rows changed.
func (s *Server) Backup(ctx context.Context) (int, error) {
	if s.database == nil {
		return 0, nil
	}
	var firstErr error
	written := 0
	s.cache.Range(func(key, value any) bool {
		name, rs := key.(string), value.(*roomState)
		rs.mutex.Lock()
		deleted := rs.deleted
		content, err := encodeSnapshot(rs.snapshot)
		rs.mutex.Unlock()
		if deleted {
			return true
		}
		if err == nil {
			var res sql.Result
			if res, err = s.database.ExecContext(ctx,
				`INSERT INTO rooms (id, content) VALUES (?, ?)
				ON CONFLICT (id) DO UPDATE SET content = excluded.content WHERE rooms.content != excluded.content`,
				name, content,
			); err == nil {
				if n, _ := res.RowsAffected(); n > 0 {
					written++
					s.log.Info("backed up", "room", name)
				}
			}
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to backup room %s: %w", name, err)
		}
		return true
	})
	return written, firstErr
}

// RunBackups calls Backup on every tick until ctx is done, then once more so the latest state is kept.
func (s *Server) RunBackups(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if _, err := s.Backup(ctx); err != nil {
				s.log.Error("failed to backup rooms in database", "err", err)
			}
		case <-ctx.Done():
			if _, err := s.Backup(context.WithoutCancel(ctx)); err != nil {
				s.log.Error("failed to backup rooms in database", "err", err)
			}
			return
		}
	}
}

// LoadSnapshot reads one room straight from the database.
func LoadSnapshot(ctx context.Context, db *sql.DB, name string) (Snapshot, error) {
	var content string
	if err := db.QueryRowContext(ctx, `SELECT content FROM rooms WHERE id = ?`, name).Scan(&content); err != nil {
		return Snapshot{}, fmt.Errorf("failed to load room %s: %w", name, err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(content), &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode room %s: %w", name, err)
	}
	return snapshot, nil
}

// Revisions lists the recorded states of a table, oldest first, ending with the current content.
func (s Snapshot) Revisions(table int) []room.Table {
	out := make([]room.Table, 0, len(s.History[table])+1)
	for _, t := range s.History[table] {
		out = append(out, t.Clone())
	}
	return append(out, s.Tables[table].Clone())
}
