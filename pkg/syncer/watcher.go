package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/tablesync/pkg/events"
	"github.com/astromechza/tablesync/pkg/room"
)

const DefaultReconnectInterval = 5 * time.Second

// Watcher follows the digest push endpoint and publishes events.HookSyncNow whenever the server reports a
// digest map that differs from the previous one. Polling stays the source of truth; the watcher only shortens
// the time until the next cycle.
type Watcher struct {
	url       *url.URL
	token     string
	hub       *events.Hub
	log       *slog.Logger
	reconnect time.Duration
}

func NewWatcher(baseUrl *url.URL, name, token string, hub *events.Hub, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	u := baseUrl.JoinPath("rooms", name, "digest", "ws")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return &Watcher{url: u, token: token, hub: hub, log: log.With("room", name), reconnect: DefaultReconnectInterval}
}

// Run connects and reconnects until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	t := time.NewTicker(w.reconnect)
	defer t.Stop()
	for {
		if err := w.connectAndWatch(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn("digest watch interrupted", "err", err)
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			w.log.Info("stopping digest watch")
			return
		}
	}
}

func (w *Watcher) connectAndWatch(ctx context.Context) error {
	header := http.Header{}
	if w.token != "" {
		header.Set("Authorization", "Bearer "+w.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url.String(), header)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	var last room.Digests
	for {
		var digests room.Digests
		if err := conn.ReadJSON(&digests); err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		if last != nil && !maps.Equal(last, digests) {
			w.log.Debug("server pushed a change")
			w.hub.Publish(events.HookSyncNow, nil)
		}
		last = digests
	}
}
