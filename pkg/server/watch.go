package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const watchWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// watchDigests pushes the digest map of a room on connect and after every change until either side goes away.
func (s *Server) watchDigests(writer http.ResponseWriter, request *http.Request) {
	name := mux.Vars(request)["room"]
	rs, ok := s.lookup(name)
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		rs.mutex.Lock()
		if rs.deleted {
			rs.mutex.Unlock()
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "room deleted"),
				time.Now().Add(watchWriteTimeout),
			)
			return
		}
		digests, err := s.digests(name, rs)
		changed := rs.changed
		rs.mutex.Unlock()
		if err != nil {
			slog.Error("failed to compute digests", "err", err)
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		if err := conn.WriteJSON(digests); err != nil {
			s.log.Debug("watcher went away", "room", name, "err", err)
			return
		}

		select {
		case <-changed:
		case <-closed:
			return
		}
	}
}
