package session

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/tablesync/pkg/events"
	"github.com/astromechza/tablesync/pkg/room"
	"github.com/astromechza/tablesync/pkg/server"
	"github.com/astromechza/tablesync/pkg/syncer"
)

const testRoom = "testroom1"

func startServer(t *testing.T) (*server.Server, string, string) {
	t.Helper()
	srv := server.New(server.Config{Secret: []byte("secret")})
	_, err := srv.CreateRoom(testRoom, 0, 0, room.Template{})
	require.NoError(t, err)
	token, err := srv.IssueToken(testRoom)
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return srv, hs.URL, token
}

func TestOpenValidatesConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{BaseUrl: "http://localhost", Room: "short"})
	assert.ErrorIs(t, err, room.ErrLocalValidation)
	_, err = Open(context.Background(), Config{BaseUrl: "http://localhost", Room: testRoom, Table: 12})
	assert.ErrorIs(t, err, room.ErrLocalValidation)
	_, err = Open(context.Background(), Config{BaseUrl: "ftp://localhost", Room: testRoom})
	assert.Error(t, err)
}

func TestSessionFollowsServerAndEdits(t *testing.T) {
	srv, baseUrl, token := startServer(t)
	ctx := context.Background()
	s, err := Open(ctx, Config{BaseUrl: baseUrl, Room: testRoom, Token: token, Interval: 20 * time.Millisecond, Table: room.MainTable, Watch: true})
	require.NoError(t, err)
	defer s.Close()

	readyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Ready(readyCtx))
	r, ok := s.Room()
	require.True(t, ok)
	assert.Equal(t, testRoom, r.Name)
	assert.Equal(t, room.MainTable, s.SelectedTable())

	updates := make(chan events.ResourceEvent, 16)
	s.Subscribe("test", events.HookResourceUpdated, func(payload any) {
		select {
		case updates <- payload.(events.ResourceEvent):
		default:
		}
	})

	pending, err := s.Edits().CreatePiece(ctx, s.SelectedTable(), room.Piece{Layer: room.LayerToken, W: 2, H: 2})
	require.NoError(t, err)
	require.NoError(t, pending.Wait(ctx))
	assert.Equal(t, events.ResourceEvent{Path: room.TablePath(1), Phase: events.PhaseOptimistic}, <-updates)

	snapshot, ok := srv.Snapshot(testRoom)
	require.True(t, ok)
	require.Len(t, snapshot.Tables[1], 1)
	assert.Eventually(t, func() bool {
		e, _ := s.store.Get(room.TablePath(1))
		return e.Digest != ""
	}, 5*time.Second, 10*time.Millisecond, "polling picks the table up again")
	assert.Equal(t, snapshot.Tables[1], s.Table(1))
}

func TestSuspendAndResume(t *testing.T) {
	_, baseUrl, token := startServer(t)
	ctx := context.Background()
	s, err := Open(ctx, Config{BaseUrl: baseUrl, Room: testRoom, Token: token, Interval: time.Hour})
	require.NoError(t, err)
	defer s.Close()

	s.Suspend()
	assert.Equal(t, syncer.StateStopped, s.Loop().State())
	require.NoError(t, s.Resume(ctx))
	assert.NotEqual(t, syncer.StateStopped, s.Loop().State())
	assert.ErrorIs(t, s.Resume(ctx), syncer.ErrRunning)

	require.NoError(t, s.SelectTable(3))
	assert.Equal(t, 3, s.SelectedTable())
	assert.ErrorIs(t, s.SelectTable(-1), room.ErrLocalValidation)
}
