package server

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/tablesync/pkg/api"
	"github.com/astromechza/tablesync/pkg/room"
)

const testRoom = "testroom1"

func setup(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return s, hs
}

func client(t *testing.T, hs *httptest.Server, options ...api.Option) *api.Client {
	t.Helper()
	c, err := api.NewClient(hs.URL, options...)
	require.NoError(t, err)
	return c
}

func TestDigestsMatchResourceHeaders(t *testing.T) {
	_, hs := setup(t, Config{})
	c := client(t, hs)
	ctx := context.Background()
	_, err := c.CreateRoom(ctx, api.CreateRoomArgs{Name: testRoom})
	require.NoError(t, err)

	digests, err := c.GetDigests(ctx, testRoom)
	require.NoError(t, err)
	assert.Len(t, digests, 2, "empty tables are not listed")

	r, err := c.GetRoom(ctx, testRoom)
	require.NoError(t, err)
	assert.Equal(t, digests[room.RoomPath], r.Digest)
	assert.True(t, strings.HasPrefix(r.Digest, "xxh64:"))

	setupValue, err := c.GetSetup(ctx, testRoom)
	require.NoError(t, err)
	assert.Equal(t, digests[room.SetupPath], setupValue.Digest)
	assert.Equal(t, 64, setupValue.Value.GridWidth)

	_, err = c.PostPiece(ctx, testRoom, 1, room.Piece{Layer: room.LayerToken, W: 1, H: 1})
	require.NoError(t, err)
	tbl, err := c.GetTable(ctx, testRoom, 1)
	require.NoError(t, err)
	again, err := c.GetDigests(ctx, testRoom)
	require.NoError(t, err)
	assert.Equal(t, again[room.TablePath(1)], tbl.Digest)
	assert.Equal(t, digests[room.SetupPath], again[room.SetupPath], "table changes leave setup alone")
}

func TestSetupPatchLeavesTablesAlone(t *testing.T) {
	_, hs := setup(t, Config{})
	c := client(t, hs)
	ctx := context.Background()
	_, err := c.CreateRoom(ctx, api.CreateRoomArgs{Name: testRoom})
	require.NoError(t, err)
	_, err = c.PostPiece(ctx, testRoom, 1, room.Piece{Layer: room.LayerTile, W: 2, H: 2})
	require.NoError(t, err)
	before, err := c.GetDigests(ctx, testRoom)
	require.NoError(t, err)

	out, err := c.PatchSetup(ctx, testRoom, room.SetupPatch{GridWidth: room.Ptr(32)})
	require.NoError(t, err)
	assert.Equal(t, 32, out.Value.GridWidth)

	after, err := c.GetDigests(ctx, testRoom)
	require.NoError(t, err)
	assert.Equal(t, before[room.TablePath(1)], after[room.TablePath(1)])
	assert.NotEqual(t, before[room.SetupPath], after[room.SetupPath])
	assert.Equal(t, after[room.SetupPath], out.Digest)
}

func TestPiecesGetServerComputedFields(t *testing.T) {
	_, hs := setup(t, Config{})
	c := client(t, hs)
	ctx := context.Background()
	_, err := c.CreateRoom(ctx, api.CreateRoomArgs{Name: testRoom})
	require.NoError(t, err)

	created, err := c.PostPieces(ctx, testRoom, 1, []room.Piece{
		{Layer: room.LayerToken, W: 1, H: 1, Z: 99},
		{Layer: room.LayerToken, W: 1, H: 1},
		{Layer: room.LayerTile, W: 1, H: 1},
	})
	require.NoError(t, err)
	require.Len(t, created, 3)
	assert.NotEmpty(t, created[0].ID)
	assert.NotEqual(t, created[0].ID, created[1].ID)
	assert.Equal(t, []int{1, 2, 1}, []int{created[0].Z, created[1].Z, created[2].Z})

	moved, err := c.PatchPiece(ctx, testRoom, 1, room.PiecePatch{ID: created[2].ID, Layer: room.Ptr(room.LayerToken)})
	require.NoError(t, err)
	assert.Equal(t, 3, moved.Z, "changing layer puts the piece on top")

	replaced := created[0]
	replaced.Text, replaced.W = "goblin", 2
	out, err := c.PutPiece(ctx, testRoom, 1, replaced)
	require.NoError(t, err)
	assert.Equal(t, replaced, out)
	fetched, err := c.GetTable(ctx, testRoom, 1)
	require.NoError(t, err)
	found, _ := fetched.Value.Find(replaced.ID)
	assert.Equal(t, replaced, found)

	_, err = c.PutPiece(ctx, testRoom, 1, room.Piece{ID: "missing", Layer: room.LayerToken, W: 1, H: 1})
	assert.Equal(t, http.StatusNotFound, api.StatusOf(err))
}

func TestBatchesAreAtomic(t *testing.T) {
	_, hs := setup(t, Config{})
	c := client(t, hs)
	ctx := context.Background()
	_, err := c.CreateRoom(ctx, api.CreateRoomArgs{Name: testRoom})
	require.NoError(t, err)
	p, err := c.PostPiece(ctx, testRoom, 2, room.Piece{Layer: room.LayerNote, W: 4, H: 4})
	require.NoError(t, err)
	before, err := c.GetTable(ctx, testRoom, 2)
	require.NoError(t, err)

	_, err = c.PatchPieces(ctx, testRoom, 2, []room.PiecePatch{
		{ID: p.ID, W: room.Ptr(8)},
		{ID: "missing", W: room.Ptr(8)},
	})
	assert.ErrorIs(t, err, api.ErrUnexpectedStatus)
	assert.Equal(t, http.StatusNotFound, api.StatusOf(err))

	err = c.DeletePieces(ctx, testRoom, 2, []string{p.ID, "missing"})
	assert.Equal(t, http.StatusNotFound, api.StatusOf(err))

	after, err := c.GetTable(ctx, testRoom, 2)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUndoRevertsTable(t *testing.T) {
	_, hs := setup(t, Config{HistoryLimit: 2})
	c := client(t, hs)
	ctx := context.Background()
	_, err := c.CreateRoom(ctx, api.CreateRoomArgs{Name: testRoom})
	require.NoError(t, err)

	_, err = c.PostUndo(ctx, testRoom, 1)
	assert.Equal(t, http.StatusConflict, api.StatusOf(err))

	for i := 1; i <= 3; i++ {
		_, err = c.PostPiece(ctx, testRoom, 1, room.Piece{Layer: room.LayerToken, W: i, H: 1})
		require.NoError(t, err)
	}
	reverted, err := c.PostUndo(ctx, testRoom, 1)
	require.NoError(t, err)
	assert.Len(t, reverted.Value, 2)
	digests, err := c.GetDigests(ctx, testRoom)
	require.NoError(t, err)
	assert.Equal(t, digests[room.TablePath(1)], reverted.Digest)

	_, err = c.PostUndo(ctx, testRoom, 1)
	require.NoError(t, err)
	_, err = c.PostUndo(ctx, testRoom, 1)
	assert.Equal(t, http.StatusConflict, api.StatusOf(err), "history is bounded")
}

func TestEmptiedTableLeavesDigests(t *testing.T) {
	_, hs := setup(t, Config{})
	c := client(t, hs)
	ctx := context.Background()
	_, err := c.CreateRoom(ctx, api.CreateRoomArgs{Name: testRoom})
	require.NoError(t, err)
	p, err := c.PostPiece(ctx, testRoom, 3, room.Piece{Layer: room.LayerOther, W: 1, H: 1})
	require.NoError(t, err)
	digests, _ := c.GetDigests(ctx, testRoom)
	assert.Contains(t, digests, room.TablePath(3))

	require.NoError(t, c.DeletePiece(ctx, testRoom, 3, p.ID))
	digests, _ = c.GetDigests(ctx, testRoom)
	assert.NotContains(t, digests, room.TablePath(3))
}

func TestRoomLifecycle(t *testing.T) {
	srv, hs := setup(t, Config{})
	c := client(t, hs)
	ctx := context.Background()
	_, err := c.CreateRoom(ctx, api.CreateRoomArgs{Name: testRoom})
	require.NoError(t, err)
	_, err = c.CreateRoom(ctx, api.CreateRoomArgs{Name: testRoom})
	assert.Equal(t, http.StatusConflict, api.StatusOf(err))
	assert.Equal(t, []string{testRoom}, srv.Rooms())

	require.NoError(t, c.DeleteRoom(ctx, testRoom))
	assert.Empty(t, srv.Rooms())
	_, err = c.GetDigests(ctx, testRoom)
	assert.Equal(t, http.StatusNotFound, api.StatusOf(err))
}

func TestTokensAreScopedToRooms(t *testing.T) {
	_, hs := setup(t, Config{Secret: []byte("secret")})
	ctx := context.Background()
	created, err := client(t, hs).CreateRoom(ctx, api.CreateRoomArgs{Name: testRoom})
	require.NoError(t, err)
	require.NotEmpty(t, created.Token)
	other, err := client(t, hs).CreateRoom(ctx, api.CreateRoomArgs{Name: "otherroom1"})
	require.NoError(t, err)

	_, err = client(t, hs).GetDigests(ctx, testRoom)
	assert.Equal(t, http.StatusUnauthorized, api.StatusOf(err))
	_, err = client(t, hs, api.WithToken("garbage")).GetDigests(ctx, testRoom)
	assert.Equal(t, http.StatusUnauthorized, api.StatusOf(err))
	_, err = client(t, hs, api.WithToken(other.Token)).GetDigests(ctx, testRoom)
	assert.Equal(t, http.StatusForbidden, api.StatusOf(err))
	_, err = client(t, hs, api.WithToken(created.Token)).GetDigests(ctx, testRoom)
	assert.NoError(t, err)
}

func TestWatchPushesDigestsOnChange(t *testing.T) {
	_, hs := setup(t, Config{})
	c := client(t, hs)
	ctx := context.Background()
	_, err := c.CreateRoom(ctx, api.CreateRoomArgs{Name: testRoom})
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http")+"/rooms/"+testRoom+"/digest/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first room.Digests
	require.NoError(t, conn.ReadJSON(&first))
	assert.NotContains(t, first, room.TablePath(1))

	_, err = c.PostPiece(ctx, testRoom, 1, room.Piece{Layer: room.LayerToken, W: 1, H: 1})
	require.NoError(t, err)
	var second room.Digests
	require.NoError(t, conn.ReadJSON(&second))
	assert.Contains(t, second, room.TablePath(1))
}

func TestBackupAndReload(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "rooms.sqlite3"))
	require.NoError(t, err)
	defer db.Close()

	s := New(Config{})
	require.NoError(t, s.Open(ctx, db))
	_, err = s.CreateRoom(testRoom, 0, 0, room.Template{})
	require.NoError(t, err)
	hs := httptest.NewServer(s.Handler())
	defer hs.Close()
	_, err = client(t, hs).PostPiece(ctx, testRoom, 1, room.Piece{Layer: room.LayerToken, W: 1, H: 1})
	require.NoError(t, err)

	n, err := s.Backup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.Backup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "unchanged rooms are not rewritten")

	reloaded := New(Config{})
	require.NoError(t, reloaded.Open(ctx, db))
	snapshot, ok := reloaded.Snapshot(testRoom)
	require.True(t, ok)
	assert.Len(t, snapshot.Tables[1], 1)
	assert.Len(t, snapshot.Revisions(1), 2)

	stored, err := LoadSnapshot(ctx, db, testRoom)
	require.NoError(t, err)
	assert.Equal(t, snapshot.Tables[1], stored.Tables[1])
}
