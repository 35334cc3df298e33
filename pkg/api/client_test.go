package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/tablesync/pkg/room"
)

const testRoom = "testroom1"

func serve(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	hs := httptest.NewServer(handler)
	t.Cleanup(hs.Close)
	c, err := NewClient(hs.URL, WithToken("abc"))
	require.NoError(t, err)
	return c
}

func TestNewClientRejectsScheme(t *testing.T) {
	_, err := NewClient("ftp://example.com")
	assert.Error(t, err)
	_, err = NewClient("://")
	assert.Error(t, err)
}

func TestUnreachable(t *testing.T) {
	hs := httptest.NewServer(http.NotFoundHandler())
	hs.Close()
	c, err := NewClient(hs.URL)
	require.NoError(t, err)
	_, err = c.GetDigests(context.Background(), testRoom)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, 0, StatusOf(err))
}

func TestUnexpectedStatusCarriesBody(t *testing.T) {
	c := serve(t, func(writer http.ResponseWriter, request *http.Request) {
		http.Error(writer, "boom", http.StatusInternalServerError)
	})
	_, err := c.GetRoom(context.Background(), testRoom)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Equal(t, http.StatusInternalServerError, StatusOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestMalformedPayloadIsRejected(t *testing.T) {
	c := serve(t, func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte(`[{"id":"a","layer":"nope","w":1,"h":1}]`))
	})
	_, err := c.GetTable(context.Background(), testRoom, room.MainTable)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.ErrorIs(t, err, room.ErrLocalValidation)
	assert.Equal(t, http.StatusOK, StatusOf(err))
	var se *UnexpectedStatusError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, string(se.Body), `"layer":"nope"`)

	_, err = c.GetDigests(context.Background(), testRoom)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestFetchCarriesDigestAndToken(t *testing.T) {
	c := serve(t, func(writer http.ResponseWriter, request *http.Request) {
		assert.Equal(t, "Bearer abc", request.Header.Get("Authorization"))
		assert.Equal(t, "/rooms/testroom1/tables/1/", request.URL.Path)
		writer.Header().Set(DigestHeader, "xxh64:0000000000000001")
		_, _ = writer.Write([]byte(`null`))
	})
	fetched, err := c.GetTable(context.Background(), testRoom, room.MainTable)
	require.NoError(t, err)
	assert.Equal(t, "xxh64:0000000000000001", fetched.Digest)
	assert.NotNil(t, fetched.Value)
	assert.Empty(t, fetched.Value)
}

func TestUndoWithoutContentRefetches(t *testing.T) {
	c := serve(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.Method == http.MethodPost {
			writer.WriteHeader(http.StatusNoContent)
			return
		}
		writer.Header().Set(DigestHeader, "xxh64:0000000000000002")
		_, _ = writer.Write([]byte(`[{"id":"a","layer":"token","w":1,"h":1}]`))
	})
	fetched, err := c.PostUndo(context.Background(), testRoom, room.MainTable)
	require.NoError(t, err)
	assert.Equal(t, "xxh64:0000000000000002", fetched.Digest)
	assert.Len(t, fetched.Value, 1)
}

func TestLocalValidationNeverSends(t *testing.T) {
	var calls atomic.Int32
	c := serve(t, func(writer http.ResponseWriter, request *http.Request) {
		calls.Add(1)
	})
	ctx := context.Background()
	_, err := c.PostPiece(ctx, testRoom, room.MainTable, room.Piece{Layer: room.LayerToken})
	assert.ErrorIs(t, err, room.ErrLocalValidation)
	_, err = c.PatchPiece(ctx, testRoom, room.MainTable, room.PiecePatch{})
	assert.ErrorIs(t, err, room.ErrLocalValidation)
	_, err = c.CreateRoom(ctx, CreateRoomArgs{Name: "x"})
	assert.True(t, errors.Is(err, room.ErrLocalValidation))
	assert.Equal(t, int32(0), calls.Load())
}

func TestPiecesResponseCountMustMatch(t *testing.T) {
	c := serve(t, func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusCreated)
		_, _ = writer.Write([]byte(`[{"id":"a","layer":"token","w":1,"h":1}]`))
	})
	p := room.Piece{Layer: room.LayerToken, W: 1, H: 1}
	_, err := c.PostPieces(context.Background(), testRoom, room.MainTable, []room.Piece{p, p})
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}
