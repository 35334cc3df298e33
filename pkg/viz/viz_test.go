package viz

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/tablesync/pkg/room"
)

func TestDiff(t *testing.T) {
	a := room.Piece{ID: "a", Layer: room.LayerToken, W: 1, H: 1}
	b := room.Piece{ID: "b", Layer: room.LayerToken, W: 1, H: 1}
	movedA := a
	movedA.X = 64

	assert.Equal(t, Change{Added: 2}, Diff(nil, room.Table{a, b}))
	assert.Equal(t, Change{Removed: 1, Changed: 1}, Diff(room.Table{a, b}, room.Table{movedA}))
	assert.Equal(t, Change{}, Diff(room.Table{a}, room.Table{a}))
	assert.Equal(t, "+1 -0 ~2", Change{Added: 1, Changed: 2}.String())
}

func TestRenderRevisions(t *testing.T) {
	p := room.Piece{ID: "a", Layer: room.LayerToken, W: 1, H: 1}
	var buff bytes.Buffer
	require.NoError(t, RenderRevisions([]room.Table{{}, {p}}, &buff))
	assert.Contains(t, buff.String(), "<svg")
	assert.Contains(t, buff.String(), "(current)")
}
