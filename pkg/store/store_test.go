package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/tablesync/pkg/room"
)

func TestApplyFetchedUpdatesDataAndDigestTogether(t *testing.T) {
	s := New()
	path := room.TablePath(1)
	require.True(t, s.ApplyFetched(path, room.Table{{ID: "a"}}, "d1", 0))

	e, ok := s.Get(path)
	require.True(t, ok)
	assert.Equal(t, "d1", e.Digest)
	assert.Equal(t, room.Table{{ID: "a"}}, e.Data)
	assert.False(t, e.FetchedAt.IsZero())
	assert.Equal(t, room.Digests{path: "d1"}, s.Digests())
	assert.Equal(t, room.Table{{ID: "a"}}, s.Table(1))
	assert.Equal(t, room.Table{}, s.Table(2))
}

func TestApplyFetchedRefusesDirtyAndMovedEntries(t *testing.T) {
	s := New()
	path := room.TablePath(1)
	s.ApplyFetched(path, room.Table{}, "d1", 0)
	before, _ := s.Get(path)

	_, err := s.BeginEdit(path, func(current any) (any, error) {
		return current.(room.Table).Replace(room.Piece{ID: "x"}), nil
	})
	require.NoError(t, err)
	assert.False(t, s.ApplyFetched(path, room.Table{}, "d2", 0))

	s.AbortEdit(path)
	assert.False(t, s.ApplyFetched(path, room.Table{}, "d2", before.Seq), "sequence moved since the fetch started")

	current, _ := s.Get(path)
	assert.True(t, s.ApplyFetched(path, room.Table{}, "d2", current.Seq))
}

func TestEditLifecycle(t *testing.T) {
	s := New()
	path := room.TablePath(3)
	s.ApplyFetched(path, room.Table{{ID: "p1", W: 4}}, "d1", 0)

	e, err := s.BeginEdit(path, func(current any) (any, error) {
		return current.(room.Table).Replace(room.Piece{ID: "p1", W: 8}), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, e.Dirty)
	assert.Equal(t, "d1", e.Digest)
	assert.Equal(t, 8, s.Table(3)[0].W)

	e, err = s.ConfirmEdit(path, "", func(current any) (any, error) {
		return current.(room.Table).Replace(room.Piece{ID: "p1", W: 8, Z: 3}), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, e.Dirty)
	assert.Equal(t, "", e.Digest)
	assert.Equal(t, 3, s.Table(3)[0].Z)
}

func TestFailedMutationLeavesEntryUntouched(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	_, err := s.BeginEdit(room.SetupPath, func(any) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	_, ok := s.Get(room.SetupPath)
	assert.False(t, ok)
}

func TestEvict(t *testing.T) {
	s := New()
	s.ApplyFetched(room.TablePath(1), room.Table{}, "a", 0)
	s.ApplyFetched(room.TablePath(2), room.Table{}, "b", 0)
	s.MarkDirty(room.TablePath(2))
	seqs := s.Seqs()

	assert.True(t, s.Evict(room.TablePath(1), seqs[room.TablePath(1)]))
	assert.False(t, s.Evict(room.TablePath(2), seqs[room.TablePath(2)]))
	assert.False(t, s.Evict(room.TablePath(7), 0))
	assert.Equal(t, []string{room.TablePath(2)}, s.Paths())
}

func TestEvictRefusesEntriesChangedSinceListing(t *testing.T) {
	s := New()
	seqs := s.Seqs()
	assert.Empty(t, seqs)

	path := room.TablePath(3)
	_, err := s.BeginEdit(path, func(any) (any, error) { return room.Table{{ID: "tmp"}}, nil })
	require.NoError(t, err)
	_, err = s.ConfirmEdit(path, "", func(any) (any, error) { return room.Table{{ID: "p1"}}, nil })
	require.NoError(t, err)

	assert.False(t, s.Evict(path, seqs[path]), "created after the listing")
	assert.True(t, s.Evict(path, s.Seq(path)))
}

func TestAbortEditClearsDigest(t *testing.T) {
	s := New()
	path := room.TablePath(1)
	s.ApplyFetched(path, room.Table{{ID: "p1", W: 4}}, "d1", 0)
	_, err := s.BeginEdit(path, func(current any) (any, error) {
		return room.Table{{ID: "p1", W: 8}}, nil
	})
	require.NoError(t, err)

	e := s.AbortEdit(path)
	assert.Equal(t, 0, e.Dirty)
	assert.Equal(t, "", e.Digest, "rejected optimistic data must not look current")
	assert.Equal(t, room.Digests{path: ""}, s.Digests())
	assert.True(t, s.ApplyFetched(path, room.Table{{ID: "p1", W: 4}}, "d1", e.Seq))
	assert.Equal(t, 4, s.Table(1)[0].W)
}

func TestTypedAccessors(t *testing.T) {
	s := New()
	_, ok := s.Room()
	assert.False(t, ok)

	s.ApplyFetched(room.RoomPath, room.Room{Name: "testroom1", Library: []room.Asset{{ID: "a"}}}, "r", 0)
	s.ApplyFetched(room.SetupPath, room.Setup{GridWidth: 64, GridHeight: 64}, "s", 0)

	r, ok := s.Room()
	require.True(t, ok)
	r.Library[0].ID = "changed"
	again, _ := s.Room()
	assert.Equal(t, "a", again.Library[0].ID)

	setup, ok := s.Setup()
	require.True(t, ok)
	assert.Equal(t, 64, setup.GridWidth)
}

func TestApplyFetchedForAbsentEntryRefusedOnceCreated(t *testing.T) {
	s := New()
	path := room.TablePath(4)
	seq := s.Seq(path)
	assert.Zero(t, seq)

	_, err := s.BeginEdit(path, func(any) (any, error) { return room.Table{{ID: "new"}}, nil })
	require.NoError(t, err)
	s.AbortEdit(path)

	assert.False(t, s.ApplyFetched(path, room.Table{}, "stale", seq))
	assert.Equal(t, room.Table{{ID: "new"}}, s.Table(4))
}
