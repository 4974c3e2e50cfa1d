package peerstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectory(t *testing.T) {
	t.Run("keeps the latest state per peer", func(t *testing.T) {
		d := NewDirectory(time.Minute, time.Minute)

		first := PeerState{ID: "a", Pose: Identity()}
		second := first
		second.Pose[0] = 7

		d.Record(first)
		d.Record(second)

		got, ok := d.Lookup("a")
		require.True(t, ok)
		assert.Equal(t, second, got)
		assert.Equal(t, 1, d.Len())
	})

	t.Run("snapshot is ordered by id", func(t *testing.T) {
		d := NewDirectory(time.Minute, time.Minute)
		for _, id := range []string{"c", "a", "b"} {
			d.Record(PeerState{ID: id})
		}

		var ids []string
		for _, s := range d.Snapshot() {
			ids = append(ids, s.ID)
		}

		assert.Equal(t, []string{"a", "b", "c"}, ids)
	})

	t.Run("expired peers disappear", func(t *testing.T) {
		d := NewDirectory(20*time.Millisecond, time.Minute)
		d.Record(PeerState{ID: "gone"})

		require.Equal(t, 1, d.Len())
		require.Eventually(t, func() bool { return d.Len() == 0 }, time.Second, 5*time.Millisecond)

		_, ok := d.Lookup("gone")
		assert.False(t, ok)
		assert.Empty(t, d.Snapshot())
	})

	t.Run("forget removes a peer", func(t *testing.T) {
		d := NewDirectory(0, 0)
		d.Record(PeerState{ID: "x"})
		d.Forget("x")

		assert.Zero(t, d.Len())
	})
}
