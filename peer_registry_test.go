package torrent

import (
	"testing"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddIfNotSeenOnlyOnce(t *testing.T) {
	r := newPeerRegistry(log.Default)
	assert.True(t, r.AddIfNotSeen("1.1.1.1:1"))
	assert.False(t, r.AddIfNotSeen("1.1.1.1:1"))
	assert.Equal(t, 1, r.Len())
}

// TestAggregateCountersMatchRegistrySize checks P3: sum(aggregate state
// counters) == |peer_registry| after a batch of transitions settles.
func TestAggregateCountersMatchRegistrySize(t *testing.T) {
	r := newPeerRegistry(log.Default)
	addrs := []string{"a:1", "b:1", "c:1", "d:1"}
	for _, a := range addrs {
		require.True(t, r.AddIfNotSeen(a))
	}

	tx, ok := r.MarkPeerConnecting("a:1")
	require.True(t, ok)
	require.NotNil(t, tx)

	r.WithPeerMut("b:1", "t", func(rec *PeerRecord) {
		_, ok := rec.becomeConnecting(&r.agg)
		require.True(t, ok)
	})
	r.MarkPeerNotNeeded("c:1")

	assert.Equal(t, int64(r.Len()), r.agg.Sum())
}

func TestDropPeerDecrementsAggregate(t *testing.T) {
	r := newPeerRegistry(log.Default)
	r.AddIfNotSeen("x:1")
	require.EqualValues(t, 1, r.agg.Queued.Int64())

	r.DropPeer("x:1")
	assert.EqualValues(t, 0, r.agg.Queued.Int64())
	assert.Equal(t, 0, r.Len())
}

func TestForEachLiveOnlyVisitsLivePeers(t *testing.T) {
	r := newPeerRegistry(log.Default)
	r.AddIfNotSeen("live:1")
	r.AddIfNotSeen("queued:1")

	tx, ok := r.MarkPeerConnecting("live:1")
	require.True(t, ok)
	r.WithPeerMut("live:1", "t", func(rec *PeerRecord) {
		_, ok := rec.becomeLive(&r.agg, [20]byte{}, tx, 1)
		require.True(t, ok)
	})

	var seen []string
	r.ForEachLive(func(addr string, rec *PeerRecord, live *LiveState) {
		seen = append(seen, addr)
	})
	assert.Equal(t, []string{"live:1"}, seen)
}

func TestWithPeerMutReturnsFalseForUnknownAddr(t *testing.T) {
	r := newPeerRegistry(log.Default)
	called := false
	found := r.WithPeerMut("nope", "t", func(rec *PeerRecord) { called = true })
	assert.False(t, found)
	assert.False(t, called)
}
