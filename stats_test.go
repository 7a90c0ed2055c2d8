package torrent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountMarshalJSON(t *testing.T) {
	var c count
	c.Add(42)
	b, err := json.Marshal(&c)
	require.NoError(t, err)
	assert.Equal(t, "42", string(b))
}

// TestIncdecNeverOverCounts guards invariant I2's prose: increment the
// new slot only after decrementing the old one, in a single guarded
// step, so a concurrent snapshot never observes both slots incremented.
func TestIncdecNeverOverCounts(t *testing.T) {
	var agg AggregateCounters
	agg.Queued.Add(1)

	agg.incdec(StateQueued, StateConnecting)
	assert.EqualValues(t, 0, agg.Queued.Int64())
	assert.EqualValues(t, 1, agg.Connecting.Int64())
	assert.EqualValues(t, 1, agg.Sum())
}

func TestAggregateCountersSnapshot(t *testing.T) {
	var agg AggregateCounters
	agg.Live.Add(3)
	agg.Dead.Add(1)

	snap := agg.snapshot()
	assert.EqualValues(t, 3, snap.Live)
	assert.EqualValues(t, 1, snap.Dead)
	assert.EqualValues(t, 0, snap.NotNeeded)
}

func TestPeerCountersSnapshotIndependentOfSource(t *testing.T) {
	var c PeerCounters
	c.FetchedBytes.Add(10)
	snap := c.snapshot()
	c.FetchedBytes.Add(5)
	assert.EqualValues(t, 10, snap.FetchedBytes, "a snapshot must not move after later counter updates")
}
