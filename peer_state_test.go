package torrent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerRecordLifecycle(t *testing.T) {
	var agg AggregateCounters
	rec := newPeerRecord("1.2.3.4:6881")
	agg.Queued.Add(1)
	assert.Equal(t, StateQueued, rec.State())

	tx, ok := rec.becomeConnecting(&agg)
	require.True(t, ok)
	require.NotNil(t, tx)
	assert.Equal(t, StateConnecting, rec.State())
	assert.EqualValues(t, 0, agg.Queued.Int64())
	assert.EqualValues(t, 1, agg.Connecting.Int64())

	live, ok := rec.becomeLive(&agg, [20]byte{1}, tx, 4)
	require.True(t, ok)
	require.NotNil(t, live)
	assert.Equal(t, StateLive, rec.State())
	assert.EqualValues(t, 0, agg.Connecting.Int64())
	assert.EqualValues(t, 1, agg.Live.Int64())
	assert.True(t, live.IChoked, "a freshly live peer starts choked until the first Unchoke")

	rec.becomeDead(&agg)
	assert.Equal(t, StateDead, rec.State())
	assert.Nil(t, rec.Live())
	assert.EqualValues(t, 0, agg.Live.Int64())
	assert.EqualValues(t, 1, agg.Dead.Int64())
}

func TestBecomeConnectingFailsUnlessQueued(t *testing.T) {
	var agg AggregateCounters
	rec := newPeerRecord("addr")
	rec.setState(&agg, StateLive)

	tx, ok := rec.becomeConnecting(&agg)
	assert.False(t, ok)
	assert.Nil(t, tx)
}

func TestBecomeLiveFailsUnlessConnecting(t *testing.T) {
	var agg AggregateCounters
	rec := newPeerRecord("addr")

	live, ok := rec.becomeLive(&agg, [20]byte{}, newPeerTx(), 1)
	assert.False(t, ok)
	assert.Nil(t, live)
}

func TestRequestSemaphoreStartsAtZero(t *testing.T) {
	sem := newRequestSemaphore()
	assert.False(t, sem.TryAcquire(1), "a fresh per-peer request semaphore must grant no permits until Unchoke/Piece release some")
	sem.Release(16)
	assert.True(t, sem.TryAcquire(16))
}

func TestResetBackoffRestartsInterval(t *testing.T) {
	rec := newPeerRecord("addr")
	_ = rec.backoff.NextBackOff()
	grown := rec.backoff.NextBackOff()
	assert.Greater(t, grown, rec.backoff.InitialInterval, "backoff should have grown past its initial interval after two calls")

	rec.resetBackoff()
	afterReset := rec.backoff.NextBackOff()
	assert.Less(t, afterReset, grown, "resetting backoff should drop it back near the initial interval")
}
