package torrent

import (
	"github.com/anacrolix/missinggo/v2/bitmap"

	pp "github.com/brinkbit/torrent/peerprotocol"
)

func bitIndex(p uint32) bitmap.BitIndex { return bitmap.BitIndex(p) }

func haveMessage(p uint32) pp.Message {
	return pp.Message{ID: pp.Have, Index: p}
}

// disconnectSentinel is sent immediately before tx.Close() when the
// engine decides to drop a peer that already has the full torrent
// (spec.md §4.6, §8 scenario 5). There is no wire-level "Disconnect"
// message in the BitTorrent protocol; closing the connection *is* the
// disconnect. NotInterested is sent as the last courteous message: the
// writer flushes it, then closes the connection, and the manager's next
// read fails and tears the peer down.
func disconnectSentinel() pp.Message {
	return pp.Message{ID: pp.NotInterested}
}
