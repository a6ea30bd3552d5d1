package piece

import (
	"sort"

	"github.com/Torwalt/rusty-bittorrent-client/storage"
	"github.com/Torwalt/rusty-bittorrent-client/torrent"
	"github.com/Torwalt/rusty-bittorrent-client/wire"
	bitmap "github.com/boljen/go-bitmap"
)

type rarestFirst struct {
	*sequential
}

// NewRarestFirstPieceManager prefers pieces advertised by the fewest peers,
// trading the sequential manager's determinism for swarm health.
func NewRarestFirstPieceManager(
	tor *torrent.Torrent,
	storage storage.Storage,
	clientBitField bitmap.Bitmap) PieceManager {

	return &rarestFirst{
		sequential: newSequential(tor, storage, clientBitField),
	}
}

func (pm *rarestFirst) SendBlockRequests(id string, wire wire.Wire, peerBitfield *bitmap.Threadsafe) error {
	pm.Lock()

	var pieceIndex int
	var blocks int

	if pi, ok := pm.peerToPiece[id]; ok && !pm.pieceInfo[pi].downloaded {
		pieceIndex = pi
		blocks = 1
	} else {
		pieces := pm.claimablePieces(peerBitfield)
		if len(pieces) == 0 {
			pm.Unlock()
			return wire.SendUnInterested()
		}
		// sort them by rarity
		sort.Slice(pieces, func(i, j int) bool {
			p1, p2 := pieces[i], pieces[j]
			return pm.pieceInfo[p1].availabilty < pm.pieceInfo[p2].availabilty
		})
		pieceIndex = pieces[0]
		blocks = MAX_OUTSTANDING_REQUESTS
		pm.claim(id, pieceIndex)
	}

	reqs := pm.planBlocks(pieceIndex, blocks)
	pm.Unlock()

	return sendRequests(wire, reqs)
}
