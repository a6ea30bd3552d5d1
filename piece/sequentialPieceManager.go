package piece

import (
	"bytes"
	"crypto/sha1"
	"math"
	"sync"
	"time"

	"github.com/Torwalt/rusty-bittorrent-client/storage"
	"github.com/Torwalt/rusty-bittorrent-client/torrent"
	"github.com/Torwalt/rusty-bittorrent-client/wire"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	log "github.com/sirupsen/logrus"
)

type sequential struct {
	sync.Mutex
	clientBitField bitmap.Bitmap
	tor            *torrent.Torrent
	storage        storage.Storage
	peerToPiece    map[string]int
	pieceInfo      []*pieceInfo
	downloaded     int
	done           chan struct{}
	err            error
}

type pieceInfo struct {
	downloaded  bool
	downloading bool
	lastRequest time.Time
	blocks      []*blockInfo
	availabilty int
	peers       mapset.Set
	failures    int
}

type blockInfo struct {
	downloaded  bool
	downloading bool
	requestedAt time.Time
	data        []byte
}

// NewSequentialPieceManager schedules unclaimed pieces lowest index first,
// which keeps piece selection deterministic.
func NewSequentialPieceManager(
	tor *torrent.Torrent,
	storage storage.Storage,
	clientBitField bitmap.Bitmap) PieceManager {

	return newSequential(tor, storage, clientBitField)
}

func newSequential(
	tor *torrent.Torrent,
	storage storage.Storage,
	clientBitField bitmap.Bitmap) *sequential {

	pm := &sequential{
		clientBitField: clientBitField,
		tor:            tor,
		storage:        storage,
		peerToPiece:    make(map[string]int),
		done:           make(chan struct{}),
	}

	pis := make([]*pieceInfo, 0)
	for i := 0; i < pm.tor.NumPieces; i++ {
		pi := &pieceInfo{}
		numBlocks := int(math.Ceil(float64(tor.PieceLength(i)) / float64(BLOCK_SIZE)))
		pi.blocks = make([]*blockInfo, 0, numBlocks)
		for j := 0; j < numBlocks; j++ {
			pi.blocks = append(pi.blocks, &blockInfo{})
		}
		pi.peers = mapset.NewSet()
		pis = append(pis, pi)
		if clientBitField.Get(i) {
			pi.downloaded = true
			pm.downloaded++
		}
	}
	pm.pieceInfo = pis
	if pm.downloaded == pm.tor.NumPieces {
		close(pm.done)
	}

	return pm
}

func (pm *sequential) Done() <-chan struct{} {
	return pm.done
}

func (pm *sequential) Err() error {
	pm.Lock()
	defer pm.Unlock()

	return pm.err
}

func (pm *sequential) GetPiecesDownloaded() int {
	pm.Lock()
	defer pm.Unlock()

	return pm.downloaded
}

func (pm *sequential) GetBitField() []byte {
	pm.Lock()
	defer pm.Unlock()

	return pm.clientBitField.Data(true)
}

func (pm *sequential) blockLength(pieceIndex, blockIndex int) int {
	pieceLength := pm.tor.PieceLength(pieceIndex)
	if begin := blockIndex * BLOCK_SIZE; begin+BLOCK_SIZE > pieceLength {
		return pieceLength - begin
	}
	return BLOCK_SIZE
}

// releaseClaim reverts a peer's claimed piece to unclaimed, discarding its
// in-flight requests but keeping blocks already received.
func (pm *sequential) releaseClaim(id string) {
	if pieceIndex, ok := pm.peerToPiece[id]; ok {
		pm.pieceInfo[pieceIndex].downloading = false
		for _, block := range pm.pieceInfo[pieceIndex].blocks {
			block.downloading = false
		}
		delete(pm.peerToPiece, id)
	}
}

func (pm *sequential) PeerChoked(id string) {
	pm.Lock()
	defer pm.Unlock()

	pm.releaseClaim(id)
}

func (pm *sequential) PeerStopped(id string, peerBitfield *bitmap.Threadsafe) {
	pm.Lock()
	defer pm.Unlock()

	// Update piece availabilities
	if peerBitfield != nil {
		for pieceIndex := 0; pieceIndex < pm.tor.NumPieces; pieceIndex++ {
			if peerBitfield.Get(pieceIndex) {
				pm.pieceInfo[pieceIndex].availabilty--
			}
		}
	}
	pm.releaseClaim(id)
}

func (pm *sequential) PieceHave(id string, pieceIndex int) {
	pm.Lock()
	defer pm.Unlock()

	if pieceIndex < 0 || pieceIndex >= pm.tor.NumPieces {
		return
	}
	pm.pieceInfo[pieceIndex].availabilty++
}

// WriteBlock records a downloaded block. Duplicate, out-of-range and
// wrongly-sized blocks are dropped without mutating state, so a stale
// response from a slow peer cannot corrupt a reassigned piece. When the
// block completes its piece the piece is verified and either written out or
// recycled into the unclaimed pool.
func (pm *sequential) WriteBlock(id string, pieceIndex, blockByteOffset int, data []byte) (bool, mapset.Set, error) {
	pm.Lock()
	defer pm.Unlock()

	if pieceIndex < 0 || pieceIndex >= pm.tor.NumPieces {
		log.WithFields(log.Fields{"peer": id, "piece": pieceIndex}).Debug("block for unknown piece dropped")
		return false, nil, nil
	}
	pi := pm.pieceInfo[pieceIndex]
	if pi.downloaded {
		// stale response for a finished piece
		return false, nil, nil
	}
	if blockByteOffset < 0 || blockByteOffset%BLOCK_SIZE != 0 {
		log.WithFields(log.Fields{"peer": id, "piece": pieceIndex, "offset": blockByteOffset}).Debug("misaligned block dropped")
		return false, nil, nil
	}
	blockIndex := blockByteOffset / BLOCK_SIZE
	if blockIndex >= len(pi.blocks) {
		log.WithFields(log.Fields{"peer": id, "piece": pieceIndex, "offset": blockByteOffset}).Debug("out of range block dropped")
		return false, nil, nil
	}
	block := pi.blocks[blockIndex]
	if block.downloaded {
		// duplicate, idempotent
		return false, nil, nil
	}
	if len(data) != pm.blockLength(pieceIndex, blockIndex) {
		log.WithFields(log.Fields{"peer": id, "piece": pieceIndex, "offset": blockByteOffset, "len": len(data)}).Debug("wrongly sized block dropped")
		return false, nil, nil
	}

	block.downloaded = true
	block.downloading = false
	block.data = data
	pi.peers.Add(id)
	pi.lastRequest = time.Now()

	for _, b := range pi.blocks {
		if !b.downloaded {
			return false, nil, nil
		}
	}

	// Piece complete, verify checksum before anything reaches storage
	piece := &bytes.Buffer{}
	for _, b := range pi.blocks {
		piece.Write(b.data)
	}
	pieceData := piece.Bytes()
	actualChecksum := sha1.Sum(pieceData)
	if !bytes.Equal(pm.tor.PieceHash(pieceIndex), actualChecksum[:]) {
		return false, pm.recyclePiece(pieceIndex), nil
	}

	if err := pm.storage.WritePieceRequest(pieceIndex, pieceData); err != nil {
		if pm.err == nil {
			pm.err = err
			close(pm.done)
		}
		return false, nil, err
	}

	pi.downloaded = true
	pi.downloading = false
	for _, b := range pi.blocks {
		b.data = nil
	}
	for peerID, claimed := range pm.peerToPiece {
		if claimed == pieceIndex {
			delete(pm.peerToPiece, peerID)
		}
	}
	pm.clientBitField.Set(pieceIndex, true)
	pm.downloaded++
	if pm.downloaded == pm.tor.NumPieces {
		close(pm.done)
	}
	return true, nil, nil
}

// recyclePiece discards a corrupt piece's buffers and returns every block to
// the unclaimed pool. The contributor set is returned once the piece has
// failed often enough to suspect the peers that fed it.
func (pm *sequential) recyclePiece(pieceIndex int) mapset.Set {
	pi := pm.pieceInfo[pieceIndex]
	pi.failures++
	log.WithFields(log.Fields{
		"piece":    pieceIndex,
		"failures": pi.failures,
		"peers":    pi.peers.String(),
	}).Warn("piece failed checksum, recycling")

	for _, b := range pi.blocks {
		b.downloaded = false
		b.downloading = false
		b.data = nil
	}
	pi.downloading = false
	for peerID, claimed := range pm.peerToPiece {
		if claimed == pieceIndex {
			delete(pm.peerToPiece, peerID)
		}
	}

	contributors := pi.peers
	pi.peers = mapset.NewSet()
	if pi.failures >= MAX_PIECE_FAILURES {
		pi.failures = 0
		return contributors
	}
	return nil
}

// stale reports whether a claimed piece has gone quiet long enough for its
// claim to be handed to another peer.
func (pm *sequential) stale(pi *pieceInfo) bool {
	return pi.downloading && time.Since(pi.lastRequest) > REQUEST_TIMEOUT
}

func (pm *sequential) claimablePieces(peerBitfield *bitmap.Threadsafe) []int {
	pieces := make([]int, 0)
	for pieceIndex := 0; pieceIndex < pm.tor.NumPieces; pieceIndex++ {
		if peerBitfield.Get(pieceIndex) && !pm.clientBitField.Get(pieceIndex) {
			pi := pm.pieceInfo[pieceIndex]
			if !pi.downloaded && (!pi.downloading || pm.stale(pi)) {
				pieces = append(pieces, pieceIndex)
			}
		}
	}
	return pieces
}

// claim assigns the piece to the peer, evicting a stale previous claimant.
func (pm *sequential) claim(id string, pieceIndex int) {
	for peerID, claimed := range pm.peerToPiece {
		if claimed == pieceIndex {
			delete(pm.peerToPiece, peerID)
		}
	}
	pi := pm.pieceInfo[pieceIndex]
	for _, block := range pi.blocks {
		if !block.downloaded {
			block.downloading = false
		}
	}
	pm.peerToPiece[id] = pieceIndex
	pi.downloading = true
	pi.lastRequest = time.Now()
}

type blockRequest struct {
	pieceIndex int
	begin      int
	length     int
}

// planBlocks marks up to budget blocks of the piece as in flight and returns
// the requests to send. Sending happens outside the lock; a failed send
// degrades to a disconnect, which reverts the claims.
func (pm *sequential) planBlocks(pieceIndex, budget int) []blockRequest {
	pi := pm.pieceInfo[pieceIndex]
	reqs := make([]blockRequest, 0, budget)
	for blockIndex, block := range pi.blocks {
		lost := block.downloading && time.Since(block.requestedAt) > REQUEST_TIMEOUT
		if !block.downloaded && (!block.downloading || lost) {
			block.downloading = true
			block.requestedAt = time.Now()
			pi.lastRequest = time.Now()
			reqs = append(reqs, blockRequest{
				pieceIndex: pieceIndex,
				begin:      blockIndex * BLOCK_SIZE,
				length:     pm.blockLength(pieceIndex, blockIndex),
			})
			budget--
			if budget == 0 {
				break
			}
		}
	}
	return reqs
}

func sendRequests(wire wire.Wire, reqs []blockRequest) error {
	for _, r := range reqs {
		if err := wire.SendRequest(r.pieceIndex, r.begin, r.length); err != nil {
			return err
		}
	}
	return nil
}

func (pm *sequential) SendBlockRequests(id string, wire wire.Wire, peerBitfield *bitmap.Threadsafe) error {
	pm.Lock()

	var pieceIndex int
	var blocks int

	if pi, ok := pm.peerToPiece[id]; ok && !pm.pieceInfo[pi].downloaded {
		// The peer already claimed a piece, keep its pipeline full
		pieceIndex = pi
		blocks = 1
	} else {
		pieces := pm.claimablePieces(peerBitfield)
		if len(pieces) == 0 {
			pm.Unlock()
			return wire.SendUnInterested()
		}
		// Lowest index first, deterministic
		pieceIndex = pieces[0]
		blocks = MAX_OUTSTANDING_REQUESTS
		pm.claim(id, pieceIndex)
	}

	reqs := pm.planBlocks(pieceIndex, blocks)
	pm.Unlock()

	return sendRequests(wire, reqs)
}
