package piece

import (
	"time"

	"github.com/Torwalt/rusty-bittorrent-client/wire"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
)

var (
	MAX_OUTSTANDING_REQUESTS = 5
	BLOCK_SIZE               = 16384 // 2^14

	// A claimed block with no data after this long is treated as lost and
	// becomes claimable again without waiting for a disconnect.
	REQUEST_TIMEOUT = 30 * time.Second

	// After this many checksum failures of one piece its contributors are
	// banned. Earlier failures only log a warning and recycle the piece.
	MAX_PIECE_FAILURES = 5
)

// PieceManager is the single source of truth for what is left to download.
// All methods are safe for concurrent use from peer goroutines; the lock is
// held only for state transitions, never across network I/O.
type PieceManager interface {
	GetPiecesDownloaded() (piecesDownloaded int)
	GetBitField() (clientBitfield []byte)
	PeerChoked(id string)
	PeerStopped(id string, peerBitfield *bitmap.Threadsafe)
	PieceHave(id string, pieceIndex int)
	WriteBlock(id string, pieceIndex, blockByteOffset int, data []byte) (pieceVerified bool, bannedPeers mapset.Set, err error)
	SendBlockRequests(id string, wire wire.Wire, peerBitfield *bitmap.Threadsafe) (err error)

	// Done is closed once every piece has been verified and written, or a
	// storage write failed; Err distinguishes the two.
	Done() <-chan struct{}
	Err() error
}
