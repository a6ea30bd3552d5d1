package piece

import (
	"bytes"
	"crypto/sha1"
	"strings"
	"testing"
	"time"

	"github.com/boljen/go-bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/Torwalt/rusty-bittorrent-client/storage"
	"github.com/Torwalt/rusty-bittorrent-client/torrent"
	"github.com/Torwalt/rusty-bittorrent-client/wire"
)

type mockDisk struct {
	storage.Storage
	mock.Mock
}

func (m *mockDisk) WritePieceRequest(pieceIndex int, data []byte) error {
	args := m.Called(pieceIndex, data)
	return args.Error(0)
}

type mockWire struct {
	wire.Wire
	mock.Mock
}

func (m *mockWire) SendRequest(pieceIndex, begin, length int) error {
	args := m.Called(pieceIndex, begin, length)
	return args.Error(0)
}

func (m *mockWire) SendUnInterested() error {
	args := m.Called()
	return args.Error(0)
}

func pieceHashes(pieces ...[]byte) string {
	var b strings.Builder
	for _, p := range pieces {
		h := sha1.Sum(p)
		b.Write(h[:])
	}
	return b.String()
}

func patternBlock(c byte) []byte {
	block := make([]byte, BLOCK_SIZE)
	for i := range block {
		block[i] = c
	}
	return block
}

func TestPieceCompleted(t *testing.T) {
	block1 := patternBlock(1)
	block2 := patternBlock(2)
	block3 := patternBlock(3)
	block4 := patternBlock(4)
	piece1 := bytes.Join([][]byte{block1, block2, block3, block4}, nil)
	filler := make([]byte, BLOCK_SIZE*4)

	tor := &torrent.Torrent{
		Length:    BLOCK_SIZE * 4 * 3,
		NumPieces: 3,
		MetaInfo: torrent.MetaInfo{
			Info: torrent.Info{
				PieceLength: BLOCK_SIZE * 4,
				Pieces:      pieceHashes(filler, piece1, filler),
			},
		},
	}

	disk := &mockDisk{}
	disk.On("WritePieceRequest", 1, mock.MatchedBy(func(piece []byte) bool {
		return bytes.Equal(piece, piece1)
	})).Return(nil).Once()

	pm := NewSequentialPieceManager(tor, disk, bitmap.New(3))

	MAX_OUTSTANDING_REQUESTS = 3
	wire := &mockWire{}
	wire.On("SendRequest", 1, 0, BLOCK_SIZE).Return(nil).Once()
	wire.On("SendRequest", 1, BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()
	wire.On("SendRequest", 1, BLOCK_SIZE*2, BLOCK_SIZE).Return(nil).Once()
	wire.On("SendRequest", 1, BLOCK_SIZE*3, BLOCK_SIZE).Return(nil).Once()
	wire.On("SendUnInterested").Return(nil).Once()
	peerID := "0.0.0.0:6881"
	peerBitField := bitmap.NewTS(3)
	peerBitField.Set(1, true)

	// peer unchokes client, the first three blocks go out
	pm.SendBlockRequests(peerID, wire, peerBitField)

	// each arriving block tops the pipeline back up
	verified, banned, err := pm.WriteBlock(peerID, 1, BLOCK_SIZE, block2)
	assert.False(t, verified)
	assert.Nil(t, banned)
	assert.NoError(t, err)
	pm.SendBlockRequests(peerID, wire, peerBitField)
	pm.WriteBlock(peerID, 1, 0, block1)
	pm.SendBlockRequests(peerID, wire, peerBitField)
	pm.WriteBlock(peerID, 1, BLOCK_SIZE*2, block3)
	pm.SendBlockRequests(peerID, wire, peerBitField)
	verified, banned, err = pm.WriteBlock(peerID, 1, BLOCK_SIZE*3, block4)
	assert.True(t, verified)
	assert.Nil(t, banned)
	assert.NoError(t, err)

	// piece done, nothing else this peer can offer
	pm.SendBlockRequests(peerID, wire, peerBitField)

	assert.Equal(t, 1, pm.GetPiecesDownloaded())
	assert.True(t, bitmap.Get(pm.GetBitField(), 1))
	disk.AssertExpectations(t)
	wire.AssertExpectations(t)
}

func TestBogusBlocksIgnored(t *testing.T) {
	block0 := patternBlock(7)
	block1 := patternBlock(8)
	piece0 := bytes.Join([][]byte{block0, block1}, nil)

	tor := &torrent.Torrent{
		Length:    BLOCK_SIZE * 2,
		NumPieces: 1,
		MetaInfo: torrent.MetaInfo{
			Info: torrent.Info{
				PieceLength: BLOCK_SIZE * 2,
				Pieces:      pieceHashes(piece0),
			},
		},
	}

	disk := &mockDisk{}
	disk.On("WritePieceRequest", 0, mock.MatchedBy(func(piece []byte) bool {
		return bytes.Equal(piece, piece0)
	})).Return(nil).Once()

	pm := NewSequentialPieceManager(tor, disk, bitmap.New(1))
	peerID := "0.0.0.0:6881"

	verified, banned, err := pm.WriteBlock(peerID, 0, 0, block0)
	assert.False(t, verified)
	assert.Nil(t, banned)
	assert.NoError(t, err)

	// duplicate of a held block must not overwrite it
	pm.WriteBlock(peerID, 0, 0, block1)
	// out of range, misaligned and wrongly sized blocks are dropped
	pm.WriteBlock(peerID, 5, 0, block1)
	pm.WriteBlock(peerID, 0, BLOCK_SIZE*5, block1)
	pm.WriteBlock(peerID, 0, 7, block1)
	pm.WriteBlock(peerID, 0, BLOCK_SIZE, block1[:100])
	assert.Equal(t, 0, pm.GetPiecesDownloaded())

	verified, _, err = pm.WriteBlock(peerID, 0, BLOCK_SIZE, block1)
	assert.True(t, verified)
	assert.NoError(t, err)

	select {
	case <-pm.Done():
	default:
		t.Fatal("done channel not closed after last piece")
	}
	assert.NoError(t, pm.Err())
	disk.AssertExpectations(t)
}

func TestChecksumFailureRecyclesPiece(t *testing.T) {
	good := patternBlock(9)
	bad := patternBlock(6)

	tor := &torrent.Torrent{
		Length:    BLOCK_SIZE,
		NumPieces: 1,
		MetaInfo: torrent.MetaInfo{
			Info: torrent.Info{
				PieceLength: BLOCK_SIZE,
				Pieces:      pieceHashes(good),
			},
		},
	}

	disk := &mockDisk{}
	disk.On("WritePieceRequest", 0, mock.Anything).Return(nil).Once()

	MAX_PIECE_FAILURES = 2
	defer func() { MAX_PIECE_FAILURES = 5 }()
	MAX_OUTSTANDING_REQUESTS = 5

	pm := NewSequentialPieceManager(tor, disk, bitmap.New(1))
	liar := "0.0.0.0:6881"
	honest := "0.0.0.1:6881"
	peerBitField := bitmap.NewTS(1)
	peerBitField.Set(0, true)

	w := &mockWire{}
	w.On("SendRequest", 0, 0, BLOCK_SIZE).Return(nil).Twice()

	pm.SendBlockRequests(liar, w, peerBitField)
	verified, banned, err := pm.WriteBlock(liar, 0, 0, bad)
	assert.False(t, verified)
	assert.Nil(t, banned)
	assert.NoError(t, err)
	assert.Equal(t, 0, pm.GetPiecesDownloaded())

	// the piece is back in the unclaimed pool, the same peer reclaims it
	pm.SendBlockRequests(liar, w, peerBitField)
	verified, banned, err = pm.WriteBlock(liar, 0, 0, bad)
	assert.False(t, verified)
	assert.NoError(t, err)
	if assert.NotNil(t, banned) {
		assert.True(t, banned.Contains(liar))
	}

	// an honest peer completes the recycled piece
	verified, banned, err = pm.WriteBlock(honest, 0, 0, good)
	assert.True(t, verified)
	assert.Nil(t, banned)
	assert.NoError(t, err)

	select {
	case <-pm.Done():
	default:
		t.Fatal("done channel not closed after last piece")
	}
	disk.AssertExpectations(t)
	w.AssertExpectations(t)
}

func TestPeerStoppedReleasesClaim(t *testing.T) {
	tor := &torrent.Torrent{
		Length:    BLOCK_SIZE * 2,
		NumPieces: 2,
		MetaInfo: torrent.MetaInfo{
			Info: torrent.Info{
				PieceLength: BLOCK_SIZE,
				Pieces:      string(make([]byte, 40)),
			},
		},
	}

	MAX_OUTSTANDING_REQUESTS = 5
	pm := NewSequentialPieceManager(tor, nil, bitmap.New(2))

	peerBitField := bitmap.NewTS(2)
	peerBitField.Set(0, true)
	peerBitField.Set(1, true)

	wire1 := &mockWire{}
	wire1.On("SendRequest", 0, 0, BLOCK_SIZE).Return(nil).Once()
	wire2 := &mockWire{}
	wire2.On("SendRequest", 1, 0, BLOCK_SIZE).Return(nil).Once()
	wire3 := &mockWire{}
	wire3.On("SendRequest", 0, 0, BLOCK_SIZE).Return(nil).Once()

	// lowest unclaimed piece goes to each peer in turn
	pm.SendBlockRequests("peer1", wire1, peerBitField)
	pm.SendBlockRequests("peer2", wire2, peerBitField)

	// peer1 drops, its claim reverts and a newcomer picks it up
	pm.PeerStopped("peer1", peerBitField)
	pm.SendBlockRequests("peer3", wire3, peerBitField)

	wire1.AssertExpectations(t)
	wire2.AssertExpectations(t)
	wire3.AssertExpectations(t)
}

func TestShortPieceGeometry(t *testing.T) {
	piece0 := []byte("ABCD")
	piece1 := []byte("EFG")

	tor := &torrent.Torrent{
		Length:    7,
		NumPieces: 2,
		MetaInfo: torrent.MetaInfo{
			Info: torrent.Info{
				PieceLength: 4,
				Pieces:      pieceHashes(piece0, piece1),
			},
		},
	}

	disk := &mockDisk{}
	disk.On("WritePieceRequest", 0, piece0).Return(nil).Once()
	disk.On("WritePieceRequest", 1, piece1).Return(nil).Once()

	MAX_OUTSTANDING_REQUESTS = 5
	pm := NewSequentialPieceManager(tor, disk, bitmap.New(2))
	peerID := "0.0.0.0:6881"
	peerBitField := bitmap.NewTS(2)
	peerBitField.Set(0, true)
	peerBitField.Set(1, true)

	w := &mockWire{}
	w.On("SendRequest", 0, 0, 4).Return(nil).Once()
	w.On("SendRequest", 1, 0, 3).Return(nil).Once()
	w.On("SendUnInterested").Return(nil).Once()

	pm.SendBlockRequests(peerID, w, peerBitField)
	verified, _, err := pm.WriteBlock(peerID, 0, 0, piece0)
	assert.True(t, verified)
	assert.NoError(t, err)

	pm.SendBlockRequests(peerID, w, peerBitField)
	verified, _, err = pm.WriteBlock(peerID, 1, 0, piece1)
	assert.True(t, verified)
	assert.NoError(t, err)

	pm.SendBlockRequests(peerID, w, peerBitField)

	select {
	case <-pm.Done():
	default:
		t.Fatal("done channel not closed after last piece")
	}
	assert.Equal(t, 2, pm.GetPiecesDownloaded())
	disk.AssertExpectations(t)
	w.AssertExpectations(t)
}

func TestLostBlockReRequested(t *testing.T) {
	defer func(d time.Duration) { REQUEST_TIMEOUT = d }(REQUEST_TIMEOUT)
	REQUEST_TIMEOUT = 50 * time.Millisecond
	MAX_OUTSTANDING_REQUESTS = 5

	block0 := patternBlock(1)
	block1 := patternBlock(2)
	piece0 := bytes.Join([][]byte{block0, block1}, nil)

	tor := &torrent.Torrent{
		Length:    BLOCK_SIZE * 2,
		NumPieces: 1,
		MetaInfo: torrent.MetaInfo{
			Info: torrent.Info{
				PieceLength: BLOCK_SIZE * 2,
				Pieces:      pieceHashes(piece0),
			},
		},
	}

	disk := &mockDisk{}
	disk.On("WritePieceRequest", 0, mock.Anything).Return(nil).Once()

	pm := NewSequentialPieceManager(tor, disk, bitmap.New(1))
	peerID := "0.0.0.0:6881"
	peerBitField := bitmap.NewTS(1)
	peerBitField.Set(0, true)

	w := &mockWire{}
	w.On("SendRequest", 0, 0, BLOCK_SIZE).Return(nil).Once()
	// the second block goes quiet and is asked for again
	w.On("SendRequest", 0, BLOCK_SIZE, BLOCK_SIZE).Return(nil).Twice()

	pm.SendBlockRequests(peerID, w, peerBitField)
	pm.WriteBlock(peerID, 0, 0, block0)

	<-time.After(2 * REQUEST_TIMEOUT)
	pm.SendBlockRequests(peerID, w, peerBitField)

	verified, _, err := pm.WriteBlock(peerID, 0, BLOCK_SIZE, block1)
	assert.True(t, verified)
	assert.NoError(t, err)
	disk.AssertExpectations(t)
	w.AssertExpectations(t)
}

func TestStaleClaimStolenBySecondPeer(t *testing.T) {
	defer func(d time.Duration) { REQUEST_TIMEOUT = d }(REQUEST_TIMEOUT)
	REQUEST_TIMEOUT = 50 * time.Millisecond
	MAX_OUTSTANDING_REQUESTS = 5

	data := patternBlock(3)
	tor := &torrent.Torrent{
		Length:    BLOCK_SIZE,
		NumPieces: 1,
		MetaInfo: torrent.MetaInfo{
			Info: torrent.Info{
				PieceLength: BLOCK_SIZE,
				Pieces:      pieceHashes(data),
			},
		},
	}

	disk := &mockDisk{}
	disk.On("WritePieceRequest", 0, mock.Anything).Return(nil).Once()

	pm := NewSequentialPieceManager(tor, disk, bitmap.New(1))
	peerBitField := bitmap.NewTS(1)
	peerBitField.Set(0, true)

	wire1 := &mockWire{}
	wire1.On("SendRequest", 0, 0, BLOCK_SIZE).Return(nil).Once()
	wire2 := &mockWire{}
	wire2.On("SendRequest", 0, 0, BLOCK_SIZE).Return(nil).Once()

	pm.SendBlockRequests("slow", wire1, peerBitField)

	// the claimant never delivers, after the timeout another peer may evict
	// it and take the piece over
	<-time.After(2 * REQUEST_TIMEOUT)
	pm.SendBlockRequests("fast", wire2, peerBitField)

	verified, _, err := pm.WriteBlock("fast", 0, 0, data)
	assert.True(t, verified)
	assert.NoError(t, err)

	// the evicted peer's late answer for the finished piece is dropped
	verified, banned, err := pm.WriteBlock("slow", 0, 0, data)
	assert.False(t, verified)
	assert.Nil(t, banned)
	assert.NoError(t, err)

	disk.AssertExpectations(t)
	wire1.AssertExpectations(t)
	wire2.AssertExpectations(t)
}
