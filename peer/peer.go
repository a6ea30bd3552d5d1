package peer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Torwalt/rusty-bittorrent-client/piece"
	"github.com/Torwalt/rusty-bittorrent-client/stats"
	"github.com/Torwalt/rusty-bittorrent-client/torrent"
	"github.com/Torwalt/rusty-bittorrent-client/wire"
	bitmap "github.com/boljen/go-bitmap"
	log "github.com/sirupsen/logrus"
)

const (
	PROTOCOL = "BitTorrent protocol"

	// Remote trackers drop quiet connections after around two minutes.
	KEEP_ALIVE_INTERVAL = 90 * time.Second
	DIAL_TIMEOUT        = 5 * time.Second
	PEER_TIMEOUT        = 120 * time.Second
)

var (
	ErrHandshakeMismatch = errors.New("peer: handshake info hash mismatch")
	ErrHandshakeProtocol = errors.New("peer: unexpected handshake protocol string")
)

// How often an unchoked, interested peer re-asks the piece manager for work.
// Claims freed by other peers' disconnects, chokes, checksum recycles and
// stale-request evictions are picked up on this tick.
var REQUEST_RETRY_INTERVAL = 5 * time.Second

// The protocol transmits bitfields most significant bit first, piece 0 is
// 0x80 of the first byte. The in-memory bitmap makes no such promise, so
// wire bytes are converted at the boundary.
func wireBitfieldGet(field []byte, pieceIndex int) bool {
	return field[pieceIndex/8]&(0x80>>uint(pieceIndex%8)) != 0
}

func wireBitfield(clientBitField []byte, numPieces int) []byte {
	field := make([]byte, (numPieces+7)/8)
	for i := 0; i < numPieces; i++ {
		if bitmap.Get(clientBitField, i) {
			field[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return field
}

type Peer interface {
	Start()
	Stop()
	GetWire() wire.Wire
}

var newWire = wire.NewWire

type peer struct {
	id       string
	stopOnce sync.Once
	quit     chan struct{}
	torrent  *torrent.Torrent
	peerMgr  PeerManager
	pieceMgr piece.PieceManager
	wire     wire.Wire
	stats    stats.Stats

	// stateMu guards state; the read loop, the retry tick and Stop all
	// touch it. The bitfield carries its own lock.
	stateMu      sync.Mutex
	state        connState
	peerBitfield *bitmap.Threadsafe
}

type connState struct {
	peerInterested   bool
	clientInterested bool
	peerChoking      bool
	clientChoking    bool
}

func NewPeer(
	id string,
	wire wire.Wire,
	torrent *torrent.Torrent,
	peerMgr PeerManager,
	pieceMgr piece.PieceManager,
	stats stats.Stats) *peer {

	peer := &peer{
		id:           id,
		wire:         wire,
		torrent:      torrent,
		peerMgr:      peerMgr,
		pieceMgr:     pieceMgr,
		stats:        stats,
		quit:         make(chan struct{}),
		peerBitfield: bitmap.NewTS(torrent.NumPieces),
		state: connState{
			peerChoking:      true,
			clientChoking:    true,
			peerInterested:   false,
			clientInterested: false,
		},
	}
	return peer
}

func (p *peer) GetWire() wire.Wire {
	return p.wire
}

// Stop tears the connection down and returns the peer's claimed work to the
// unclaimed pool. Safe to call from any goroutine, any number of times.
func (p *peer) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		if p.wire != nil {
			p.wire.Close()
		}
		go func() {
			p.pieceMgr.PeerStopped(p.id, p.peerBitfield)
			p.stats.RemovePeer(p.id)
			p.peerMgr.RemovePeer(p.id)
		}()
	})
}

// handshake performs the 68-byte exchange and validates the reply.
func (p *peer) handshake() error {
	err := p.wire.SendHandshake(uint8(len(PROTOCOL)), PROTOCOL, p.torrent.InfoHash, torrent.PEER_ID)
	if err != nil {
		return err
	}

	length, protocol, infoHash, _, err := p.wire.ReadHandshake()
	if err != nil {
		return err
	}
	if length != uint8(len(PROTOCOL)) || protocol != PROTOCOL {
		return ErrHandshakeProtocol
	}
	if !bytes.Equal(infoHash, p.torrent.InfoHash) {
		return ErrHandshakeMismatch
	}
	return nil
}

func (p *peer) Start() {
	if p.wire == nil {
		conn, err := net.DialTimeout("tcp4", p.id, DIAL_TIMEOUT)
		if err != nil {
			log.WithFields(log.Fields{"peer": p.id, "err": err}).Debug("dial failed")
			p.Stop()
			return
		}
		p.wire = newWire(conn.(*net.TCPConn), PEER_TIMEOUT)
	}

	if err := p.handshake(); err != nil {
		log.WithFields(log.Fields{"peer": p.id, "err": err}).Debug("handshake failed")
		p.Stop()
		return
	}
	log.WithField("peer", p.id).Debug("handshake complete")

	// keep-alive thread
	go func() {
		for {
			select {
			case <-p.quit:
				return
			case now := <-time.After(KEEP_ALIVE_INTERVAL):
				if p.wire.GetLastMessageSent().Before(now.Add(-KEEP_ALIVE_INTERVAL)) {
					if err := p.wire.SendKeepAlive(); err != nil {
						return
					}
				}
			}
		}
	}()

	// work retry thread. Without it a peer that once found nothing
	// claimable would idle forever even after another peer's claim is freed.
	go func() {
		for {
			select {
			case <-p.quit:
				return
			case <-time.After(REQUEST_RETRY_INTERVAL):
				if p.readyForWork() {
					p.sendBlockRequests()
				}
			}
		}
	}()

	if err := p.wire.SendBitField(wireBitfield(p.pieceMgr.GetBitField(), p.torrent.NumPieces)); err != nil {
		p.Stop()
		return
	}

	// handle all subsequent messages
	for {
		length, messageID, payload, err := p.wire.ReadMessage()
		if err != nil {
			select {
			case <-p.quit:
			default:
				log.WithFields(log.Fields{"peer": p.id, "err": err}).Debug("connection lost")
			}
			p.Stop()
			return
		}
		if length == 0 {
			// keep-alive message
			continue
		}
		p.decodeMessage(messageID, bytes.NewBuffer(payload))
	}
}

// sendBlockRequests asks the piece manager for work this peer can do.
func (p *peer) sendBlockRequests() {
	if err := p.pieceMgr.SendBlockRequests(p.id, p.wire, p.peerBitfield); err != nil {
		p.Stop()
	}
}

// becomeInterested tells the remote we want data, once.
func (p *peer) becomeInterested() error {
	p.stateMu.Lock()
	if p.state.clientInterested {
		p.stateMu.Unlock()
		return nil
	}
	p.state.clientInterested = true
	p.stateMu.Unlock()
	return p.wire.SendInterested()
}

func (p *peer) choked() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state.peerChoking
}

// readyForWork reports whether block requests may go out right now.
func (p *peer) readyForWork() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return !p.state.peerChoking && p.state.clientInterested
}

func (p *peer) decodeMessage(messageID uint8, payload *bytes.Buffer) {
	switch messageID {
	case wire.CHOKE:
		p.stateMu.Lock()
		wasChoking := p.state.peerChoking
		p.state.peerChoking = true
		p.stateMu.Unlock()
		if !wasChoking {
			p.pieceMgr.PeerChoked(p.id)
		}
	case wire.UNCHOKE:
		p.stateMu.Lock()
		wasChoking := p.state.peerChoking
		p.state.peerChoking = false
		p.stateMu.Unlock()
		if wasChoking {
			go p.sendBlockRequests()
		}
	case wire.INTERESTED:
		p.stateMu.Lock()
		p.state.peerInterested = true
		p.stateMu.Unlock()
	case wire.NOT_INTERESTED:
		p.stateMu.Lock()
		p.state.peerInterested = false
		p.stateMu.Unlock()
	case wire.HAVE:
		var pieceIndex uint32
		if err := binary.Read(payload, binary.BigEndian, &pieceIndex); err != nil {
			return
		}
		if int(pieceIndex) >= p.torrent.NumPieces {
			return
		}
		p.peerBitfield.Set(int(pieceIndex), true)
		p.pieceMgr.PieceHave(p.id, int(pieceIndex))

		// If the client doesn't have the piece, become interested
		if !bitmap.Get(p.pieceMgr.GetBitField(), int(pieceIndex)) {
			if err := p.becomeInterested(); err != nil {
				p.Stop()
				return
			}
			if !p.choked() {
				go p.sendBlockRequests()
			}
		}
	case wire.BITFIELD:
		peerBitfield := payload.Bytes()
		if len(peerBitfield)*8 < p.torrent.NumPieces {
			log.WithField("peer", p.id).Debug("short bitfield")
			p.Stop()
			return
		}
		clientBitField := p.pieceMgr.GetBitField()
		for pieceIndex := 0; pieceIndex < p.torrent.NumPieces; pieceIndex++ {
			if wireBitfieldGet(peerBitfield, pieceIndex) {
				p.peerBitfield.Set(pieceIndex, true)
				p.pieceMgr.PieceHave(p.id, pieceIndex)
				if !bitmap.Get(clientBitField, pieceIndex) {
					if err := p.becomeInterested(); err != nil {
						p.Stop()
						return
					}
				}
			}
		}
	case wire.BLOCK:
		if !p.readyForWork() {
			return
		}
		var pi int32
		if err := binary.Read(payload, binary.BigEndian, &pi); err != nil {
			return
		}
		var begin int32
		if err := binary.Read(payload, binary.BigEndian, &begin); err != nil {
			return
		}
		blockData, _ := io.ReadAll(payload)

		verified, banned, err := p.pieceMgr.WriteBlock(p.id, int(pi), int(begin), blockData)
		if err != nil {
			// storage failure, fatal to the download
			p.Stop()
			return
		}
		if banned != nil {
			p.peerMgr.BanPeers(banned)
		}
		if verified {
			p.peerMgr.BroadcastHave(int(pi))
		}
		p.stats.UpdatePeer(p.id, len(blockData), 0)
		go p.sendBlockRequests()
	case wire.REQUEST, wire.CANCEL:
		// Not serving uploads; the remote was never unchoked, so these are
		// protocol noise.
	case wire.PORT:
		// DHT (BEP 0005) not supported
	default:
		// Unknown message IDs are skipped for forward compatibility
		log.WithFields(log.Fields{"peer": p.id, "id": messageID}).Debug("unknown message id skipped")
	}
}
