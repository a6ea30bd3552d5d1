package peer

import (
	"sync"

	"github.com/Torwalt/rusty-bittorrent-client/piece"
	"github.com/Torwalt/rusty-bittorrent-client/stats"
	"github.com/Torwalt/rusty-bittorrent-client/torrent"
	"github.com/Torwalt/rusty-bittorrent-client/wire"
	mapset "github.com/deckarep/golang-set"
	log "github.com/sirupsen/logrus"
)

const MAX_PEERS = 100

type PeerManager interface {
	AddPeer(id string, w wire.Wire)
	RemovePeer(id string)
	GetPeerList() []Peer
	NumPeers() int
	StopPeers()
	BroadcastHave(pieceIndex int)
	BanPeers(peers mapset.Set)

	// Drained is closed once every attempted peer connection has ended with
	// none remaining, the zero-reachable-peers terminal condition.
	Drained() <-chan struct{}
}

type peerManager struct {
	sync.RWMutex
	torrent     *torrent.Torrent
	pieceMgr    piece.PieceManager
	stats       stats.Stats
	peers       map[string]Peer
	numPeers    int
	attempted   int
	maxPeers    int
	bannedPeers mapset.Set
	drained     chan struct{}
	drainedOnce sync.Once
}

func NewPeerManager(
	torrent *torrent.Torrent,
	pieceMgr piece.PieceManager,
	stats stats.Stats) PeerManager {

	return &peerManager{
		torrent:     torrent,
		pieceMgr:    pieceMgr,
		stats:       stats,
		peers:       make(map[string]Peer),
		bannedPeers: mapset.NewSet(),
		maxPeers:    MAX_PEERS,
		drained:     make(chan struct{}),
	}
}

func (pm *peerManager) Drained() <-chan struct{} {
	return pm.drained
}

func (pm *peerManager) BanPeers(peers mapset.Set) {
	pm.Lock()
	defer pm.Unlock()

	pm.bannedPeers = pm.bannedPeers.Union(peers)
	for _, id := range peers.ToSlice() {
		if peer, ok := pm.peers[id.(string)]; ok {
			log.WithField("peer", id).Warn("banning peer")
			go peer.Stop()
		}
	}
}

func (pm *peerManager) BroadcastHave(pieceIndex int) {
	pm.RLock()
	defer pm.RUnlock()

	for _, peer := range pm.peers {
		wire := peer.GetWire()
		if wire != nil {
			wire.SendHave(pieceIndex)
		}
	}
}

func (pm *peerManager) StopPeers() {
	for _, peer := range pm.GetPeerList() {
		peer.Stop()
	}
}

func (pm *peerManager) GetPeerList() []Peer {
	pm.RLock()
	defer pm.RUnlock()

	peers := []Peer{}
	for _, peer := range pm.peers {
		peers = append(peers, peer)
	}
	return peers
}

func (pm *peerManager) NumPeers() int {
	pm.RLock()
	defer pm.RUnlock()

	return pm.numPeers
}

func (pm *peerManager) AddPeer(id string, w wire.Wire) {
	pm.Lock()
	defer pm.Unlock()

	if pm.bannedPeers.Contains(id) {
		return
	}
	if pm.numPeers >= pm.maxPeers {
		return
	}
	if _, ok := pm.peers[id]; ok {
		// Already connected to peer
		return
	}

	peer := NewPeer(
		id,
		w,
		pm.torrent,
		pm,
		pm.pieceMgr,
		pm.stats,
	)
	pm.peers[id] = peer
	pm.numPeers++
	pm.attempted++
	go peer.Start()
}

func (pm *peerManager) RemovePeer(id string) {
	pm.Lock()
	defer pm.Unlock()

	if _, ok := pm.peers[id]; !ok {
		return
	}
	delete(pm.peers, id)
	pm.numPeers--
	if pm.numPeers == 0 && pm.attempted > 0 {
		pm.drainedOnce.Do(func() { close(pm.drained) })
	}
}
