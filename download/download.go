package download

import (
	"errors"
	"sync"
	"time"

	"github.com/Torwalt/rusty-bittorrent-client/peer"
	"github.com/Torwalt/rusty-bittorrent-client/piece"
	"github.com/Torwalt/rusty-bittorrent-client/stats"
	"github.com/Torwalt/rusty-bittorrent-client/storage"
	"github.com/Torwalt/rusty-bittorrent-client/torrent"
	"github.com/Torwalt/rusty-bittorrent-client/tracker"
	log "github.com/sirupsen/logrus"
)

// How often transfer rates are rolled up and progress is logged.
const PROGRESS_INTERVAL = 10 * time.Second

// ErrNoPeers is the terminal condition for a download whose every peer
// connection attempt has failed with pieces still missing.
var ErrNoPeers = errors.New("download: no reachable peers")

type Download interface {
	Start() error
	Wait() error
	Stop()
}

type download struct {
	torrent  *torrent.Torrent
	rarest   bool
	quit     chan int
	stopOnce sync.Once
	storage  storage.Storage
	stats    stats.Stats
	pieceMgr piece.PieceManager
	peerMgr  peer.PeerManager
}

// NewDownload prepares a download of the given torrent. With rarest set the
// piece manager prefers rare pieces over strict lowest-index order.
func NewDownload(tor *torrent.Torrent, rarest bool) Download {
	return &download{
		torrent: tor,
		rarest:  rarest,
		quit:    make(chan int),
	}
}

// Start creates the output files and kicks off tracker announces and peer
// connections. It returns immediately; use Wait for the outcome.
func (d *download) Start() error {
	st, err := storage.NewRandomAccessStorage(d.torrent)
	if err != nil {
		return err
	}
	d.storage = st

	clientBitfield, _, left := st.GetCurrentDownloadState()
	d.stats = stats.NewStats(0, 0, left)
	if d.rarest {
		d.pieceMgr = piece.NewRarestFirstPieceManager(d.torrent, st, clientBitfield)
	} else {
		d.pieceMgr = piece.NewSequentialPieceManager(d.torrent, st, clientBitfield)
	}
	d.peerMgr = peer.NewPeerManager(d.torrent, d.pieceMgr, d.stats)

	go tracker.NewTracker(d.torrent, d.stats, d.peerMgr, d.quit).Start()
	go d.logProgress()

	log.WithFields(log.Fields{
		"name":   d.torrent.MetaInfo.Info.Name,
		"pieces": d.torrent.NumPieces,
		"length": d.torrent.Length,
	}).Info("download started")
	return nil
}

func (d *download) logProgress() {
	for {
		select {
		case <-d.quit:
			return
		case <-time.After(PROGRESS_INTERVAL):
			d.stats.GetPeerStats()
			log.WithFields(log.Fields{
				"pieces":   d.pieceMgr.GetPiecesDownloaded(),
				"of":       d.torrent.NumPieces,
				"peers":    d.peerMgr.NumPeers(),
				"rate_bps": d.stats.GetClientStats(),
			}).Info("progress")
		}
	}
}

// Wait blocks until the download completes, aborts on a storage error, or
// runs out of reachable peers.
func (d *download) Wait() error {
	defer d.Stop()

	for {
		select {
		case <-d.pieceMgr.Done():
			if err := d.pieceMgr.Err(); err != nil {
				return err
			}
			log.Info("download complete")
			return nil
		case <-d.peerMgr.Drained():
			// Completion and the last peer leaving race each other
			select {
			case <-d.pieceMgr.Done():
				continue
			default:
			}
			return ErrNoPeers
		}
	}
}

// Stop signals every component to shut down. Idempotent.
func (d *download) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		if d.peerMgr != nil {
			d.peerMgr.StopPeers()
		}
		if d.storage != nil {
			d.storage.Close()
		}
	})
}
