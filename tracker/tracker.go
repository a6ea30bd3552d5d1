package tracker

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/Torwalt/rusty-bittorrent-client/peer"
	"github.com/Torwalt/rusty-bittorrent-client/stats"
	"github.com/Torwalt/rusty-bittorrent-client/torrent"
	log "github.com/sirupsen/logrus"
)

const (
	NONE      = 0
	COMPLETED = 1
	STARTED   = 2
	STOPPED   = 3

	// Announced as our listening port. No inbound connections are accepted,
	// the port is reported for protocol completeness.
	PORT = 6881

	NUMWANT = 50
)

// Pause between rounds when every announce URL failed.
var RETRY_INTERVAL = 30 * time.Second

type Tracker interface {
	Start()
}

type announceResponse struct {
	interval time.Duration
	peers    []string
}

type tracker struct {
	torrent *torrent.Torrent
	stats   stats.Stats
	peerMgr peer.PeerManager
	quit    chan int
	port    uint16
	key     int32
	numwant int32
}

func genKey() int32 {
	return rand.New(rand.NewSource(time.Now().Unix())).Int31()
}

func NewTracker(
	torrent *torrent.Torrent,
	stats stats.Stats,
	peerMgr peer.PeerManager,
	quit chan int) Tracker {

	return newTracker(torrent, stats, peerMgr, quit)
}

func newTracker(
	torrent *torrent.Torrent,
	stats stats.Stats,
	peerMgr peer.PeerManager,
	quit chan int) *tracker {

	return &tracker{
		torrent: torrent,
		stats:   stats,
		peerMgr: peerMgr,
		quit:    quit,
		port:    PORT,
		key:     genKey(),
		numwant: NUMWANT,
	}
}

// GetPeers performs a single started announce and returns the resolved peer
// addresses, trying each announce URL in turn.
func GetPeers(tor *torrent.Torrent, st stats.Stats) ([]string, error) {
	tr := newTracker(tor, st, nil, nil)
	var lastErr error
	for _, trackerURL := range tr.announceURLs() {
		resp, err := tr.query(trackerURL, STARTED)
		if err != nil {
			lastErr = err
			continue
		}
		return resp.peers, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("tracker: no announce URL")
	}
	return nil, lastErr
}

func (tr *tracker) announceURLs() []string {
	urls := make([]string, 0)
	if len(tr.torrent.MetaInfo.AnnounceList) > 0 {
		for _, tier := range tr.torrent.MetaInfo.AnnounceList {
			urls = append(urls, tier...)
		}
	} else {
		urls = append(urls, tr.torrent.MetaInfo.Announce)
	}
	return urls
}

func (tr *tracker) query(trackerURL string, event int) (*announceResponse, error) {
	switch {
	case strings.HasPrefix(trackerURL, "http://"), strings.HasPrefix(trackerURL, "https://"):
		return tr.queryHTTPTracker(trackerURL, event)
	case strings.HasPrefix(trackerURL, "udp://"):
		return tr.queryUDPTracker(trackerURL, event)
	default:
		return nil, fmt.Errorf("tracker: invalid scheme for %q", trackerURL)
	}
}

// announceTracker runs the announce loop against one tracker until quit.
func (tr *tracker) announceTracker(trackerURL string) error {
	resp, err := tr.query(trackerURL, STARTED)
	if err != nil {
		return err
	}
	tr.addPeers(resp.peers)

	for {
		select {
		case <-tr.quit:
			log.WithField("tracker", trackerURL).Info("stopping tracker announces")
			tr.query(trackerURL, STOPPED)
			return nil
		case <-time.After(resp.interval):
			next, err := tr.query(trackerURL, NONE)
			if err != nil {
				return err
			}
			tr.addPeers(next.peers)
			resp = next
		}
	}
}

func (tr *tracker) addPeers(peers []string) {
	for _, id := range peers {
		tr.peerMgr.AddPeer(id, nil)
	}
}

func (tr *tracker) Start() {
	for {
		for _, trackerURL := range tr.announceURLs() {
			select {
			case <-tr.quit:
				return
			default:
			}
			if err := tr.announceTracker(trackerURL); err != nil {
				log.WithFields(log.Fields{"tracker": trackerURL, "err": err}).Debug("announce failed")
				continue
			}
			// Clean shutdown via quit
			return
		}
		select {
		case <-tr.quit:
			return
		case <-time.After(RETRY_INTERVAL):
		}
	}
}
