package stats

import (
	"sync"

	underscore "github.com/ahl5esoft/golang-underscore"
)

// Rates are averaged over this many collection ticks.
const PONDERATION_TIME = 10

type Stats interface {
	GetTrackerStats() (uploaded int, downloaded int, left int)
	GetPeerStats() (peerStats map[string]*PeerStat)
	GetClientStats() (downloadRate int)
	// UpdatePeer records transfer activity for a peer. fromPeer is the
	// number of bytes the remote sent us, toPeer the number we sent it.
	UpdatePeer(id string, fromPeer int, toPeer int)
	RemovePeer(id string)
}

type stats struct {
	sync.Mutex

	trackerStats *TrackerStats
	clientStats  *ClientStats
	peerStats    map[string]*PeerStat
}

type TrackerStats struct {
	TotalUpload   int
	TotalDownload int
	Left          int
}

type ClientStats struct {
	DownloadRate     int
	downloadActivity [PONDERATION_TIME]int
	i                int
}

type PeerStat struct {
	UploadRate       int
	DownloadRate     int
	currentFromPeer  int
	currentToPeer    int
	uploadActivity   [PONDERATION_TIME]int
	downloadActivity [PONDERATION_TIME]int
	i                int
}

func NewStats(
	uploaded int, downloaded int, left int) Stats {

	return &stats{
		trackerStats: &TrackerStats{
			TotalUpload:   uploaded,
			TotalDownload: downloaded,
			Left:          left,
		},
		clientStats: &ClientStats{},
		peerStats:   make(map[string]*PeerStat),
	}
}

func (s *stats) GetTrackerStats() (int, int, int) {
	s.Lock()
	defer s.Unlock()

	return s.trackerStats.TotalUpload, s.trackerStats.TotalDownload, s.trackerStats.Left
}

func (s *stats) UpdatePeer(id string, fromPeer int, toPeer int) {
	s.Lock()
	defer s.Unlock()

	peerStat, ok := s.peerStats[id]
	if !ok {
		peerStat = &PeerStat{}
		s.peerStats[id] = peerStat
	}
	peerStat.currentFromPeer += fromPeer
	peerStat.currentToPeer += toPeer
}

func (s *stats) RemovePeer(id string) {
	s.Lock()
	defer s.Unlock()

	delete(s.peerStats, id)
}

func (s *stats) GetClientStats() int {
	s.Lock()
	defer s.Unlock()

	return s.clientStats.DownloadRate
}

func sumReduce(acc int, x, _ int) int {
	return acc + x
}

// GetPeerStats rolls the per-peer activity counters into rate windows and
// folds them into the tracker totals. Call it once per collection tick.
func (s *stats) GetPeerStats() map[string]*PeerStat {
	s.Lock()
	defer s.Unlock()

	clientCurrentDownload := 0
	for _, peerStat := range s.peerStats {
		peerStat.downloadActivity[peerStat.i] = peerStat.currentFromPeer
		peerStat.uploadActivity[peerStat.i] = peerStat.currentToPeer
		underscore.Chain(peerStat.uploadActivity).Reduce(0, sumReduce).Value(&peerStat.UploadRate)
		peerStat.UploadRate /= PONDERATION_TIME
		underscore.Chain(peerStat.downloadActivity).Reduce(0, sumReduce).Value(&peerStat.DownloadRate)
		peerStat.DownloadRate /= PONDERATION_TIME
		peerStat.i = (peerStat.i + 1) % PONDERATION_TIME

		clientCurrentDownload += peerStat.currentFromPeer
		peerStat.currentFromPeer = 0
		peerStat.currentToPeer = 0
	}

	s.clientStats.downloadActivity[s.clientStats.i] = clientCurrentDownload
	underscore.Chain(s.clientStats.downloadActivity).Reduce(0, sumReduce).Value(&s.clientStats.DownloadRate)
	s.clientStats.DownloadRate /= PONDERATION_TIME
	s.clientStats.i = (s.clientStats.i + 1) % PONDERATION_TIME

	s.trackerStats.TotalDownload += clientCurrentDownload
	if s.trackerStats.Left > clientCurrentDownload {
		s.trackerStats.Left -= clientCurrentDownload
	} else {
		s.trackerStats.Left = 0
	}
	return s.peerStats
}
