package tracker

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Torwalt/rusty-bittorrent-client/torrent"
	"github.com/marksamman/bencode"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

func (tr *tracker) queryHTTPTracker(trackerURL string, event int) (*announceResponse, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("tracker: %q not an absolute URL", trackerURL)
	}

	q := u.Query()
	q.Set("info_hash", string(tr.torrent.InfoHash))
	q.Set("peer_id", string(torrent.PEER_ID))
	uploaded, downloaded, left := tr.stats.GetTrackerStats()
	q.Set("uploaded", strconv.Itoa(uploaded))
	q.Set("downloaded", strconv.Itoa(downloaded))
	q.Set("left", strconv.Itoa(left))
	q.Set("key", strconv.Itoa(int(tr.key)))
	switch event {
	case COMPLETED:
		q.Set("event", "completed")
	case STARTED:
		q.Set("event", "started")
	case STOPPED:
		q.Set("event", "stopped")
	}
	q.Set("numwant", strconv.Itoa(int(tr.numwant)))
	q.Set("port", strconv.Itoa(int(tr.port)))
	q.Set("compact", "1")
	u.RawQuery = q.Encode()

	resp, err := httpClient.Get(u.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: announce returned %s", resp.Status)
	}

	body, err := bencode.Decode(resp.Body)
	if err != nil {
		return nil, err
	}
	if reason, ok := body["failure reason"].(string); ok && reason != "" {
		return nil, fmt.Errorf("tracker: %s", reason)
	}

	out := &announceResponse{interval: 30 * time.Minute}
	if interval, ok := body["interval"].(int64); ok && interval > 0 {
		out.interval = time.Duration(interval) * time.Second
	}

	switch peers := body["peers"].(type) {
	case string:
		// compact form, 6 bytes per peer
		out.peers = parseCompactPeers([]byte(peers))
	case []interface{}:
		// dictionary form
		for _, p := range peers {
			peerMap, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			ip, _ := peerMap["ip"].(string)
			port, _ := peerMap["port"].(int64)
			if ip == "" || port == 0 {
				continue
			}
			out.peers = append(out.peers, fmt.Sprintf("%s:%d", ip, port))
		}
	}
	return out, nil
}

func parseCompactPeers(peerAddrs []byte) []string {
	peers := make([]string, 0, len(peerAddrs)/6)
	for i := 0; i+6 <= len(peerAddrs); i += 6 {
		ip := net.IPv4(peerAddrs[i+0], peerAddrs[i+1], peerAddrs[i+2], peerAddrs[i+3])
		port := binary.BigEndian.Uint16(peerAddrs[i+4 : i+6])
		peers = append(peers, fmt.Sprintf("%s:%d", ip, port))
	}
	return peers
}
