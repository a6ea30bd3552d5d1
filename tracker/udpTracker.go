package tracker

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/Torwalt/rusty-bittorrent-client/torrent"
)

// BEP 0015 - UDP Tracker Protocol for BitTorrent
func (tr *tracker) queryUDPTracker(trackerURL string, event int) (*announceResponse, error) {
	udpAddress := strings.TrimPrefix(trackerURL, "udp://")
	udpAddress = strings.TrimSuffix(udpAddress, "/announce")
	trackerAddr, err := net.ResolveUDPAddr("udp", udpAddress)
	if err != nil {
		return nil, err
	}
	trackerConn, err := net.DialUDP("udp", nil, trackerAddr)
	if err != nil {
		return nil, err
	}
	defer trackerConn.Close()

	connectionID, err := tr.connectUDP(trackerConn)
	if err != nil {
		return nil, err
	}
	return tr.announceUDP(trackerConn, event, connectionID)
}

func (tr *tracker) connectUDP(trackerConn *net.UDPConn) (int64, error) {
	connectRequest := &bytes.Buffer{}
	protocolID, _ := hex.DecodeString("0000041727101980") // magic constant
	binary.Write(connectRequest, binary.BigEndian, protocolID)
	action := int32(0) // Connect
	binary.Write(connectRequest, binary.BigEndian, action)
	transactionID := rand.Int31()
	binary.Write(connectRequest, binary.BigEndian, transactionID)

	if _, err := trackerConn.Write(connectRequest.Bytes()); err != nil {
		return 0, err
	}

	trackerConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data := make([]byte, 16)
	if _, err := io.ReadFull(trackerConn, data); err != nil {
		return 0, err
	}
	connectResponse := bytes.NewBuffer(data)

	var actionResp int32
	binary.Read(connectResponse, binary.BigEndian, &actionResp)
	if actionResp != 0 {
		return 0, fmt.Errorf("tracker: action of connect response not 'connect'")
	}
	var transactionIDResp int32
	binary.Read(connectResponse, binary.BigEndian, &transactionIDResp)
	if transactionID != transactionIDResp {
		return 0, fmt.Errorf("tracker: transaction ID mismatch")
	}
	var connectionID int64
	binary.Read(connectResponse, binary.BigEndian, &connectionID)
	return connectionID, nil
}

func (tr *tracker) announceUDP(trackerConn *net.UDPConn, event int, connectionID int64) (*announceResponse, error) {
	announceRequest := &bytes.Buffer{}
	binary.Write(announceRequest, binary.BigEndian, connectionID)
	action := int32(1) // Announce
	binary.Write(announceRequest, binary.BigEndian, action)
	transactionID := rand.Int31()
	binary.Write(announceRequest, binary.BigEndian, transactionID)
	binary.Write(announceRequest, binary.BigEndian, tr.torrent.InfoHash)
	binary.Write(announceRequest, binary.BigEndian, torrent.PEER_ID)
	uploaded, downloaded, left := tr.stats.GetTrackerStats()
	binary.Write(announceRequest, binary.BigEndian, int64(downloaded))
	binary.Write(announceRequest, binary.BigEndian, int64(left))
	binary.Write(announceRequest, binary.BigEndian, int64(uploaded))
	binary.Write(announceRequest, binary.BigEndian, int32(event))
	binary.Write(announceRequest, binary.BigEndian, int32(0)) // IP, default
	binary.Write(announceRequest, binary.BigEndian, tr.key)
	binary.Write(announceRequest, binary.BigEndian, tr.numwant)
	binary.Write(announceRequest, binary.BigEndian, tr.port)

	if _, err := trackerConn.Write(announceRequest.Bytes()); err != nil {
		return nil, err
	}

	trackerConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data := make([]byte, 20+6*int(tr.numwant))
	n, err := trackerConn.Read(data)
	if err != nil {
		return nil, err
	}
	if n < 20 {
		return nil, fmt.Errorf("tracker: malformed announce response body")
	}
	response := bytes.NewBuffer(data[:n])

	var actionResp int32
	binary.Read(response, binary.BigEndian, &actionResp)
	if actionResp != 1 {
		return nil, fmt.Errorf("tracker: action of announce response not 'announce'")
	}
	var transactionIDResp int32
	binary.Read(response, binary.BigEndian, &transactionIDResp)
	if transactionID != transactionIDResp {
		return nil, fmt.Errorf("tracker: transaction ID mismatch")
	}

	out := &announceResponse{}
	var interval, leechers, seeders int32
	binary.Read(response, binary.BigEndian, &interval)
	binary.Read(response, binary.BigEndian, &leechers)
	binary.Read(response, binary.BigEndian, &seeders)
	out.interval = time.Duration(interval) * time.Second
	if out.interval <= 0 {
		out.interval = 30 * time.Minute
	}

	peerAddrs, err := io.ReadAll(response)
	if err != nil {
		return nil, err
	}
	if event != STOPPED {
		out.peers = parseCompactPeers(peerAddrs)
	}
	return out, nil
}
