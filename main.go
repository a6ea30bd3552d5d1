package main

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Torwalt/rusty-bittorrent-client/download"
	"github.com/Torwalt/rusty-bittorrent-client/piece"
	"github.com/Torwalt/rusty-bittorrent-client/stats"
	"github.com/Torwalt/rusty-bittorrent-client/torrent"
	"github.com/Torwalt/rusty-bittorrent-client/tracker"
	"github.com/Torwalt/rusty-bittorrent-client/wire"
	bencode "github.com/jackpal/bencode-go"
	log "github.com/sirupsen/logrus"
)

const usage = `usage:
  decode <bencoded-value>
  info <torrent-file>
  peers <torrent-file>
  handshake <torrent-file> <ip:port>
  download_piece -o <output> <torrent-file> <piece-index>
  download -o <output> <torrent-file> [--rarest]`

func main() {
	log.SetLevel(log.InfoLevel)
	if os.Getenv("DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
	}

	if len(os.Args) < 2 {
		fail(fmt.Errorf(usage))
	}

	var err error
	switch os.Args[1] {
	case "decode":
		err = decodeCommand(os.Args[2:])
	case "info":
		err = infoCommand(os.Args[2:])
	case "peers":
		err = peersCommand(os.Args[2:])
	case "handshake":
		err = handshakeCommand(os.Args[2:])
	case "download_piece":
		err = downloadPieceCommand(os.Args[2:])
	case "download":
		err = downloadCommand(os.Args[2:])
	default:
		err = fmt.Errorf("unknown command %q\n%s", os.Args[1], usage)
	}
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func openTorrent(path string) (*torrent.Torrent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return torrent.NewTorrent(file)
}

func decodeCommand(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf(usage)
	}
	decoded, err := bencode.Decode(strings.NewReader(args[0]))
	if err != nil {
		return err
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func infoCommand(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf(usage)
	}
	tor, err := openTorrent(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Tracker URL: %s\n", tor.MetaInfo.Announce)
	fmt.Printf("Length: %d\n", tor.Length)
	fmt.Printf("Info Hash: %s\n", hex.EncodeToString(tor.InfoHash))
	fmt.Printf("Piece Length: %d\n", tor.MetaInfo.Info.PieceLength)
	fmt.Println("Piece Hashes:")
	for i := 0; i < tor.NumPieces; i++ {
		fmt.Println(hex.EncodeToString(tor.PieceHash(i)))
	}
	return nil
}

func peersCommand(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf(usage)
	}
	tor, err := openTorrent(args[0])
	if err != nil {
		return err
	}
	peers, err := tracker.GetPeers(tor, stats.NewStats(0, 0, tor.Length))
	if err != nil {
		return err
	}
	for _, p := range peers {
		fmt.Println(p)
	}
	return nil
}

// dialPeer establishes a connection and completes the handshake, returning
// the remote's peer ID.
func dialPeer(tor *torrent.Torrent, address string) (wire.Wire, []byte, error) {
	conn, err := net.DialTimeout("tcp4", address, 5*time.Second)
	if err != nil {
		return nil, nil, err
	}
	w := wire.NewWire(conn.(*net.TCPConn), 120*time.Second)
	if err := w.SendHandshake(19, "BitTorrent protocol", tor.InfoHash, torrent.PEER_ID); err != nil {
		w.Close()
		return nil, nil, err
	}
	_, _, infoHash, peerID, err := w.ReadHandshake()
	if err != nil {
		w.Close()
		return nil, nil, err
	}
	if !strings.EqualFold(hex.EncodeToString(infoHash), hex.EncodeToString(tor.InfoHash)) {
		w.Close()
		return nil, nil, fmt.Errorf("handshake info hash mismatch")
	}
	return w, peerID, nil
}

func handshakeCommand(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf(usage)
	}
	tor, err := openTorrent(args[0])
	if err != nil {
		return err
	}
	w, peerID, err := dialPeer(tor, args[1])
	if err != nil {
		return err
	}
	defer w.Close()
	fmt.Printf("Peer ID: %s\n", hex.EncodeToString(peerID))
	return nil
}

func parseOutputFlag(args []string) (output string, rest []string, err error) {
	rest = make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "-o" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("-o requires a value")
			}
			output = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	if output == "" {
		return "", nil, fmt.Errorf("-o <output> is required")
	}
	return output, rest, nil
}

// downloadPieceCommand fetches a single piece from the first reachable peer
// and writes it to the output path.
func downloadPieceCommand(args []string) error {
	output, rest, err := parseOutputFlag(args)
	if err != nil {
		return err
	}
	if len(rest) != 2 {
		return fmt.Errorf(usage)
	}
	tor, err := openTorrent(rest[0])
	if err != nil {
		return err
	}
	pieceIndex, err := strconv.Atoi(rest[1])
	if err != nil {
		return err
	}
	if pieceIndex < 0 || pieceIndex >= tor.NumPieces {
		return fmt.Errorf("piece index %d out of range, torrent has %d pieces", pieceIndex, tor.NumPieces)
	}

	peers, err := tracker.GetPeers(tor, stats.NewStats(0, 0, tor.Length))
	if err != nil {
		return err
	}
	var lastErr error
	for _, address := range peers {
		data, err := fetchPiece(tor, address, pieceIndex)
		if err != nil {
			lastErr = err
			log.WithFields(log.Fields{"peer": address, "err": err}).Debug("piece fetch failed")
			continue
		}
		return os.WriteFile(output, data, 0644)
	}
	if lastErr == nil {
		lastErr = download.ErrNoPeers
	}
	return lastErr
}

// fetchPiece downloads and verifies one piece over a fresh connection.
func fetchPiece(tor *torrent.Torrent, address string, pieceIndex int) ([]byte, error) {
	w, _, err := dialPeer(tor, address)
	if err != nil {
		return nil, err
	}
	defer w.Close()

	pieceLength := tor.PieceLength(pieceIndex)
	data := make([]byte, pieceLength)
	received := 0
	requested := 0
	unchoked := false

	requestAll := func() error {
		for requested < pieceLength {
			length := piece.BLOCK_SIZE
			if requested+length > pieceLength {
				length = pieceLength - requested
			}
			if err := w.SendRequest(pieceIndex, requested, length); err != nil {
				return err
			}
			requested += length
		}
		return nil
	}

	for received < pieceLength {
		length, messageID, payload, err := w.ReadMessage()
		if err != nil {
			return nil, err
		}
		if length == 0 {
			continue
		}
		switch messageID {
		case wire.BITFIELD:
			if err := w.SendInterested(); err != nil {
				return nil, err
			}
		case wire.UNCHOKE:
			if !unchoked {
				unchoked = true
				if err := requestAll(); err != nil {
					return nil, err
				}
			}
		case wire.BLOCK:
			if len(payload) < 8 {
				continue
			}
			begin := int(uint32(payload[4])<<24 | uint32(payload[5])<<16 | uint32(payload[6])<<8 | uint32(payload[7]))
			block := payload[8:]
			if begin+len(block) > pieceLength {
				continue
			}
			copy(data[begin:], block)
			received += len(block)
		}
	}

	checksum := sha1.Sum(data)
	if !strings.EqualFold(hex.EncodeToString(checksum[:]), hex.EncodeToString(tor.PieceHash(pieceIndex))) {
		return nil, fmt.Errorf("piece %d failed checksum", pieceIndex)
	}
	return data, nil
}

func downloadCommand(args []string) error {
	rarest := false
	filtered := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--rarest" {
			rarest = true
			continue
		}
		filtered = append(filtered, a)
	}
	output, rest, err := parseOutputFlag(filtered)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf(usage)
	}
	tor, err := openTorrent(rest[0])
	if err != nil {
		return err
	}

	d := download.NewDownload(tor, rarest)
	if err := d.Start(); err != nil {
		return err
	}
	if err := d.Wait(); err != nil {
		return err
	}

	// Storage writes under the torrent's own name; honor -o
	if output != tor.MetaInfo.Info.Name {
		if err := os.Rename(tor.MetaInfo.Info.Name, output); err != nil {
			return err
		}
	}
	fmt.Printf("Downloaded %s to %s.\n", rest[0], output)
	return nil
}
