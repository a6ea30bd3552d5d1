package torrent

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"log"
	"math/rand"

	bencode "github.com/jackpal/bencode-go"
)

var (
	// PEER_ID identifies this client in handshakes and tracker announces.
	PEER_ID = make([]byte, 20, 20)

	ErrMissingField       = fmt.Errorf("torrent: required field missing")
	ErrInvalidPieceHashes = fmt.Errorf("torrent: pieces blob not a multiple of 20 bytes")
)

func init() {
	copy(PEER_ID[:8], []byte("-RB0001-"))
	_, err := rand.Read(PEER_ID[8:])
	if err != nil {
		log.Fatalln(err)
	}
}

type Torrent struct {
	Length    int
	MetaInfo  MetaInfo
	InfoHash  []byte
	NumPieces int
}

type MetaInfo struct {
	Info         Info
	Announce     string
	AnnounceList [][]string `bencode:"announce-list"`
	CreationDate int        `bencode:"creation date"`
	Comment      string
	CreatedBy    string `bencode:"created by"`
	Encoding     string
}

type Info struct {
	PieceLength int `bencode:"piece length"`
	Pieces      string
	Private     int
	Name        string
	Length      int
	Md5sum      string
	Files       []File
}

type File struct {
	Length int
	Md5sum string
	Path   []string
}

// NewTorrent decodes a .torrent descriptor and derives the metadata the
// downloader works from. The info hash is the SHA-1 of the re-encoded info
// dictionary, byte-identical to the descriptor's own encoding.
func NewTorrent(torrentReader io.ReadSeeker) (*Torrent, error) {
	torrent := &Torrent{}

	metaInfo, err := bencode.Decode(torrentReader)
	if err != nil {
		return nil, err
	}
	metaInfoMap, ok := metaInfo.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("malformed torrent file")
	}
	infoMap, ok := metaInfoMap["info"]
	if !ok {
		return nil, fmt.Errorf("%w: info", ErrMissingField)
	}

	infoBencode := &bytes.Buffer{}
	if err := bencode.Marshal(infoBencode, infoMap); err != nil {
		return nil, err
	}
	infoHash := sha1.Sum(infoBencode.Bytes())
	torrent.InfoHash = infoHash[:]

	if _, err := torrentReader.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	err = bencode.Unmarshal(torrentReader, &torrent.MetaInfo)
	if err != nil {
		return nil, err
	}

	if torrent.MetaInfo.Announce == "" && len(torrent.MetaInfo.AnnounceList) == 0 {
		return nil, fmt.Errorf("%w: announce", ErrMissingField)
	}
	if torrent.MetaInfo.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: info.piece length", ErrMissingField)
	}
	if torrent.MetaInfo.Info.Name == "" {
		return nil, fmt.Errorf("%w: info.name", ErrMissingField)
	}
	if len(torrent.MetaInfo.Info.Pieces) == 0 {
		return nil, fmt.Errorf("%w: info.pieces", ErrMissingField)
	}
	if len(torrent.MetaInfo.Info.Pieces)%20 != 0 {
		return nil, ErrInvalidPieceHashes
	}
	torrent.NumPieces = len(torrent.MetaInfo.Info.Pieces) / 20

	// Total size of all files
	if len(torrent.MetaInfo.Info.Files) > 0 {
		for i := 0; i < len(torrent.MetaInfo.Info.Files); i++ {
			torrent.Length += torrent.MetaInfo.Info.Files[i].Length
		}
	} else {
		if torrent.MetaInfo.Info.Length <= 0 {
			return nil, fmt.Errorf("%w: info.length", ErrMissingField)
		}
		torrent.Length = torrent.MetaInfo.Info.Length
	}

	expectedPieces := (torrent.Length + torrent.MetaInfo.Info.PieceLength - 1) /
		torrent.MetaInfo.Info.PieceLength
	if torrent.NumPieces != expectedPieces {
		return nil, fmt.Errorf("torrent: have %d piece hashes, length implies %d",
			torrent.NumPieces, expectedPieces)
	}
	return torrent, nil
}

// PieceHash returns the expected SHA-1 digest of the given piece.
func (t *Torrent) PieceHash(pieceIndex int) []byte {
	return []byte(t.MetaInfo.Info.Pieces[20*pieceIndex : 20*(pieceIndex+1)])
}

// PieceLength returns the byte length of the given piece. Only the last
// piece may be shorter than info.piece length.
func (t *Torrent) PieceLength(pieceIndex int) int {
	if pieceIndex == t.NumPieces-1 {
		return t.Length - (t.NumPieces-1)*t.MetaInfo.Info.PieceLength
	}
	return t.MetaInfo.Info.PieceLength
}
