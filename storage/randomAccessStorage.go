package storage

import (
	"os"
	"strings"
	"sync"

	"github.com/Torwalt/rusty-bittorrent-client/torrent"
	"github.com/boljen/go-bitmap"
	"github.com/spf13/afero"
)

type randomAccessStorage struct {
	torrent   *torrent.Torrent
	files     []afero.File
	fileSizes []int
	fileLocks []*sync.Mutex
}

// NewRandomAccessStorage creates (or opens) the torrent's files pre-sized to
// their full length, so verified pieces can land at any offset in any order.
func NewRandomAccessStorage(
	torrent *torrent.Torrent) (Storage, error) {

	s := &randomAccessStorage{
		torrent: torrent,
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func openOrCreateFile(path string, size int) (afero.File, error) {
	file, err := openFile(path, os.O_CREATE|os.O_RDWR, 0755)
	if err != nil {
		return nil, err
	}
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		return nil, err
	}
	return file, nil
}

func (d *randomAccessStorage) init() error {
	info := d.torrent.MetaInfo.Info
	if len(info.Files) > 0 {
		// Multiple file mode: everything lives under a root directory
		// named after the torrent
		if _, err := appFS.Stat(info.Name); os.IsNotExist(err) {
			if err := appFS.Mkdir(info.Name, 0755); err != nil {
				return err
			}
		}

		for _, file := range info.Files {
			if len(file.Path) > 1 {
				subdir := strings.Join(append([]string{info.Name}, file.Path[:len(file.Path)-1]...), "/")
				if _, err := appFS.Stat(subdir); os.IsNotExist(err) {
					if err := appFS.MkdirAll(subdir, 0755); err != nil {
						return err
					}
				}
			}
			path := strings.Join(append([]string{info.Name}, file.Path...), "/")
			f, err := openOrCreateFile(path, file.Length)
			if err != nil {
				return err
			}
			d.files = append(d.files, f)
			d.fileSizes = append(d.fileSizes, file.Length)
			d.fileLocks = append(d.fileLocks, &sync.Mutex{})
		}
		return nil
	}

	// Single file mode
	f, err := openOrCreateFile(info.Name, d.torrent.Length)
	if err != nil {
		return err
	}
	d.files = append(d.files, f)
	d.fileSizes = append(d.fileSizes, d.torrent.Length)
	d.fileLocks = append(d.fileLocks, &sync.Mutex{})
	return nil
}

// seekFile maps an absolute torrent offset onto a file index and an offset
// within that file.
func (d *randomAccessStorage) seekFile(offset int) (int, int) {
	fileIndex := 0
	for fileIndex < len(d.files)-1 && offset >= d.fileSizes[fileIndex] {
		offset -= d.fileSizes[fileIndex]
		fileIndex++
	}
	return fileIndex, offset
}

func (d *randomAccessStorage) WritePieceRequest(pieceIndex int, data []byte) error {
	offset := pieceIndex * d.torrent.MetaInfo.Info.PieceLength
	fileIndex, offset := d.seekFile(offset)

	// A piece may span several file boundaries
	for len(data) > 0 {
		writeLen := len(data)
		if offset+writeLen > d.fileSizes[fileIndex] {
			writeLen = d.fileSizes[fileIndex] - offset
		}
		d.fileLocks[fileIndex].Lock()
		_, err := d.files[fileIndex].WriteAt(data[:writeLen], int64(offset))
		d.fileLocks[fileIndex].Unlock()
		if err != nil {
			return err
		}
		data = data[writeLen:]
		offset = 0
		fileIndex++
	}
	return nil
}

func (d *randomAccessStorage) ReadPieceRequest(pieceIndex int) ([]byte, error) {
	offset := pieceIndex * d.torrent.MetaInfo.Info.PieceLength
	fileIndex, offset := d.seekFile(offset)

	data := make([]byte, d.torrent.PieceLength(pieceIndex))
	read := 0
	for read < len(data) {
		readLen := len(data) - read
		if offset+readLen > d.fileSizes[fileIndex] {
			readLen = d.fileSizes[fileIndex] - offset
		}
		d.fileLocks[fileIndex].Lock()
		_, err := d.files[fileIndex].ReadAt(data[read:read+readLen], int64(offset))
		d.fileLocks[fileIndex].Unlock()
		if err != nil {
			return nil, err
		}
		read += readLen
		offset = 0
		fileIndex++
	}
	return data, nil
}

// GetCurrentDownloadState reports a fresh download. Resuming a partial
// download across restarts is out of scope, so every piece starts missing.
func (d *randomAccessStorage) GetCurrentDownloadState() (bitmap.Bitmap, bool, int) {
	clientBitfield := bitmap.New(d.torrent.NumPieces)
	return clientBitfield, false, d.torrent.Length
}

func (d *randomAccessStorage) Close() {
	for _, f := range d.files {
		f.Close()
	}
}
