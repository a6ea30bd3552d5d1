package storage

import (
	"github.com/boljen/go-bitmap"
	"github.com/spf13/afero"
)

var appFS = afero.NewOsFs()
var openFile = appFS.OpenFile

// Storage is the addressable sink verified pieces are committed to. Only the
// piece manager writes to it, so there is one writer per piece offset.
type Storage interface {
	WritePieceRequest(pieceIndex int, data []byte) (err error)
	ReadPieceRequest(pieceIndex int) (data []byte, err error)
	GetCurrentDownloadState() (clientBitfield bitmap.Bitmap, completed bool, left int)
	Close()
}
