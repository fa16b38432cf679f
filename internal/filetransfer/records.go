package filetransfer

import (
	"github.com/spf13/afero"

	"github.com/bjarneo/lanlink/internal/protocol"
)

type sendState int

const (
	stateAwaitingAck sendState = iota
	stateStreaming
	stateDone
	stateRejected
)

// fileTransfer tracks one file in one direction. The stream is
// read-only while sending and read/write while receiving; it is
// closed when the owning record is dropped or, on the receiving side,
// when the file completes.
type fileTransfer struct {
	meta           protocol.FileMetadata
	path           string // receiver-side destination, empty on send
	bytesProcessed uint64
	stream         afero.File
	eof            bool
}

// sendRecord is the outgoing side of one transfer request. At most
// one exists per target address at a time.
type sendRecord struct {
	id         string
	target     string
	bufferSize uint32
	transfers  []*fileTransfer
	state      sendState
}

func (r *sendRecord) closeStreams() {
	for _, ft := range r.transfers {
		if ft.stream != nil {
			ft.stream.Close()
		}
	}
}

// recvRecord is the incoming side, uniquely indexed by sender
// address while active.
type recvRecord struct {
	id        string
	sender    string
	transfers []*fileTransfer
}

func (r *recvRecord) closeStreams() {
	for _, ft := range r.transfers {
		if ft.stream != nil && !ft.eof {
			ft.stream.Close()
		}
	}
}

// find matches a part to its transfer by file name and size.
func (r *recvRecord) find(meta protocol.FileMetadata) *fileTransfer {
	for _, ft := range r.transfers {
		if ft.meta.FileName == meta.FileName && ft.meta.FileSize == meta.FileSize {
			return ft
		}
	}
	return nil
}

func (r *recvRecord) complete() bool {
	for _, ft := range r.transfers {
		if !ft.eof {
			return false
		}
	}
	return true
}
