// Package filetransfer implements chunked, ordered file transfer on
// top of the object layer: a request/ack handshake followed by a
// windowless push of FilePart messages, with live progress on both
// ends.
package filetransfer

import (
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/bjarneo/lanlink/internal/object"
	"github.com/bjarneo/lanlink/internal/protocol"
	"github.com/bjarneo/lanlink/internal/transport"
)

const (
	DefaultBufferSize = 102400
	DefaultTempDir    = "./temp"
)

var (
	// ErrBusy means a transfer to that peer is already in flight.
	ErrBusy = errors.New("transfer to peer already in progress")
	// ErrTransferFailed wraps any mid-transfer abort.
	ErrTransferFailed = errors.New("transfer failed")
)

// Direction tells which side of a transfer a progress event is for.
type Direction int

const (
	Sending Direction = iota
	Receiving
)

func (d Direction) String() string {
	if d == Sending {
		return "sending"
	}
	return "receiving"
}

// Progress is emitted once per transferred part.
type Progress struct {
	Direction      Direction
	FileName       string
	FileLength     uint64
	BytesProcessed uint64
}

// Percent is BytesProcessed over FileLength. An empty file is
// complete by definition.
func (p Progress) Percent() float64 {
	if p.FileLength == 0 {
		return 1.0
	}
	return float64(p.BytesProcessed) / float64(p.FileLength)
}

// Received is emitted when the last part of a file has been written.
type Received struct {
	FileName string
	Path     string
	Sender   string
}

// Opts configures the file layer. Every field is optional: a nil Fs
// means the OS filesystem, and the rest default sensibly.
type Opts struct {
	Fs         afero.Fs
	TempDir    string
	BufferSize uint32
	// Accept decides incoming requests. Nil accepts everything.
	Accept     func(*protocol.FileSendMetadata) bool
	OnProgress func(Progress)
	OnReceived func(Received)
	OnError    func(peer string, err error)
}

// Service is the file layer. It subscribes to the exchange during
// construction and owns the send and receive records.
type Service struct {
	Opts
	exchange *object.Exchange

	mu    sync.Mutex
	sends map[string]*sendRecord
	recvs map[string]*recvRecord
}

func NewService(ex *object.Exchange, reg *protocol.Registry, opts Opts) *Service {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.TempDir == "" {
		opts.TempDir = DefaultTempDir
	}
	if opts.BufferSize == 0 {
		opts.BufferSize = DefaultBufferSize
	}
	s := &Service{
		Opts:     opts,
		exchange: ex,
		sends:    make(map[string]*sendRecord),
		recvs:    make(map[string]*recvRecord),
	}
	reg.Register(protocol.TagFileSendMetadata, protocol.DecodeFileSendMetadata)
	reg.Register(protocol.TagFileReqAck, protocol.DecodeFileReqAck)
	reg.Register(protocol.TagFilePartObj, protocol.DecodeFilePart)
	ex.Subscribe(s.handleObject)
	ex.SubscribePeers(s.handlePeer)
	return s
}

// Start brings up the layers beneath.
func (s *Service) Start() error {
	return s.exchange.Start()
}

// Stop drops every active record and shuts the stack down.
func (s *Service) Stop() {
	s.mu.Lock()
	sends, recvs := s.sends, s.recvs
	s.sends = make(map[string]*sendRecord)
	s.recvs = make(map[string]*recvRecord)
	s.mu.Unlock()
	for _, rec := range sends {
		rec.closeStreams()
	}
	for _, rec := range recvs {
		rec.closeStreams()
	}
	s.exchange.Stop()
}

// SendFiles opens every path, offers the batch to target, and returns
// once the request is on the wire. Streaming begins when the peer
// accepts. At most one outgoing transfer per target at a time.
func (s *Service) SendFiles(target string, paths []string, bufferSize uint32) error {
	if bufferSize == 0 {
		bufferSize = s.BufferSize
	}

	rec := &sendRecord{
		id:         uuid.NewString(),
		target:     target,
		bufferSize: bufferSize,
		state:      stateAwaitingAck,
	}

	s.mu.Lock()
	if _, ok := s.sends[target]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, target)
	}
	s.sends[target] = rec
	s.mu.Unlock()

	for _, path := range paths {
		f, err := s.Fs.Open(path)
		if err != nil {
			s.removeSend(rec)
			rec.closeStreams()
			return fmt.Errorf("open %s: %w", path, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			s.removeSend(rec)
			rec.closeStreams()
			return fmt.Errorf("stat %s: %w", path, err)
		}
		rec.transfers = append(rec.transfers, &fileTransfer{
			meta: protocol.FileMetadata{
				FileName: filepath.Base(path),
				FilePath: path,
				FileSize: uint64(info.Size()),
			},
			stream: f,
		})
	}

	local, err := s.exchange.Transport().LocalIP()
	if err != nil {
		s.removeSend(rec)
		rec.closeStreams()
		return err
	}
	req := &protocol.FileSendMetadata{BufferSize: bufferSize, SenderIP: local}
	for _, ft := range rec.transfers {
		req.Files = append(req.Files, ft.meta)
	}

	if err := s.exchange.SendTCP(target, req); err != nil {
		s.removeSend(rec)
		rec.closeStreams()
		return err
	}
	log.Printf("offered %d file(s) to %s (transfer %s)", len(paths), target, rec.id)
	return nil
}

func (s *Service) handleObject(meta object.Meta, obj protocol.Object) {
	switch v := obj.(type) {
	case *protocol.FileSendMetadata:
		s.handleRequest(meta.Source, v)
	case *protocol.FileReqAck:
		s.handleAck(meta.Source, v)
	case *protocol.FilePart:
		s.handlePart(meta.Source, v)
	}
}

// handleRequest validates an incoming batch, opens the destination
// streams under the temp dir, and answers with an ack. A new request
// from a sender with an active record replaces it; partial files stay
// on disk.
func (s *Service) handleRequest(from string, req *protocol.FileSendMetadata) {
	if s.Accept != nil && !s.Accept(req) {
		log.Printf("rejected transfer request from %s", from)
		s.sendAck(from, false)
		return
	}

	s.mu.Lock()
	old := s.recvs[from]
	delete(s.recvs, from)
	s.mu.Unlock()
	if old != nil {
		log.Printf("replacing active transfer %s from %s", old.id, from)
		old.closeStreams()
	}

	rec := &recvRecord{id: uuid.NewString(), sender: from}
	if err := s.Fs.MkdirAll(s.TempDir, 0o755); err != nil {
		log.Printf("create %s: %v", s.TempDir, err)
		s.sendAck(from, false)
		return
	}
	for _, fm := range req.Files {
		path := filepath.Join(s.TempDir, fm.FileName)
		f, err := s.Fs.Create(path)
		if err != nil {
			log.Printf("create %s: %v", path, err)
			rec.closeStreams()
			s.sendAck(from, false)
			return
		}
		rec.transfers = append(rec.transfers, &fileTransfer{meta: fm, path: path, stream: f})
	}

	s.mu.Lock()
	s.recvs[from] = rec
	s.mu.Unlock()

	log.Printf("accepting %d file(s) from %s (transfer %s)", len(req.Files), from, rec.id)
	if err := s.sendAck(from, true); err != nil {
		s.failRecv(rec, err)
	}
}

func (s *Service) sendAck(to string, accepted bool) error {
	err := s.exchange.SendTCP(to, &protocol.FileReqAck{Accepted: accepted})
	if err != nil {
		log.Printf("ack to %s: %v", to, err)
	}
	return err
}

func (s *Service) handleAck(from string, ack *protocol.FileReqAck) {
	s.mu.Lock()
	rec, ok := s.sends[from]
	if !ok || rec.state != stateAwaitingAck {
		s.mu.Unlock()
		return
	}
	if !ack.Accepted {
		rec.state = stateRejected
		delete(s.sends, from)
		s.mu.Unlock()
		rec.closeStreams()
		log.Printf("peer %s rejected transfer %s", from, rec.id)
		return
	}
	rec.state = stateStreaming
	s.mu.Unlock()

	go s.stream(rec)
}

// stream pushes every file of the record in declared order, one
// buffer-sized part at a time. Flow control is TCP backpressure; the
// buffer bounds resident bytes for the whole record.
func (s *Service) stream(rec *sendRecord) {
	buf := make([]byte, rec.bufferSize)
	for _, ft := range rec.transfers {
		remaining := ft.meta.FileSize
		var offset uint64
		for {
			n := uint64(len(buf))
			if remaining < n {
				n = remaining
			}
			chunk := buf[:n]
			if n > 0 {
				if _, err := io.ReadFull(ft.stream, chunk); err != nil {
					s.failSend(rec, fmt.Errorf("read %s: %w", ft.meta.FilePath, err))
					return
				}
			}
			last := remaining == n
			part := &protocol.FilePart{
				FileMetadata: ft.meta,
				Offset:       offset,
				Data:         chunk,
				IsLast:       last,
			}
			if err := s.exchange.SendTCP(rec.target, part); err != nil {
				s.failSend(rec, err)
				return
			}
			offset += n
			remaining -= n
			ft.bytesProcessed = offset
			s.emitProgress(Progress{
				Direction:      Sending,
				FileName:       ft.meta.FileName,
				FileLength:     ft.meta.FileSize,
				BytesProcessed: offset,
			})
			if last {
				ft.eof = true
				break
			}
		}
	}

	rec.state = stateDone
	if s.removeSend(rec) {
		rec.closeStreams()
		log.Printf("transfer %s to %s complete", rec.id, rec.target)
	}
}

// handlePart writes one chunk at its declared offset. Parts arrive in
// send order on the sender's connection, so the seek is a no-op for a
// conformant sender; it keeps a reconnecting sender correct.
func (s *Service) handlePart(from string, part *protocol.FilePart) {
	s.mu.Lock()
	rec, ok := s.recvs[from]
	s.mu.Unlock()
	if !ok {
		log.Printf("part from %s without active transfer", from)
		return
	}
	ft := rec.find(part.FileMetadata)
	if ft == nil || ft.eof {
		log.Printf("part from %s for unknown file %q", from, part.FileMetadata.FileName)
		return
	}

	if _, err := ft.stream.Seek(int64(part.Offset), io.SeekStart); err != nil {
		s.failRecv(rec, fmt.Errorf("seek %s: %w", ft.path, err))
		return
	}
	if _, err := ft.stream.Write(part.Data); err != nil {
		s.failRecv(rec, fmt.Errorf("write %s: %w", ft.path, err))
		return
	}
	ft.bytesProcessed = part.Offset + uint64(len(part.Data))
	s.emitProgress(Progress{
		Direction:      Receiving,
		FileName:       ft.meta.FileName,
		FileLength:     ft.meta.FileSize,
		BytesProcessed: ft.bytesProcessed,
	})

	if part.IsLast {
		ft.stream.Close()
		ft.eof = true
		if s.OnReceived != nil {
			s.OnReceived(Received{FileName: ft.meta.FileName, Path: ft.path, Sender: from})
		}
		if rec.complete() {
			s.mu.Lock()
			if s.recvs[from] == rec {
				delete(s.recvs, from)
			}
			s.mu.Unlock()
			log.Printf("transfer %s from %s complete", rec.id, from)
		}
	}
}

// handlePeer drops the records that depended on a lost connection.
func (s *Service) handlePeer(p transport.Peer, becameActive bool) {
	if becameActive {
		return
	}
	s.mu.Lock()
	send := s.sends[p.Addr]
	recv := s.recvs[p.Addr]
	delete(s.sends, p.Addr)
	delete(s.recvs, p.Addr)
	s.mu.Unlock()

	if send != nil {
		send.closeStreams()
		s.emitError(p.Addr, fmt.Errorf("%w: connection to %s lost", ErrTransferFailed, p.Addr))
	}
	if recv != nil {
		recv.closeStreams()
		s.emitError(p.Addr, fmt.Errorf("%w: connection to %s lost", ErrTransferFailed, p.Addr))
	}
}

func (s *Service) removeSend(rec *sendRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sends[rec.target] == rec {
		delete(s.sends, rec.target)
		return true
	}
	return false
}

func (s *Service) removeRecv(rec *recvRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recvs[rec.sender] == rec {
		delete(s.recvs, rec.sender)
		return true
	}
	return false
}

func (s *Service) failSend(rec *sendRecord, err error) {
	if s.removeSend(rec) {
		rec.closeStreams()
		s.emitError(rec.target, fmt.Errorf("%w: %v", ErrTransferFailed, err))
	}
}

func (s *Service) failRecv(rec *recvRecord, err error) {
	if s.removeRecv(rec) {
		rec.closeStreams()
		s.emitError(rec.sender, fmt.Errorf("%w: %v", ErrTransferFailed, err))
	}
}

func (s *Service) emitProgress(p Progress) {
	if s.OnProgress != nil {
		s.OnProgress(p)
	}
}

func (s *Service) emitError(peer string, err error) {
	log.Printf("transfer with %s failed: %v", peer, err)
	if s.OnError != nil {
		s.OnError(peer, err)
	}
}
