package protocol

// Wire-visible type tags.
const (
	TagFileSendMetadata = "FileSendMetadata"
	TagFileReqAck       = "FileReqAck"
	TagFilePartObj      = "FilePartObj"
	TagTextMsg          = "TextMsg"
)

// FileMetadata describes one file in a transfer request. It is nested
// inside other messages and never sent on its own.
type FileMetadata struct {
	FileName string
	FilePath string // sender-side path, used by the sender only
	FileSize uint64
}

func (m FileMetadata) encode(w *writer) {
	w.str(m.FileName)
	w.str(m.FilePath)
	w.u64(m.FileSize)
}

func decodeFileMetadata(r *reader) FileMetadata {
	return FileMetadata{
		FileName: r.str(),
		FilePath: r.str(),
		FileSize: r.u64(),
	}
}

// FileSendMetadata opens a transfer: the list of files the sender
// wants to push, the chunk size it will use, and its own address.
type FileSendMetadata struct {
	Files      []FileMetadata
	BufferSize uint32
	SenderIP   string
}

func (m *FileSendMetadata) Tag() string { return TagFileSendMetadata }

func (m *FileSendMetadata) Encode() []byte {
	var w writer
	w.u32(uint32(len(m.Files)))
	for _, f := range m.Files {
		f.encode(&w)
	}
	w.u32(m.BufferSize)
	w.str(m.SenderIP)
	return w.bytes()
}

func DecodeFileSendMetadata(b []byte) (Object, error) {
	r := reader{b: b}
	n := r.u32()
	m := &FileSendMetadata{}
	for i := uint32(0); i < n && r.err == nil; i++ {
		m.Files = append(m.Files, decodeFileMetadata(&r))
	}
	m.BufferSize = r.u32()
	m.SenderIP = r.str()
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

// FileReqAck answers a FileSendMetadata.
type FileReqAck struct {
	Accepted bool
}

func (a *FileReqAck) Tag() string { return TagFileReqAck }

func (a *FileReqAck) Encode() []byte {
	var w writer
	w.boolean(a.Accepted)
	return w.bytes()
}

func DecodeFileReqAck(b []byte) (Object, error) {
	r := reader{b: b}
	a := &FileReqAck{Accepted: r.boolean()}
	if r.err != nil {
		return nil, r.err
	}
	return a, nil
}

// FilePart carries one chunk of one file. Offset and IsLast are
// derivable from the send loop but travel on the wire so the receiver
// writes correctly even if a sender reconnects mid-stream.
type FilePart struct {
	FileMetadata FileMetadata
	Offset       uint64
	Data         []byte
	IsLast       bool
}

func (p *FilePart) Tag() string { return TagFilePartObj }

func (p *FilePart) Encode() []byte {
	var w writer
	p.FileMetadata.encode(&w)
	w.u64(p.Offset)
	w.blob(p.Data)
	w.boolean(p.IsLast)
	return w.bytes()
}

func DecodeFilePart(b []byte) (Object, error) {
	r := reader{b: b}
	p := &FilePart{
		FileMetadata: decodeFileMetadata(&r),
		Offset:       r.u64(),
	}
	p.Data = r.blob()
	p.IsLast = r.boolean()
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// TextMsg is a plain chat line between peers.
type TextMsg struct {
	Nickname string
	Body     string
}

func (t *TextMsg) Tag() string { return TagTextMsg }

func (t *TextMsg) Encode() []byte {
	var w writer
	w.str(t.Nickname)
	w.str(t.Body)
	return w.bytes()
}

func DecodeTextMsg(b []byte) (Object, error) {
	r := reader{b: b}
	t := &TextMsg{Nickname: r.str(), Body: r.str()}
	if r.err != nil {
		return nil, r.err
	}
	return t, nil
}

// RegisterAll installs the decoders for every built-in message type.
func RegisterAll(r *Registry) {
	r.Register(TagFileSendMetadata, DecodeFileSendMetadata)
	r.Register(TagFileReqAck, DecodeFileReqAck)
	r.Register(TagFilePartObj, DecodeFilePart)
	r.Register(TagTextMsg, DecodeTextMsg)
}
