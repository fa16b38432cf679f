package protocol

// Envelope wraps every message on the wire with the sender identity
// and a type tag so the receiver can dispatch without knowing the
// payload layout.
type Envelope struct {
	Source  string // sender's IPv4 address
	Tag     string // registered type tag, e.g. "FilePartObj"
	Payload []byte
}

// Encode serializes the envelope. Field order is fixed: source, tag,
// payload length, payload bytes. Identical inputs yield identical
// bytes.
func (e Envelope) Encode() []byte {
	var w writer
	w.str(e.Source)
	w.str(e.Tag)
	w.blob(e.Payload)
	return w.bytes()
}

// DecodeEnvelope parses an envelope from b. Bytes past the declared
// payload are ignored so newer senders can append fields.
func DecodeEnvelope(b []byte) (Envelope, error) {
	r := reader{b: b}
	e := Envelope{
		Source: r.str(),
		Tag:    r.str(),
	}
	e.Payload = r.blob()
	if r.err != nil {
		return Envelope{}, r.err
	}
	return e, nil
}
