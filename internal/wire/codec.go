// Package wire implements the compact, schemaless, length-delimited
// encoding used for slot and mailbox payloads: a flag word plus a
// length-prefixed byte blob, little-endian, with no schema on the wire.
// It is deliberately not built on a reflection-based encoding library: no
// dependency available anywhere in the retrieved pack implements a
// comparable schemaless binary codec (flatbuffers and protobuf stacks
// elsewhere in the pack are both schema'd, which is exactly what this
// format must not be) — see DESIGN.md.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Message is the payload carried by a slot or mailbox box: an opaque
// command/response envelope from the protocol-server layer, identified
// by a 32-bit flag/kind word plus raw bytes.
type Message struct {
	// Flag distinguishes message kinds for the business handler; it is
	// opaque to the pipe and mailbox themselves.
	Flag uint32
	Data []byte
}

// headerSize is 4 bytes flag + 4 bytes length-prefix.
const headerSize = 8

// Encode serializes m into a length-delimited buffer: a little-endian
// uint32 flag, a little-endian uint32 data length, then the raw bytes.
func Encode(m Message) []byte {
	buf := make([]byte, headerSize+len(m.Data))
	binary.LittleEndian.PutUint32(buf[0:4], m.Flag)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(m.Data)))
	copy(buf[headerSize:], m.Data)
	return buf
}

// EncodedSize returns the number of bytes Encode(m) would occupy, without
// allocating — used by callers that need to reject an oversize message
// before committing to a slot.
func EncodedSize(m Message) int {
	return headerSize + len(m.Data)
}

// Decode parses a buffer previously produced by Encode. buf may be longer
// than the encoded message (e.g. a fixed-size slot with trailing zero
// padding); only the length-prefixed portion is read.
func Decode(buf []byte) (Message, error) {
	if len(buf) < headerSize {
		return Message{}, fmt.Errorf("wire: buffer too short for header: %d bytes", len(buf))
	}

	flag := binary.LittleEndian.Uint32(buf[0:4])
	length := binary.LittleEndian.Uint32(buf[4:8])

	if int(length) > len(buf)-headerSize {
		return Message{}, fmt.Errorf("wire: declared length %d exceeds buffer capacity %d", length, len(buf)-headerSize)
	}

	data := make([]byte, length)
	copy(data, buf[headerSize:headerSize+int(length)])

	return Message{Flag: flag, Data: data}, nil
}
