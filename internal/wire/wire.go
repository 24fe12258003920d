// Package wire implements the single framing convention raftcache uses
// everywhere it serializes a message to a stream: a 4-byte big-endian
// length header followed by a JSON payload. It backs both the inter-node
// Raft transport and the client-facing RPC server, so that a plain TCP
// client never needs a generated stub to talk to either one.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/raftcache/raftcache/internal/errors"
)

// maxFrameSize bounds how large a single frame's JSON payload may be,
// guarding against a corrupt or malicious length header causing an
// unbounded allocation.
const maxFrameSize = 64 << 20

// WriteFramed marshals v as JSON and writes it to w as a single frame.
func WriteFramed(w io.Writer, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(buf) > maxFrameSize {
		return errors.New("encoded message exceeds maximum frame size")
	}
	size := uint32(len(buf))
	if err := binary.Write(w, binary.BigEndian, size); err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFramed reads a single frame from r and unmarshals its JSON payload into v.
func ReadFramed(r io.Reader, v interface{}) error {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return err
	}
	if size > maxFrameSize {
		return errors.New("frame size exceeds maximum")
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	return json.Unmarshal(buf, v)
}
