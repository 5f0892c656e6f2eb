// Package protocol implements the wire framing shared by the RPC transport and the
// inter-process channel.
//
// Two framings live here.
//
// Prefixed frames (inter-process channel): a 4-byte big-endian payload length followed by
// exactly that many bytes.
//
//	0         4
//	┌─────────┬──────────────────┐
//	│ len(p)  │ p ...            │
//	└─────────┴──────────────────┘
//
// RPC frames: the first 4 bytes carry the total frame length (header included), so any
// length-first reader can cut the stream without knowing the rest of the header.
//
//	0         4      7  8  9  10        14
//	┌─────────┬──────┬──┬──┬──┬─────────┬───────────────┐
//	│ total   │magic │v │ct│mt│   seq   │    body ...    │
//	│ uint32  │ frp  │01│  │  │ uint32  │                │
//	└─────────┴──────┴──┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Magic number bytes: "frp" (fleet rpc protocol).
// Used to quickly identify whether the incoming data is a valid frame,
// rejecting non-protocol connections (e.g., HTTP clients hitting the wrong port).
const (
	MagicNumber byte = 0x66 // 'f'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 4 (total length) + 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq)
	PrefixSize  int  = 4
)

// MaxFrameSize bounds every frame this package reads.
const MaxFrameSize = 16 << 20

var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server RPC request
	MsgTypeResponse  MsgType = 1 // Server → Client RPC response
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // Serialization format: 0=JSON, 1=Binary
	MsgType   MsgType // Request, Response, or Heartbeat
	Seq       uint32  // Sequence ID, echoed by the server
	BodyLen   uint32  // Body length in bytes
}

// WritePrefixed writes one prefixed frame. The prefix and payload go out in one write.
func WritePrefixed(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, PrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[PrefixSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadPrefixed reads one prefixed frame. A stream that ends before the prefix is complete
// returns io.EOF; one that ends inside the payload returns io.ErrUnexpectedEOF.
func ReadPrefixed(r io.Reader) ([]byte, error) {
	var prefix [PrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// Marshal builds a complete RPC frame (header + body).
func Marshal(h *Header, body []byte) ([]byte, error) {
	if HeaderSize+len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(HeaderSize+len(body)))
	copy(buf[4:7], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[7] = Version
	buf[8] = h.CodecType
	buf[9] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[10:14], h.Seq)
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// Encode writes a complete frame (header + body) to w in a single write.
// The caller must hold a write lock if multiple goroutines share the same writer.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf, err := Marshal(h, body)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decode reads a complete frame from r.
func Decode(r io.Reader) (*Header, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, nil, err
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total < uint32(HeaderSize) {
		return nil, nil, errors.Errorf("frame length %d shorter than header", total)
	}
	if total > MaxFrameSize {
		return nil, nil, ErrFrameTooLarge
	}
	frame := make([]byte, total)
	copy(frame, lenBuf[:])
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return nil, nil, err
	}
	return Unmarshal(frame)
}

// Unmarshal parses one complete frame as produced by Marshal.
// It validates the magic number, version, codec type, and message type.
func Unmarshal(frame []byte) (*Header, []byte, error) {
	if len(frame) < HeaderSize {
		return nil, nil, errors.Errorf("frame of %d bytes shorter than header", len(frame))
	}
	total := binary.BigEndian.Uint32(frame[0:4])
	if int(total) != len(frame) {
		return nil, nil, errors.Errorf("frame length field %d does not match %d bytes", total, len(frame))
	}

	// Validate magic number, reject non-protocol connections
	if frame[4] != MagicNumber || frame[5] != MagicByte2 || frame[6] != MagicByte3 {
		return nil, nil, errors.Errorf("invalid magic number: %x", frame[4:7])
	}
	if frame[7] != Version {
		return nil, nil, errors.Errorf("unsupported version: %d", frame[7])
	}
	if frame[8] != CodecTypeJSON && frame[8] != CodecTypeBinary {
		return nil, nil, errors.Errorf("unsupported codec type: %d", frame[8])
	}
	msgType := frame[9]
	if msgType != byte(MsgTypeRequest) && msgType != byte(MsgTypeResponse) && msgType != byte(MsgTypeHeartbeat) {
		return nil, nil, errors.Errorf("unsupported message type: %d", msgType)
	}

	body := frame[HeaderSize:]
	return &Header{
		CodecType: frame[8],
		MsgType:   MsgType(msgType),
		Seq:       binary.BigEndian.Uint32(frame[10:14]),
		BodyLen:   uint32(len(body)),
	}, body, nil
}

// Split cuts the first complete RPC frame off buf. ok is false when buf does not yet hold a
// whole frame; rest is what remains after the frame.
func Split(buf []byte) (frame, rest []byte, ok bool, err error) {
	if len(buf) < 4 {
		return nil, buf, false, nil
	}
	total := binary.BigEndian.Uint32(buf[0:4])
	if total < uint32(HeaderSize) {
		return nil, buf, false, errors.Errorf("frame length %d shorter than header", total)
	}
	if total > MaxFrameSize {
		return nil, buf, false, ErrFrameTooLarge
	}
	if uint32(len(buf)) < total {
		return nil, buf, false, nil
	}
	return buf[:total], buf[total:], true, nil
}
