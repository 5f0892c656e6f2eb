package codec

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"fleetrpc/message"
)

// BinaryCodec lays an RPCMessage out as length-prefixed fields:
//
//	u16 len | ServiceMethod | u32 len | Payload | u16 len | Error | u16 count | (u16 len | key | u16 len | value)*
type BinaryCodec struct{}

var errShort = errors.New("BinaryCodec: truncated message")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *RPCMessage
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *RPCMessage")
	}
	if len(msg.ServiceMethod) > 0xffff || len(msg.Error) > 0xffff || len(msg.Metadata) > 0xffff {
		return nil, errors.New("BinaryCodec: field too long")
	}

	keys := make([]string, 0, len(msg.Metadata))
	total := 2 + len(msg.ServiceMethod) + 4 + len(msg.Payload) + 2 + len(msg.Error) + 2
	for k, val := range msg.Metadata {
		if len(k) > 0xffff || len(val) > 0xffff {
			return nil, errors.New("BinaryCodec: metadata entry too long")
		}
		keys = append(keys, k)
		total += 4 + len(k) + len(val)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, total)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.ServiceMethod)))
	buf = append(buf, msg.ServiceMethod...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Error)))
	buf = append(buf, msg.Error...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(k)))
		buf = append(buf, k...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Metadata[k])))
		buf = append(buf, msg.Metadata[k]...)
	}
	return buf, nil
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) u16() (int, error) {
	if r.off+2 > len(r.data) {
		return 0, errShort
	}
	n := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return int(n), nil
}

func (r *reader) u32() (int, error) {
	if r.off+4 > len(r.data) {
		return 0, errShort
	}
	n := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return int(n), nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.data) {
		return nil, errShort
	}
	b := make([]byte, n)
	copy(b, r.data[r.off:r.off+n])
	r.off += n
	return b, nil
}

func (r *reader) str16() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(n)
	return string(b), err
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *RPCMessage")
	}
	r := &reader{data: data}
	var err error
	if msg.ServiceMethod, err = r.str16(); err != nil {
		return err
	}
	n, err := r.u32()
	if err != nil {
		return err
	}
	if msg.Payload, err = r.bytes(n); err != nil {
		return err
	}
	if msg.Error, err = r.str16(); err != nil {
		return err
	}
	count, err := r.u16()
	if err != nil {
		return err
	}
	msg.Metadata = nil
	if count > 0 {
		msg.Metadata = make(map[string]string, count)
	}
	for i := 0; i < count; i++ {
		k, err := r.str16()
		if err != nil {
			return err
		}
		val, err := r.str16()
		if err != nil {
			return err
		}
		msg.Metadata[k] = val
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
