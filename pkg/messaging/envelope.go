// Package messaging implements the cluster message envelope, the
// per-peer outbound queue with its backpressure policy, and the
// request/reply correlation table used by the LRE remote transport and
// the manager's cluster bus.
package messaging

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// compressThreshold is the payload size above which the envelope is
// compressed before being written to the wire.
const compressThreshold = 128

// MaxFrameSize bounds a single length-prefixed frame read by ReadFrame,
// guarding against a corrupt or hostile length header demanding an
// unreasonable allocation.
const MaxFrameSize = 8 << 20

// Sender identifies the process that originated a message.
type Sender struct {
	ID   uint32
	Name string
	PID  int32
	Type string
}

// Host identifies the message's intended destination node. A zero ID means
// "broadcast, no host filtering"; a non-zero ID that doesn't match the
// local node id causes the receiver to discard the message unprocessed.
type Host struct {
	ID      uint32
	Name    string
	Type    string
	IsLocal bool
}

// Envelope is the cluster message wire record.
type Envelope struct {
	Sender  Sender
	Host    Host
	Class   string
	ID      uint32
	Payload []byte
}

// ErrForeignHost describes an envelope whose host id names a different
// node. No function in this package returns it; ForLocalHost reports
// that case as false.
var ErrForeignHost = errors.New("messaging: envelope host id does not match local node")

// ForLocalHost reports whether envelope e should be processed by the node
// identified by localID: either the envelope carries no host id (a
// cluster-wide broadcast) or it matches exactly.
func ForLocalHost(e *Envelope, localID uint32) bool {
	return e.Host.ID == 0 || e.Host.ID == localID
}

// Encode serializes an envelope to its wire form. Payloads larger than
// compressThreshold are zlib-compressed; the wire header always carries
// both the on-wire length and the declared uncompressed length so the
// receiver can preallocate and verify.
func Encode(e *Envelope) ([]byte, error) {
	payload := e.Payload
	compressed := false
	uncompressedLen := len(payload)

	if len(payload) > compressThreshold {
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("messaging: compress payload: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("messaging: close compressor: %w", err)
		}
		if buf.Len() < uncompressedLen {
			payload = buf.Bytes()
			compressed = true
		}
	}

	var buf bytes.Buffer
	writeUint32(&buf, e.Sender.ID)
	writeString(&buf, e.Sender.Name)
	writeInt32(&buf, e.Sender.PID)
	writeString(&buf, e.Sender.Type)

	writeUint32(&buf, e.Host.ID)
	writeString(&buf, e.Host.Name)
	writeString(&buf, e.Host.Type)
	writeBool(&buf, e.Host.IsLocal)

	writeString(&buf, e.Class)
	writeUint32(&buf, e.ID)

	writeBool(&buf, compressed)
	writeUint32(&buf, uint32(uncompressedLen))
	writeUint32(&buf, uint32(len(payload)))
	buf.Write(payload)

	return buf.Bytes(), nil
}

// Decode parses an envelope's wire form, decompressing the payload if the
// compressed flag is set and verifying the result matches the declared
// uncompressed length.
func Decode(data []byte) (*Envelope, error) {
	r := bytes.NewReader(data)

	e := &Envelope{}
	var err error
	if e.Sender.ID, err = readUint32(r); err != nil {
		return nil, err
	}
	if e.Sender.Name, err = readString(r); err != nil {
		return nil, err
	}
	if e.Sender.PID, err = readInt32(r); err != nil {
		return nil, err
	}
	if e.Sender.Type, err = readString(r); err != nil {
		return nil, err
	}

	if e.Host.ID, err = readUint32(r); err != nil {
		return nil, err
	}
	if e.Host.Name, err = readString(r); err != nil {
		return nil, err
	}
	if e.Host.Type, err = readString(r); err != nil {
		return nil, err
	}
	if e.Host.IsLocal, err = readBool(r); err != nil {
		return nil, err
	}

	if e.Class, err = readString(r); err != nil {
		return nil, err
	}
	if e.ID, err = readUint32(r); err != nil {
		return nil, err
	}

	compressed, err := readBool(r)
	if err != nil {
		return nil, err
	}
	uncompressedLen, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	wireLen, err := readUint32(r)
	if err != nil {
		return nil, err
	}

	wire := make([]byte, wireLen)
	if _, err := io.ReadFull(r, wire); err != nil {
		return nil, fmt.Errorf("messaging: read payload: %w", err)
	}

	if !compressed {
		e.Payload = wire
		return e, nil
	}

	zr, err := zlib.NewReader(bytes.NewReader(wire))
	if err != nil {
		return nil, fmt.Errorf("messaging: open compressed payload: %w", err)
	}
	defer zr.Close()

	payload := make([]byte, 0, uncompressedLen)
	buf := bytes.NewBuffer(payload)
	if _, err := io.Copy(buf, zr); err != nil {
		return nil, fmt.Errorf("messaging: decompress payload: %w", err)
	}
	if buf.Len() != int(uncompressedLen) {
		return nil, fmt.Errorf("messaging: decompressed length %d does not match declared %d", buf.Len(), uncompressedLen)
	}
	e.Payload = buf.Bytes()
	return e, nil
}

// WriteFrame writes env to w as a 4-byte big-endian length prefix followed
// by its Encode-d form, the wire framing shared by the cluster bus and any
// other direct envelope client (the join handshake's dial-and-send path
// among them).
func WriteFrame(w io.Writer, env *Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed frame from r and decodes it.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("messaging: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return Decode(buf)
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeInt32(buf *bytes.Buffer, v int32) {
	writeUint32(buf, uint32(v))
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("messaging: read uint32: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readInt32(r *bytes.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, fmt.Errorf("messaging: read bool: %w", err)
	}
	return b != 0, nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("messaging: read string: %w", err)
	}
	return string(b), nil
}
