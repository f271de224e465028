package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zeusync/ghostline/internal/core/interpolation"
	"github.com/zeusync/ghostline/pkg/generic"
)

// Wire layout, little-endian:
//
//	join/leave/reset: type:u8 | entity:16
//	snapshot:         type:u8 | entity:16 | x,y,z,yaw:f64 | server_time:u64
//	batch:            type:u8 | count:u16 | count * (entity:16 | x,y,z,yaw:f64 | server_time:u64)
const (
	entitySize      = 16
	snapshotSize    = 5 * 8
	headerSize      = 1 + entitySize
	controlSize     = headerSize
	snapshotFrame   = headerSize + snapshotSize
	batchHeaderSize = 1 + 2
	batchEntrySize  = entitySize + snapshotSize

	// MaxBatchEntries bounds a single batch frame.
	MaxBatchEntries = 1024
)

var bufferPool = generic.NewResettablePool(
	func() []byte { return make([]byte, 0, 4096) },
	func(b []byte) []byte { return b[:0] },
)

// GetBuffer returns an empty, pooled scratch buffer for AppendFrame and
// AppendBatch. Hand it back with PutBuffer once the bytes are written out.
func GetBuffer() []byte { return bufferPool.Get() }

func PutBuffer(b []byte) { bufferPool.Put(b) }

// BatchSize is the encoded length of a batch holding n snapshots.
func BatchSize(n int) int { return batchHeaderSize + n*batchEntrySize }

// Encode encodes a single non-batch frame.
func Encode(f Frame) ([]byte, error) {
	return AppendFrame(nil, f)
}

// AppendFrame appends the encoding of f to dst.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	switch f.Type {
	case MessageTypeJoin, MessageTypeLeave, MessageTypeReset:
		dst = append(dst, byte(f.Type))
		return append(dst, f.Entity[:]...), nil
	case MessageTypeSnapshot:
		dst = append(dst, byte(f.Type))
		dst = append(dst, f.Entity[:]...)
		return appendSnapshot(dst, f.Snapshot), nil
	case MessageTypeBatch:
		return dst, ErrNestedBatch
	default:
		return dst, fmt.Errorf("%w: %s", ErrUnknownMessageType, f.Type)
	}
}

// EncodeBatch packs snapshot frames into one batch frame.
func EncodeBatch(frames []Frame) ([]byte, error) {
	return AppendBatch(make([]byte, 0, BatchSize(len(frames))), frames)
}

// AppendBatch appends a batch frame holding frames, which must all be
// snapshots.
func AppendBatch(dst []byte, frames []Frame) ([]byte, error) {
	if len(frames) > MaxBatchEntries {
		return dst, fmt.Errorf("%w: %d entries", ErrBatchTooLarge, len(frames))
	}

	dst = append(dst, byte(MessageTypeBatch))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(frames)))
	for i := range frames {
		if frames[i].Type != MessageTypeSnapshot {
			return dst, fmt.Errorf("%w: got %s", ErrNestedBatch, frames[i].Type)
		}
		dst = append(dst, frames[i].Entity[:]...)
		dst = appendSnapshot(dst, frames[i].Snapshot)
	}
	return dst, nil
}

// Decode parses one wire message.
func Decode(data []byte) ([]Frame, error) {
	return DecodeAppend(nil, data)
}

// DecodeAppend parses one wire message and appends the frames to dst.
func DecodeAppend(dst []Frame, data []byte) ([]Frame, error) {
	if len(data) < 1 {
		return dst, ErrShortFrame
	}

	mt := MessageType(data[0])
	switch mt {
	case MessageTypeJoin, MessageTypeLeave, MessageTypeReset:
		if err := checkLen(data, controlSize); err != nil {
			return dst, err
		}
		f := Frame{Type: mt}
		copy(f.Entity[:], data[1:headerSize])
		return append(dst, f), nil

	case MessageTypeSnapshot:
		if err := checkLen(data, snapshotFrame); err != nil {
			return dst, err
		}
		f := Frame{Type: mt}
		copy(f.Entity[:], data[1:headerSize])
		f.Snapshot = readSnapshot(data[headerSize:])
		return append(dst, f), nil

	case MessageTypeBatch:
		if len(data) < batchHeaderSize {
			return dst, ErrShortFrame
		}
		n := int(binary.LittleEndian.Uint16(data[1:3]))
		if n > MaxBatchEntries {
			return dst, fmt.Errorf("%w: %d entries", ErrBatchTooLarge, n)
		}
		if err := checkLen(data, BatchSize(n)); err != nil {
			return dst, err
		}
		body := data[batchHeaderSize:]
		for i := 0; i < n; i++ {
			entry := body[i*batchEntrySize : (i+1)*batchEntrySize]
			f := Frame{Type: MessageTypeSnapshot}
			copy(f.Entity[:], entry[:entitySize])
			f.Snapshot = readSnapshot(entry[entitySize:])
			dst = append(dst, f)
		}
		return dst, nil

	default:
		return dst, fmt.Errorf("%w: %s", ErrUnknownMessageType, mt)
	}
}

func checkLen(data []byte, want int) error {
	switch {
	case len(data) < want:
		return fmt.Errorf("%w: %d bytes, want %d", ErrShortFrame, len(data), want)
	case len(data) > want:
		return fmt.Errorf("%w: %d extra", ErrTrailingBytes, len(data)-want)
	}
	return nil
}

func appendSnapshot(dst []byte, s interpolation.Snapshot) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(s.Position.X))
	dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(s.Position.Y))
	dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(s.Position.Z))
	dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(s.Yaw))
	return binary.LittleEndian.AppendUint64(dst, s.ServerTime)
}

func readSnapshot(b []byte) interpolation.Snapshot {
	return interpolation.Snapshot{
		Position: interpolation.Vec3{
			X: math.Float64frombits(binary.LittleEndian.Uint64(b[0:8])),
			Y: math.Float64frombits(binary.LittleEndian.Uint64(b[8:16])),
			Z: math.Float64frombits(binary.LittleEndian.Uint64(b[16:24])),
		},
		Yaw:        math.Float64frombits(binary.LittleEndian.Uint64(b[24:32])),
		ServerTime: binary.LittleEndian.Uint64(b[32:40]),
	}
}

// SplitBatches groups snapshot frames into batches of at most perBatch
// entries, e.g. to respect a datagram size limit.
func SplitBatches(frames []Frame, perBatch int) [][]Frame {
	if perBatch <= 0 || perBatch > MaxBatchEntries {
		perBatch = MaxBatchEntries
	}
	var out [][]Frame
	for len(frames) > perBatch {
		out = append(out, frames[:perBatch])
		frames = frames[perBatch:]
	}
	if len(frames) > 0 {
		out = append(out, frames)
	}
	return out
}

// EntriesPerDatagram is how many snapshots fit in one datagram of size bytes.
func EntriesPerDatagram(size int) int {
	return max((size-batchHeaderSize)/batchEntrySize, 1)
}
