package protocol

import (
	"context"
	"net"
)

// Connection is a frame-oriented link to a single peer. Implementations are
// safe for one concurrent reader and any number of concurrent writers.
type Connection interface {
	ID() string
	Transport() TransportType
	RemoteAddr() net.Addr

	// Send writes one already encoded wire message.
	Send(data []byte) error
	// SendFrames encodes and writes frames. Snapshots are batched, control
	// frames go out one per message.
	SendFrames(frames []Frame) error
	// ReceiveFrames blocks until the next wire message arrives and decodes it.
	ReceiveFrames(ctx context.Context) ([]Frame, error)

	Metrics() Metrics
	IsClosed() bool
	Close() error
}

// SplitControl partitions frames into control frames and snapshot frames,
// preserving order within each group.
func SplitControl(frames []Frame) (control, snapshots []Frame) {
	for _, f := range frames {
		if f.Type == MessageTypeSnapshot {
			snapshots = append(snapshots, f)
		} else {
			control = append(control, f)
		}
	}
	return control, snapshots
}
