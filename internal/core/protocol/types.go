package protocol

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/zeusync/ghostline/internal/core/interpolation"
)

// EntityID identifies a remote entity on the wire.
type EntityID = uuid.UUID

// NewEntityID generates a random entity id.
func NewEntityID() EntityID {
	return uuid.New()
}

// MessageType defines the type of frame being sent
type MessageType uint8

const (
	MessageTypeInvalid MessageType = iota
	MessageTypeJoin
	MessageTypeLeave
	MessageTypeReset
	MessageTypeSnapshot
	MessageTypeBatch
)

// MessageType string representation
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeJoin:
		return "join"
	case MessageTypeLeave:
		return "leave"
	case MessageTypeReset:
		return "reset"
	case MessageTypeSnapshot:
		return "snapshot"
	case MessageTypeBatch:
		return "batch"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(mt))
	}
}

// Frame is one decoded message about one entity. Batches decode into several
// snapshot frames.
type Frame struct {
	Type     MessageType
	Entity   EntityID
	Snapshot interpolation.Snapshot
}

func JoinFrame(id EntityID) Frame {
	return Frame{Type: MessageTypeJoin, Entity: id}
}

func LeaveFrame(id EntityID) Frame {
	return Frame{Type: MessageTypeLeave, Entity: id}
}

func ResetFrame(id EntityID) Frame {
	return Frame{Type: MessageTypeReset, Entity: id}
}

func SnapshotFrame(id EntityID, s interpolation.Snapshot) Frame {
	return Frame{Type: MessageTypeSnapshot, Entity: id, Snapshot: s}
}

// TransportType defines the underlying transport protocol
type TransportType string

const (
	TransportWS   TransportType = "websocket"
	TransportQUIC TransportType = "quic"
)

// ParseTransport accepts the yaml spelling of a transport.
func ParseTransport(s string) (TransportType, error) {
	switch TransportType(s) {
	case "", TransportWS, "ws":
		return TransportWS, nil
	case TransportQUIC:
		return TransportQUIC, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrTransportNotSupported, s)
	}
}
