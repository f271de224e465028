package client

import (
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/ghostline/internal/core/observability/log"
)

// EventHandler defines a function type for handling client events. Handlers
// run on the goroutine that produced the event and must not block.
type EventHandler func(event Event) error

// EventType represents different types of client events
type EventType string

const (
	EventTypeConnected    EventType = "connected"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeReconnecting EventType = "reconnecting"
	EventTypeError        EventType = "error"
	EventTypeEntityJoined EventType = "entity_joined"
	EventTypeEntityLeft   EventType = "entity_left"
	EventTypeEntityReset  EventType = "entity_reset"
)

// Event represents a client event
type Event struct {
	Type      EventType
	Timestamp time.Time
	// Entity is set for entity events
	Entity uuid.UUID
	Error  error
}

// OnEvent registers a handler for an event type
func (c *Client) OnEvent(eventType EventType, handler EventHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.eventHandlers[eventType] = append(c.eventHandlers[eventType], handler)
}

// emitEvent emits an event to registered handlers
func (c *Client) emitEvent(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	c.handlerMutex.RLock()
	handlers := c.eventHandlers[event.Type]
	c.handlerMutex.RUnlock()

	for _, handler := range handlers {
		if err := handler(event); err != nil {
			c.logger.Error("Event handler error",
				log.String("event", string(event.Type)),
				log.Error(err))
		}
	}
}
