package coordinator

import (
	"log/slog"
	"sync"

	"zigbee-homekit/internal/store"
)

// Event types. Names follow the controller-library convention so listeners
// can be written against the event name alone.
const (
	EventMessage                     = "message"
	EventDeviceJoined                = "deviceJoined"
	EventDeviceInterview             = "deviceInterview"
	EventDeviceAnnounce              = "deviceAnnounce"
	EventDeviceNetworkAddressChanged = "deviceNetworkAddressChanged"
	EventDeviceLeave                 = "deviceLeave"
	EventPermitJoinChanged           = "permitJoinChanged"
	EventAdapterDisconnected         = "adapterDisconnected"
)

// LifecycleEvents are every event type except EventMessage.
var LifecycleEvents = []string{
	EventDeviceJoined,
	EventDeviceInterview,
	EventDeviceAnnounce,
	EventDeviceNetworkAddressChanged,
	EventDeviceLeave,
	EventPermitJoinChanged,
	EventAdapterDisconnected,
}

// Message types carried by EventMessage.
const (
	MessageAttributeReport = "attributeReport"
	MessageReadResponse    = "readResponse"
)

// Interview statuses carried by DeviceInterviewPayload.
const (
	InterviewStarted    = "started"
	InterviewSuccessful = "successful"
	InterviewFailed     = "failed"
)

// Event represents a coordinator event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Message is the payload of EventMessage. Data maps attribute names (or
// decimal attribute IDs for unknown attributes) to decoded values.
type Message struct {
	Type        string         `json:"type"`
	Device      *store.Device  `json:"device"`
	Endpoint    uint8          `json:"endpoint"`
	Cluster     string         `json:"cluster"`
	Data        map[string]any `json:"data"`
	LinkQuality uint8          `json:"linkquality"`
}

// DevicePayload is the payload of deviceJoined and deviceAnnounce.
type DevicePayload struct {
	Device *store.Device `json:"device"`
}

// DeviceInterviewPayload is the payload of deviceInterview.
type DeviceInterviewPayload struct {
	Status string        `json:"status"`
	Device *store.Device `json:"device"`
}

// NetworkAddressChangedPayload is the payload of deviceNetworkAddressChanged.
type NetworkAddressChangedPayload struct {
	Device          *store.Device `json:"device"`
	PreviousAddress uint16        `json:"previous_address"`
}

// DeviceLeavePayload is the payload of deviceLeave. Device is nil when the
// leaving device was never stored.
type DeviceLeavePayload struct {
	IEEEAddr string        `json:"ieee_addr"`
	Device   *store.Device `json:"device,omitempty"`
}

// PermitJoinPayload is the payload of permitJoinChanged.
type PermitJoinPayload struct {
	Permitted bool  `json:"permitted"`
	Timeout   uint8 `json:"timeout"`
}

// AdapterDisconnectedPayload is the payload of adapterDisconnected.
type AdapterDisconnectedPayload struct {
	Error string `json:"error"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id uint64
	fn EventHandler
}

// EventBus provides pub/sub for coordinator events. Handlers run synchronously
// on the emitting goroutine in registration order.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string][]subscription
	allHandlers []subscription
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers: make(map[string][]subscription),
		logger:   logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{id: id, fn: handler})
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.handlers[eventType] = without(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers = append(eb.allHandlers, subscription{id: id, fn: handler})
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.allHandlers = without(eb.allHandlers, id)
	}
}

func without(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, s := range eb.handlers[event.Type] {
		handlers = append(handlers, s.fn)
	}
	for _, s := range eb.allHandlers {
		handlers = append(handlers, s.fn)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
