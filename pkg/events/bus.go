package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const DefaultBufferSize = 1024

type EventEnvelope struct {
	Topic string
	// RequestID of the relay request the event is about
	RequestID string
	ChainID   uint64
}

type Channels []chan *EventEnvelope

// EventBus fans events out to subscribers by topic. Publishing never blocks;
// a subscriber that falls behind loses events.
type EventBus struct {
	mu         sync.RWMutex
	bufferSize int
	channels   map[string]Channels
	closed     bool
}

func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &EventBus{
		bufferSize: bufferSize,
		channels:   make(map[string]Channels),
	}
}

func (eb *EventBus) filterChannels(topic string) Channels {
	return eb.channels[topic]
}

// BroadcastEvent delivers the event to every subscriber of its topic and
// reports how many received it.
func (eb *EventBus) BroadcastEvent(event *EventEnvelope) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return 0
	}
	delivered := 0
	for _, channel := range eb.filterChannels(event.Topic) {
		select {
		case channel <- event:
			delivered++
		default:
			log.Warn().Str("topic", event.Topic).Str("requestId", event.RequestID).
				Msg("[EventBus] [BroadcastEvent] subscriber buffer full, event dropped")
		}
	}
	return delivered
}

func (eb *EventBus) Subscribe(topic string) <-chan *EventEnvelope {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	receiver := make(chan *EventEnvelope, eb.bufferSize)
	if eb.closed {
		close(receiver)
		return receiver
	}
	eb.channels[topic] = append(eb.channels[topic], receiver)
	return receiver
}

// Close closes every subscriber channel. Later broadcasts are dropped.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	for _, channels := range eb.channels {
		for _, channel := range channels {
			close(channel)
		}
	}
}
