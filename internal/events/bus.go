package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TopicPriceRefresh carries RefreshCompleted payloads.
const TopicPriceRefresh = "prices.refresh"

// defaultBuffer is the per-subscriber channel depth. A subscriber that falls
// this far behind starts losing messages rather than stalling publishers.
const defaultBuffer = 16

// Message is a single published event.
type Message struct {
	Topic string    `json:"topic"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data"`
}

// RefreshCompleted announces the outcome of one price refresh cycle.
type RefreshCompleted struct {
	Symbols      []string      `json:"symbols"`
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	Duration     time.Duration `json:"duration"`
	CompletedAt  time.Time     `json:"completed_at"`
}

// Bus is an in-process topic-based publish/subscribe channel. Publishing
// never blocks: slow subscribers drop messages once their buffer fills.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan Message
	log  zerolog.Logger
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]chan Message),
		log:  zerolog.Nop(),
	}
}

// SetLogger sets the logger for the bus.
func (b *Bus) SetLogger(log zerolog.Logger) {
	b.log = log.With().Str("component", "event_bus").Logger()
}

// Publish delivers data to every current subscriber of topic.
func (b *Bus) Publish(topic string, data any) {
	msg := Message{Topic: topic, Time: time.Now(), Data: data}
	// Sends happen under the read lock so a concurrent unsubscribe cannot
	// close a channel mid-send. Sends never block, so the lock is brief.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
			b.log.Warn().Str("topic", topic).Msg("Subscriber buffer full, dropping message")
		}
	}
}

// Subscribe registers a new subscriber for topic. The returned cancel
// function removes the subscription and closes the channel; calling it more
// than once is safe.
func (b *Bus) Subscribe(topic string) (<-chan Message, func()) {
	ch := make(chan Message, defaultBuffer)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			subs := b.subs[topic]
			for i, c := range subs {
				if c == ch {
					b.subs[topic] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
