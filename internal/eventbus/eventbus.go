package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hdshock/mangafixer/internal/domain"
	"github.com/hdshock/mangafixer/internal/logger"
)

// SubscriberBuffer is the per-subscriber queue length. Events published while
// a subscriber's queue is full are dropped for that subscriber.
const SubscriberBuffer = 256

// Publisher defines the interface for publishing events.
// This interface enables testing with mock implementations.
type Publisher interface {
	Publish(event domain.Event) error
	Subscribe(eventType domain.EventType, handler func(domain.Event))
}

// Ensure EventBus implements Publisher
var _ Publisher = (*EventBus)(nil)

// EventBus fans events out to in-process subscribers. Each subscriber runs its
// handler on its own goroutine and sees events in publish order.
type EventBus struct {
	subscribers map[domain.EventType][]chan domain.Event
	mu          sync.RWMutex
	nextID      atomic.Int64
	dropped     atomic.Int64
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[domain.EventType][]chan domain.Event),
		stopChan:    make(chan struct{}),
	}
}

// Publish assigns the event an ID and timestamp and hands it to subscribers
// without blocking.
func (eb *EventBus) Publish(event domain.Event) error {
	event.ID = eb.nextID.Add(1)
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ch := range eb.subscribers[event.EventType] {
		select {
		case ch <- event:
		default:
			eb.dropped.Add(1)
			logger.Debugf("EventBus: dropped %s for a slow subscriber", event.EventType)
		}
	}
	return nil
}

// Subscribe registers handler for eventType.
func (eb *EventBus) Subscribe(eventType domain.EventType, handler func(domain.Event)) {
	ch := make(chan domain.Event, SubscriberBuffer)

	eb.mu.Lock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	eb.mu.Unlock()

	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for {
			select {
			case event := <-ch:
				handler(event)
			case <-eb.stopChan:
				// deliver what was queued before Shutdown
				for {
					select {
					case event := <-ch:
						handler(event)
					default:
						return
					}
				}
			}
		}
	}()
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}

// Shutdown stops all subscriber goroutines and waits for them to finish.
// Events queued before the call are still handled.
func (eb *EventBus) Shutdown() {
	eb.stopOnce.Do(func() { close(eb.stopChan) })
	eb.wg.Wait()
	logger.Debugf("EventBus shutdown complete")
}
