package records

import (
	"context"
	"sync"
)

// Bus fans out document change notices per collection.
type Bus interface {
	Publish(ctx context.Context, change Change)
	Subscribe(ctx context.Context, collection string) (<-chan Change, func())
}

// LocalBus delivers change notices to subscribers in the same process.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*busSubscriber
	nextID      int64
	bufferSize  int
}

type busSubscriber struct {
	id     int64
	stream chan Change
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		subscribers: make(map[string]map[int64]*busSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener for the collection. The listener is removed when ctx is
// cancelled or the returned cleanup runs, whichever happens first.
func (b *LocalBus) Subscribe(ctx context.Context, collection string) (<-chan Change, func()) {
	if collection == "" {
		ch := make(chan Change)
		close(ch)
		return ch, func() {}
	}
	subscriber := &busSubscriber{
		id:     b.nextSequence(),
		stream: make(chan Change, b.bufferSize),
	}
	b.registerSubscriber(collection, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.unregisterSubscriber(collection, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish never blocks; a full subscriber buffer drops the notice because subscribers
// re-read the whole collection on the notices they do receive.
func (b *LocalBus) Publish(_ context.Context, change Change) {
	if change.Collection == "" {
		return
	}
	b.mu.RLock()
	subscribers := b.subscribers[change.Collection]
	if len(subscribers) == 0 {
		b.mu.RUnlock()
		return
	}
	copies := make([]*busSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	b.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- change:
		default:
		}
	}
}

func (b *LocalBus) subscriberCount(collection string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[collection])
}

func (b *LocalBus) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *LocalBus) registerSubscriber(collection string, subscriber *busSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[collection]; !ok {
		b.subscribers[collection] = make(map[int64]*busSubscriber)
	}
	b.subscribers[collection][subscriber.id] = subscriber
}

func (b *LocalBus) unregisterSubscriber(collection string, subscriberID int64) {
	b.mu.Lock()
	subscribers := b.subscribers[collection]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(b.subscribers, collection)
		}
	}
	b.mu.Unlock()
}
