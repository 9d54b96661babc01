package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
)

const defaultSubscriberBuffer = 16

// RealtimeMessage announces accepted writes for one owner and kind.
type RealtimeMessage struct {
	OwnerID         syncable.OwnerID
	Kind            syncable.Kind
	RemoteIDs       []string
	UpdatedAtMillis int64
}

// RealtimeDispatcher fans change notifications out to every open channel of an owner.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[syncable.OwnerID]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[syncable.OwnerID]map[int64]*realtimeSubscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a stream for ownerID until ctx ends or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, ownerID syncable.OwnerID) (<-chan RealtimeMessage, func()) {
	if ownerID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{stream: make(chan RealtimeMessage, d.bufferSize)}
	d.register(ownerID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(ownerID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to the owner's subscribers. A subscriber with a full buffer misses the
// message; its next pull still observes the change.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.OwnerID == "" || message.Kind == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.OwnerID]
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Subscribers reports the number of open streams for ownerID.
func (d *RealtimeDispatcher) Subscribers(ownerID syncable.OwnerID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[ownerID])
}

func (d *RealtimeDispatcher) register(ownerID syncable.OwnerID, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	if _, ok := d.subscribers[ownerID]; !ok {
		d.subscribers[ownerID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[ownerID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregister(ownerID syncable.OwnerID, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[ownerID]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(d.subscribers, ownerID)
	}
}
