package login

import (
	"context"
	"sync"
	"time"
)

// AttemptEvent is the fan-out form of one recorded login attempt. External
// rate-limiters and the account security stream consume these.
type AttemptEvent struct {
	IdentityID    string
	Email         string
	Success       bool
	FailureReason string
	Similarity    *float64
	SourceIP      string
	AttemptedAt   time.Time
}

// AttemptDispatcher fans recorded attempts out to per-identity subscribers.
// Publishing never blocks: a subscriber that cannot keep up drops events.
type AttemptDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*attemptSubscriber
	nextID      int64
	bufferSize  int
}

type attemptSubscriber struct {
	id     int64
	stream chan AttemptEvent
}

// NewAttemptDispatcher constructs an empty dispatcher.
func NewAttemptDispatcher() *AttemptDispatcher {
	return &AttemptDispatcher{
		subscribers: make(map[string]map[int64]*attemptSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for events about one identity until ctx is done. The
// returned cleanup is idempotent and safe to call alongside ctx cancellation.
func (d *AttemptDispatcher) Subscribe(ctx context.Context, identityID string) (<-chan AttemptEvent, func()) {
	if identityID == "" {
		ch := make(chan AttemptEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &attemptSubscriber{
		id:     d.nextSequence(),
		stream: make(chan AttemptEvent, d.bufferSize),
	}
	d.registerSubscriber(identityID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(identityID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every subscriber of its identity. Events with
// no resolved identity have no subscribers and are dropped.
func (d *AttemptDispatcher) Publish(event AttemptEvent) {
	if event.IdentityID == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.IdentityID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*attemptSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *AttemptDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *AttemptDispatcher) registerSubscriber(identityID string, subscriber *attemptSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[identityID]; !ok {
		d.subscribers[identityID] = make(map[int64]*attemptSubscriber)
	}
	d.subscribers[identityID][subscriber.id] = subscriber
}

func (d *AttemptDispatcher) unregisterSubscriber(identityID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[identityID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, identityID)
		}
	}
	d.mu.Unlock()
}
