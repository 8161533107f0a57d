package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const defaultFeedBufferSize = 16

// SessionFeed fans session changes out to subscribers.
type SessionFeed struct {
	mu          sync.RWMutex
	subscribers map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
}

type feedSubscriber struct {
	id     int64
	stream chan SessionChange
}

// NewSessionFeed constructs an empty feed.
func NewSessionFeed(logger *zap.Logger) *SessionFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionFeed{
		subscribers: make(map[int64]*feedSubscriber),
		bufferSize:  defaultFeedBufferSize,
		logger:      logger,
	}
}

// Subscribe registers a listener. The returned cleanup unsubscribes and closes
// the stream; it also runs when ctx is done.
func (f *SessionFeed) Subscribe(ctx context.Context) (<-chan SessionChange, func()) {
	subscriber := &feedSubscriber{
		stream: make(chan SessionChange, f.bufferSize),
	}
	f.mu.Lock()
	f.nextID++
	subscriber.id = f.nextID
	f.subscribers[subscriber.id] = subscriber
	f.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			f.unregister(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the change without blocking; a subscriber whose buffer is
// full misses the change.
func (f *SessionFeed) Publish(change SessionChange) {
	if change.Type == "" {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, subscriber := range f.subscribers {
		select {
		case subscriber.stream <- change:
		default:
			f.logger.Warn("session change dropped",
				zap.Int64("subscriber_id", subscriber.id),
				zap.String("change", string(change.Type)))
		}
	}
}

func (f *SessionFeed) unregister(subscriberID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subscriber, ok := f.subscribers[subscriberID]
	if !ok {
		return
	}
	delete(f.subscribers, subscriberID)
	close(subscriber.stream)
}
