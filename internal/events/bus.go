// Package events is the in-process publish/subscribe bus for sync lifecycle
// notifications.
package events

import (
	"sync"
	"time"
)

// Type identifies an event.
type Type string

const (
	Online            Type = "online"
	Offline           Type = "offline"
	DownloadStarted   Type = "download_started"
	DownloadCompleted Type = "download_completed"
	UploadStarted     Type = "upload_started"
	UploadCompleted   Type = "upload_completed"
	SyncError         Type = "sync_error"
	Checkout          Type = "checkout"
	ConfigChanged     Type = "config_changed"
)

// Event is one published notification.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Publisher is the publishing side of the bus.
type Publisher interface {
	Publish(typ Type, data any)
}

// Bus delivers every published event to each live subscriber. Each subscriber
// has its own delivery goroutine, so a slow handler never delays the
// publisher or other subscribers.
type Bus struct {
	now func() time.Time

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{now: time.Now, subs: make(map[uint64]*subscriber)}
}

// Publish stamps the event and queues it for every current subscriber.
func (b *Bus) Publish(typ Type, data any) {
	ev := Event{Type: typ, Time: b.now(), Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.push(ev)
	}
}

// Subscribe registers handler and returns a function that removes it.
// Events already queued for the subscriber are still delivered after
// unsubscribe; nothing published later is.
func (b *Bus) Subscribe(handler func(Event)) (unsubscribe func()) {
	s := &subscriber{
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go s.run()

	return func() {
		b.mu.Lock()
		_, live := b.subs[id]
		delete(b.subs, id)
		b.mu.Unlock()
		// Close already stopped subscribers that were live when it ran.
		if live {
			close(s.done)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches every subscriber. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		close(s.done)
	}
}

type subscriber struct {
	handler func(Event)
	signal  chan struct{}
	done    chan struct{}

	mu    sync.Mutex
	queue []Event
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			s.handler(ev)
		}
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.signal:
			s.drain()
		case <-s.done:
			s.drain()
			return
		}
	}
}
