package events

import (
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"torrentgate/internal/domain"
	"torrentgate/internal/metrics"
)

type Kind string

const (
	KindStateChanged       Kind = "state_changed"
	KindStreamProgress     Kind = "stream_progress"
	KindStreamReady        Kind = "stream_ready"
	KindStreamError        Kind = "stream_error"
	KindLoadError          Kind = "load_error"
	KindStreamStopped      Kind = "stream_stopped"
	KindStreamStarted      Kind = "stream_started"
	KindTransitionRejected Kind = "transition_rejected"
)

// Event is a single notification delivered to every subscriber.
type Event struct {
	Kind     Kind                   `json:"kind"`
	InfoHash string                 `json:"infoHash,omitempty"`
	Name     string                 `json:"name,omitempty"`
	From     string                 `json:"from,omitempty"`
	To       string                 `json:"to,omitempty"`
	Status   *domain.DownloadStatus `json:"status,omitempty"`
	Message  string                 `json:"message,omitempty"`
	At       time.Time              `json:"at"`
}

type Listener interface {
	HandleEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(e Event) { f(e) }

var ErrHubClosed = errors.New("event hub closed")

// Hub fans events out to subscribers. The subscriber table is owned by the run
// goroutine; every subscriber drains its own mailbox on its own goroutine, so a
// slow or panicking listener never blocks the publisher or its siblings.
type Hub struct {
	publish     chan Event
	register    chan *subscriber
	unregister  chan string
	done        chan struct{}
	stopped     chan struct{}
	closeOnce   sync.Once
	logger      *slog.Logger
	subscribers map[string]*subscriber
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		publish:     make(chan Event, 64),
		register:    make(chan *subscriber),
		unregister:  make(chan string),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		logger:      logger,
		subscribers: make(map[string]*subscriber),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		select {
		case <-h.done:
			// Deliver what was already published before shutting mailboxes.
			for {
				select {
				case ev := <-h.publish:
					h.fanOut(ev)
					continue
				default:
				}
				break
			}
			for id, sub := range h.subscribers {
				sub.close()
				delete(h.subscribers, id)
			}
			return
		case sub := <-h.register:
			h.subscribers[sub.id] = sub
			go sub.loop()
		case id := <-h.unregister:
			if sub, ok := h.subscribers[id]; ok {
				sub.close()
				delete(h.subscribers, id)
			}
		case ev := <-h.publish:
			h.fanOut(ev)
		}
	}
}

func (h *Hub) fanOut(ev Event) {
	for _, sub := range h.subscribers {
		sub.enqueue(ev)
	}
}

// Subscribe registers a listener and returns its subscription id.
func (h *Hub) Subscribe(l Listener) string {
	if l == nil {
		return ""
	}
	sub := newSubscriber(uuid.NewString(), l, h.logger)
	select {
	case h.register <- sub:
	case <-h.done:
		return ""
	}
	return sub.id
}

func (h *Hub) Unsubscribe(id string) {
	if id == "" {
		return
	}
	select {
	case h.unregister <- id:
	case <-h.done:
	}
}

// Close stops the hub. Events published before Close are still delivered.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
	<-h.stopped
}

func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.publish <- ev:
	case <-h.done:
	}
}

func (h *Hub) StateChanged(infoHash string, from, to string) {
	h.Publish(Event{Kind: KindStateChanged, InfoHash: infoHash, From: from, To: to})
}

func (h *Hub) StreamProgress(infoHash string, status domain.DownloadStatus) {
	h.Publish(Event{Kind: KindStreamProgress, InfoHash: infoHash, Status: &status})
}

func (h *Hub) StreamReady(infoHash string) {
	h.Publish(Event{Kind: KindStreamReady, InfoHash: infoHash})
}

func (h *Hub) StreamError(infoHash string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	h.Publish(Event{Kind: KindStreamError, InfoHash: infoHash, Message: msg})
}

func (h *Hub) LoadError(message string) {
	h.Publish(Event{Kind: KindLoadError, Message: message})
}

func (h *Hub) StreamStopped(infoHash string) {
	h.Publish(Event{Kind: KindStreamStopped, InfoHash: infoHash})
}

func (h *Hub) StreamStarted(infoHash, name string) {
	h.Publish(Event{Kind: KindStreamStarted, InfoHash: infoHash, Name: name})
}

func (h *Hub) TransitionRejected(infoHash string, from, to string) {
	h.Publish(Event{Kind: KindTransitionRejected, InfoHash: infoHash, From: from, To: to})
}

type subscriber struct {
	id       string
	listener Listener
	logger   *slog.Logger

	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
}

func newSubscriber(id string, l Listener, logger *slog.Logger) *subscriber {
	return &subscriber{
		id:       id,
		listener: l,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop delivers queued events in order. After close it drains what is left
// and exits.
func (s *subscriber) loop() {
	for {
		<-s.wake
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				break
			}
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.safeInvoke(ev)
		}
	}
}

func (s *subscriber) safeInvoke(ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.ListenerPanicsTotal.Inc()
			s.logger.Error("event listener panic recovered",
				slog.String("subscriber", s.id),
				slog.String("kind", string(ev.Kind)),
				slog.Any("error", rec),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	s.listener.HandleEvent(ev)
}
