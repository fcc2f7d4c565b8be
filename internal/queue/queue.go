package queue

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// Queue is a bounded in-memory queue that hands each item to its subscribers
// on a single goroutine.
type Queue[T any] struct {
	name     string
	items    chan T
	done     chan struct{}
	finished chan struct{}
	maxSize  int
	closed   bool
	started  bool
	mu       sync.RWMutex
	logger   *logrus.Logger
	handlers []func(T) error
}

// New creates a queue with the specified buffer size
func New[T any](name string, bufferSize int, logger *logrus.Logger) *Queue[T] {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Queue[T]{
		name:     name,
		items:    make(chan T, bufferSize),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		maxSize:  bufferSize,
		logger:   logger,
		handlers: make([]func(T) error, 0),
	}
}

// Push adds an item without blocking
func (q *Queue[T]) Push(item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- item:
		q.logger.WithFields(logrus.Fields{
			"queue":  q.name,
			"length": len(q.items),
		}).Debug("Pushed item to queue")
		return nil
	default:
		return ErrQueueFull
	}
}

// Subscribe adds a handler function that will be called for each item
func (q *Queue[T]) Subscribe(handler func(T) error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, handler)
}

// Start begins processing items in the queue
func (q *Queue[T]) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	go q.process()
}

func (q *Queue[T]) process() {
	defer close(q.finished)
	for {
		select {
		case <-q.done:
			q.drain()
			return
		case item := <-q.items:
			q.dispatch(item)
		}
	}
}

// drain handles whatever was buffered before Close
func (q *Queue[T]) drain() {
	for {
		select {
		case item := <-q.items:
			q.dispatch(item)
		default:
			return
		}
	}
}

func (q *Queue[T]) dispatch(item T) {
	q.mu.RLock()
	handlers := q.handlers
	q.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(item); err != nil {
			q.logger.WithError(err).WithField("queue", q.name).Error("Handler failed to process item")
		}
	}
}

// Close stops accepting items, processes what is buffered and waits for the
// processing goroutine to exit.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	close(q.done)
	q.mu.Unlock()

	if started {
		<-q.finished
	}
	return nil
}

// Len returns the current number of buffered items
func (q *Queue[T]) Len() int {
	return len(q.items)
}

func (q *Queue[T]) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
