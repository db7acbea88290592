// Package queue holds work that failed and is waiting for another attempt.
package queue

import (
	"sync"
	"time"
)

type Retry[T any] struct {
	Value      T
	RetryAt    time.Time
	RetryCount int
	MaxRetries int
}

// Exhausted reports whether another failure should drop the item.
func (r *Retry[T]) Exhausted() bool {
	return r.RetryCount >= r.MaxRetries
}

type Queue[T any] struct {
	items []*Retry[T]
	mu    sync.Mutex
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		items: make([]*Retry[T], 0),
	}
}

func (q *Queue[T]) Enqueue(item *Retry[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

// Dequeue removes and returns the oldest item due at now, or nil.
func (q *Queue[T]) Dequeue(now time.Time) *Retry[T] {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if !item.RetryAt.After(now) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return item
		}
	}
	return nil
}

func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes every item regardless of RetryAt.
func (q *Queue[T]) Drain() []*Retry[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := q.items
	q.items = make([]*Retry[T], 0)
	return result
}
