// Copyright 2024 The Kestrel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package completion implements completion queues: application-consumable
// queues where the server posts the outcome of asynchronous operations.
package completion

import (
	"context"
	"sync"
)

// # Implementation Overview
//
// Posted completions are pre-allocated Completion nodes linked into an
// intrusive FIFO inside the queue, so posting never allocates. Consumers
// block in Next on a per-waiter channel; EndOp closes the first waiting
// channel. The done callback attached to a completion runs when the
// application consumes the event, not when it is posted; the server uses
// this to recycle request slots only once their outputs have been read.

// Event is one consumed completion.
type Event struct {
	// Tag is the value the application supplied when it initiated the
	// operation.
	Tag any

	// Success reports whether the operation succeeded.
	Success bool
}

// Completion is the storage for one posted event. Callers embed one
// Completion per potential post and pass it to EndOp; the queue owns it
// until the event is consumed.
type Completion struct {
	tag     any
	success bool
	done    func()
	next    *Completion
}

// Pollset is an opaque handle to the poller backing a queue. Listeners
// receive the server's pollsets at start time.
type Pollset struct {
	q *Queue
}

// Queue is a completion queue. The zero value is not usable; call
// NewQueue.
type Queue struct {
	mu      sync.Mutex
	head    *Completion
	tail    *Completion
	waiters []chan struct{}
	pending int
	server  bool
	pollset Pollset
}

// NewQueue returns an empty completion queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.pollset.q = q
	return q
}

// BeginOp records that one operation has begun and will eventually post a
// completion with EndOp.
func (q *Queue) BeginOp() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending++
}

// EndOp posts a completion for an operation previously announced with
// BeginOp. storage must be unused; the queue owns it until the event is
// consumed, at which point done (if non-nil) is invoked. EndOp never
// blocks.
func (q *Queue) EndOp(tag any, success bool, done func(), storage *Completion) {
	storage.tag = tag
	storage.success = success
	storage.done = done
	storage.next = nil

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending <= 0 {
		panic("completion: EndOp without matching BeginOp")
	}
	q.pending--
	if q.tail == nil {
		q.head, q.tail = storage, storage
	} else {
		q.tail.next = storage
		q.tail = storage
	}
	if len(q.waiters) > 0 {
		close(q.waiters[0])
		q.waiters = q.waiters[1:]
	}
}

// Next blocks until an event is available, consumes it, and returns it.
// The event's done callback runs before Next returns, after all queue
// locks have been released. If ctx is cancelled first, Next returns
// ctx.Err().
func (q *Queue) Next(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if c := q.head; c != nil {
			q.head = c.next
			if q.head == nil {
				q.tail = nil
			}
			q.mu.Unlock()
			if c.done != nil {
				c.done()
			}
			return Event{Tag: c.tag, Success: c.success}, nil
		}
		wait := make(chan struct{})
		q.waiters = append(q.waiters, wait)
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			q.removeWaiter(wait)
			return Event{}, ctx.Err()
		case <-wait:
		}
	}
}

// removeWaiter forgets a cancelled waiter. If the waiter was already
// signalled, the signal is passed on so no event is stranded.
func (q *Queue) removeWaiter(wait chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiters {
		if w == wait {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
	// Already signalled: wake the next waiter in line instead.
	if len(q.waiters) > 0 {
		close(q.waiters[0])
		q.waiters = q.waiters[1:]
	}
}

// MarkServerQueue marks q as registered with a server. Marking is
// idempotent.
func (q *Queue) MarkServerQueue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.server = true
}

// IsServerQueue reports whether q was ever registered with a server.
func (q *Queue) IsServerQueue() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.server
}

// Pollset returns the pollset backing q.
func (q *Queue) Pollset() *Pollset {
	return &q.pollset
}
