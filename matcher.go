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

package kestrel

import (
	"github.com/kestrelrpc/kestrel/internal/closure"
	"github.com/kestrelrpc/kestrel/internal/lockfree"
)

// requestMatcher is the rendezvous between calls waiting for an
// application request and application requests waiting for a call, for
// one method bucket.
//
// Calls wait in an intrusive FIFO list so they are served in arrival
// order. Requests wait in a LIFO stack of slot ids, so the most recently
// parked application thread is the one woken. At any quiescent moment at
// most one of the two structures is non-empty: every enqueue attempts a
// match first.
type requestMatcher struct {
	// pendingHead and pendingTail are guarded by the server's muCall.
	pendingHead *Call
	pendingTail *Call

	// Slot ids of waiting application requests.
	requests *lockfree.Stack
}

func (rm *requestMatcher) init(entries int) {
	rm.requests = lockfree.New(uint32(entries))
}

// destroy checks the matcher is drained and releases it.
func (rm *requestMatcher) destroy() {
	if rm.requests.Pop() != -1 {
		panic("kestrel: request matcher destroyed with queued requests")
	}
	rm.requests = nil
}

// appendPending parks c at the tail of the pending list.
//
// REQUIRES: s.muCall is held.
func (rm *requestMatcher) appendPending(c *Call) {
	c.pendingNext = nil
	if rm.pendingHead == nil {
		rm.pendingHead = c
		rm.pendingTail = c
	} else {
		rm.pendingTail.pendingNext = c
		rm.pendingTail = c
	}
}

// killRequests fails every queued request.
//
// REQUIRES: s.muCall is held.
func (rm *requestMatcher) killRequests(s *Server) {
	for {
		id := rm.requests.Pop()
		if id == -1 {
			return
		}
		s.failCall(&s.requestedCalls[id])
	}
}

// zombifyAllPending marks every waiting call as a zombie and schedules
// its destruction.
//
// REQUIRES: s.muCall is held.
func (rm *requestMatcher) zombifyAllPending(tasks *closure.List) {
	for rm.pendingHead != nil {
		c := rm.pendingHead
		rm.pendingHead = c.pendingNext
		c.muState.Lock()
		c.state = callZombied
		c.muState.Unlock()
		tasks.Add(c.killZombie)
	}
}
