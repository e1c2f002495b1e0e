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
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelrpc/kestrel/completion"
	"github.com/kestrelrpc/kestrel/internal/closure"
	"github.com/kestrelrpc/kestrel/metadata"
	"github.com/kestrelrpc/kestrel/transport"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type callState int32

const (
	// Waiting for the first metadata batch.
	callNotStarted callState = iota
	// Initial metadata read, parked in a matcher's pending list.
	callPending
	// Matched with an application request.
	callActivated
	// Doomed before being matched. Destroyed by its kill task, or
	// dropped when a matcher dequeues it.
	callZombied
)

// Call is a single RPC tied to one stream on one connection. The
// application receives a *Call through the output pointer of RequestCall
// or RequestRegisteredCall once the completion for its tag is consumed.
type Call struct {
	chand  *channel
	stream transport.Stream

	// muState guards state. It nests inside muCall where a call is parked
	// as pending or zombified by a matcher drain; the match loop takes it
	// only after releasing muCall.
	muState sync.Mutex
	state   callState

	// Interned coordinates from the first metadata batch.
	path *metadata.Str
	host *metadata.Str

	deadline           time.Time
	gotInitialMetadata bool

	// The filtered first metadata batch, retained for publication.
	initialMD metadata.Batch

	// Receive interception state. The server substitutes its own
	// completion callback for the higher layer's.
	recvBuf     transport.OpBuffer
	streamState transport.StreamState
	recvOps     *transport.OpBuffer
	recvState   *transport.StreamState
	onDoneRecv  func(success bool)

	// muIO guards payload buffering and the parked receive request.
	muIO        sync.Mutex
	payload     []byte
	payloadSet  bool
	pendingRecv *requestedCall

	// Completion queues bound once the call is matched.
	cqBound *completion.Queue
	cqNew   *completion.Queue

	span trace.Span

	// Next call in a matcher's pending list, guarded by muCall.
	pendingNext *Call

	refs atomic.Int64
}

// newServerCall creates the call for a freshly accepted stream and
// issues its initial receive, with the server's completion callback
// substituted for the call layer's.
func newServerCall(ch *channel, st transport.Stream) *Call {
	c := &Call{chand: ch, stream: st, state: callNotStarted}
	c.refs.Store(1) // released by Destroy or by the kill-zombie task
	ch.server.ref()

	ops := &transport.StreamOps{
		RecvOps:    &c.recvBuf,
		RecvState:  &c.streamState,
		OnDoneRecv: c.completeRecv,
	}
	c.startStreamOps(ops)
	return c
}

// startStreamOps forwards a stream operation to the transport, first
// substituting the server's receive callback so metadata and stream
// state are inspected before the captured callback runs.
func (c *Call) startStreamOps(ops *transport.StreamOps) {
	if ops.RecvOps != nil {
		c.recvOps = ops.RecvOps
		c.recvState = ops.RecvState
		c.onDoneRecv = ops.OnDoneRecv
		ops.OnDoneRecv = c.serverOnRecv
	}
	c.stream.StartOps(ops)
}

// serverOnRecv runs when the transport completes a receive. It captures
// the call's coordinates from the first metadata batch, reacts to stream
// closure, and then delegates to the captured callback with the original
// success value.
func (c *Call) serverOnRecv(success bool) {
	var tasks closure.List

	if success && !c.gotInitialMetadata {
		for i := range c.recvOps.Ops {
			op := &c.recvOps.Ops[i]
			if op.Metadata == nil {
				continue
			}
			op.Metadata.Filter(c.keepHeader)
			if !op.Metadata.Deadline.IsZero() {
				c.deadline = op.Metadata.Deadline
			}
			if c.host != nil && c.path != nil {
				c.gotInitialMetadata = true
				c.initialMD = *op.Metadata
				c.startNewRPC(&tasks)
			}
			break
		}
	}

	switch *c.recvState {
	case transport.StreamOpen, transport.StreamSendClosed:
	case transport.StreamRecvClosed:
		c.muState.Lock()
		if c.state == callNotStarted {
			c.state = callZombied
			c.muState.Unlock()
			tasks.Add(c.killZombie)
		} else {
			c.muState.Unlock()
		}
	case transport.StreamClosed:
		c.muState.Lock()
		switch c.state {
		case callNotStarted:
			c.state = callZombied
			c.muState.Unlock()
			tasks.Add(c.killZombie)
		case callPending:
			c.state = callZombied
			c.muState.Unlock()
			// The zombied call stays linked; it is destroyed when the
			// matcher drops it from the pending queue, later.
		default:
			c.muState.Unlock()
		}
	}

	if c.onDoneRecv != nil {
		c.onDoneRecv(success)
	}
	tasks.Run()
}

// keepHeader pulls :path and :authority out of the first metadata batch
// and keeps every other header for the application.
func (c *Call) keepHeader(it metadata.Item) bool {
	switch it.Key {
	case c.chand.pathKey:
		c.path = it.Value
		return false
	case c.chand.authorityKey:
		c.host = it.Value
		return false
	}
	return true
}

// startNewRPC routes the call to the matcher of the registered method
// matching its coordinates, or to the unregistered matcher.
func (c *Call) startNewRPC(tasks *closure.List) {
	s := c.chand.server
	if rm := c.chand.lookupMethod(c.host, c.path); rm != nil {
		c.finishStartNewRPC(&rm.matcher, tasks)
		return
	}
	c.finishStartNewRPC(&s.unregistered, tasks)
}

// finishStartNewRPC either matches the call with a waiting request or
// parks it as pending. A call arriving after shutdown is zombified
// immediately.
func (c *Call) finishStartNewRPC(rm *requestMatcher, tasks *closure.List) {
	s := c.chand.server

	if s.shutdownFlag.Load() {
		c.muState.Lock()
		c.state = callZombied
		c.muState.Unlock()
		tasks.Add(c.killZombie)
		return
	}

	id := rm.requests.Pop()
	if id == -1 {
		s.muCall.Lock()
		c.muState.Lock()
		c.state = callPending
		c.muState.Unlock()
		rm.appendPending(c)
		s.muCall.Unlock()
		return
	}
	c.muState.Lock()
	c.state = callActivated
	c.muState.Unlock()
	s.beginCall(c, &s.requestedCalls[id], tasks)
}

// completeRecv is the call layer's receive completion. It buffers the
// first message payload and fulfills a parked payload request once the
// payload is available or the stream can no longer deliver one.
func (c *Call) completeRecv(success bool) {
	c.muIO.Lock()
	if !c.payloadSet {
		for i := range c.recvOps.Ops {
			op := &c.recvOps.Ops[i]
			if op.Message != nil {
				c.payload = op.Message
				c.payloadSet = true
				break
			}
		}
	}
	rc := c.pendingRecv
	done := c.payloadSet || !success ||
		*c.recvState == transport.StreamRecvClosed || *c.recvState == transport.StreamClosed
	if rc != nil && done {
		c.pendingRecv = nil
		*rc.payloadOut = c.payload
	} else {
		rc = nil
	}
	c.muIO.Unlock()

	if rc != nil {
		c.publish(rc, success)
	}
}

// startRecvIOReq completes the receive side of an activated call. The
// initial metadata is already buffered, so only a registered call asking
// for the first message payload may have to wait for another receive.
func (c *Call) startRecvIOReq(rc *requestedCall, wantPayload bool, tasks *closure.List) {
	if rc.initialMD != nil {
		*rc.initialMD = c.initialMD
	}
	if wantPayload {
		c.muIO.Lock()
		if !c.payloadSet {
			c.pendingRecv = rc
			c.muIO.Unlock()
			return
		}
		*rc.payloadOut = c.payload
		c.muIO.Unlock()
	}
	tasks.Add(func() { c.publish(rc, true) })
}

// publish posts the completion for an activated call and releases the
// activation reference.
func (c *Call) publish(rc *requestedCall, success bool) {
	s := c.chand.server
	if c.span != nil {
		if !success {
			c.span.SetStatus(otelcodes.Error, "call publication failed")
		}
		c.span.End()
	}
	s.ref()
	c.cqNew.EndOp(rc.tag, success, func() { s.doneRequestEvent(rc) }, &rc.completion)
	c.unref()
}

// killZombie destroys a call that was doomed before being matched.
func (c *Call) killZombie() {
	c.unref()
}

// Destroy releases the application's reference to the call. It must be
// called exactly once for every call delivered to the application.
func (c *Call) Destroy() {
	c.unref()
}

func (c *Call) ref() {
	c.refs.Add(1)
}

func (c *Call) unref() {
	if c.refs.Add(-1) != 0 {
		return
	}
	c.muState.Lock()
	if c.state == callPending {
		c.muState.Unlock()
		panic("kestrel: call destroyed while pending")
	}
	c.muState.Unlock()
	c.chand.server.unref()
}

// Method returns the call's method, or "" before the first metadata
// batch arrived.
func (c *Call) Method() string {
	if c.path == nil {
		return ""
	}
	return c.path.String()
}

// Host returns the call's host, or "" before the first metadata batch
// arrived.
func (c *Call) Host() string {
	if c.host == nil {
		return ""
	}
	return c.host.String()
}

// Deadline returns the call's deadline. The zero time means none was
// transmitted.
func (c *Call) Deadline() time.Time {
	return c.deadline
}
