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
	"context"
	"time"

	"github.com/kestrelrpc/kestrel/completion"
	"github.com/kestrelrpc/kestrel/internal/closure"
	"github.com/kestrelrpc/kestrel/metadata"
	"go.opentelemetry.io/otel/trace"
)

type requestKind int

const (
	batchCall requestKind = iota
	registeredCall
)

// CallDetails receives the coordinates of a call delivered through
// RequestCall.
type CallDetails struct {
	Method   string
	Host     string
	Deadline time.Time
}

// requestedCall describes one pending application request. Requests live
// in slots of the server's fixed pool, indexed by small integer ids; a
// request that never made it into a slot has index -1.
type requestedCall struct {
	kind     requestKind
	tag      any
	server   *Server
	cqBound  *completion.Queue
	cqNotify *completion.Queue
	callOut  **Call
	index    int32

	completion completion.Completion

	// Outputs shared by both kinds.
	initialMD *metadata.Batch

	// Batch outputs.
	details *CallDetails

	// Registered outputs.
	method      *RegisteredMethod
	deadlineOut *time.Time
	payloadOut  *[]byte
}

// RequestCall asks for the next call of any method. The outputs are
// filled and a completion with the given tag is posted to cqNotify when
// a call is matched; on failure the completion carries Success false and
// *call is nil. cqNotify must have been registered with
// RegisterCompletionQueue.
func (s *Server) RequestCall(call **Call, details *CallDetails, initialMD *metadata.Batch, cqBound, cqNotify *completion.Queue, tag any) error {
	if !cqNotify.IsServerQueue() {
		return ErrNotServerCompletionQueue
	}
	cqNotify.BeginOp()
	rc := &requestedCall{
		kind:      batchCall,
		tag:       tag,
		server:    s,
		cqBound:   cqBound,
		cqNotify:  cqNotify,
		callOut:   call,
		index:     -1,
		details:   details,
		initialMD: initialMD,
	}
	var tasks closure.List
	s.queueCallRequest(rc, &tasks)
	tasks.Run()
	return nil
}

// RequestRegisteredCall asks for the next call of a registered method.
// payload, when non-nil, additionally receives the call's first message.
func (s *Server) RequestRegisteredCall(rm *RegisteredMethod, call **Call, deadline *time.Time, initialMD *metadata.Batch, payload *[]byte, cqBound, cqNotify *completion.Queue, tag any) error {
	if !cqNotify.IsServerQueue() {
		return ErrNotServerCompletionQueue
	}
	cqNotify.BeginOp()
	rc := &requestedCall{
		kind:        registeredCall,
		tag:         tag,
		server:      s,
		cqBound:     cqBound,
		cqNotify:    cqNotify,
		callOut:     call,
		index:       -1,
		initialMD:   initialMD,
		method:      rm,
		deadlineOut: deadline,
		payloadOut:  payload,
	}
	var tasks closure.List
	s.queueCallRequest(rc, &tasks)
	tasks.Run()
	return nil
}

// queueCallRequest moves a request into a pool slot and offers it to the
// matcher. Requests arriving after shutdown, or when the pool is
// exhausted, are failed.
func (s *Server) queueCallRequest(rc *requestedCall, tasks *closure.List) {
	if s.shutdownFlag.Load() {
		s.failCall(rc)
		return
	}
	id := s.requestFreelist.Pop()
	if id == -1 {
		// Out of request ids: just fail this one.
		s.failCall(rc)
		return
	}
	var rm *requestMatcher
	switch rc.kind {
	case batchCall:
		rm = &s.unregistered
	case registeredCall:
		rm = &rc.method.matcher
	}
	slot := &s.requestedCalls[id]
	*slot = *rc
	slot.index = id

	if !rm.requests.Push(uint32(id)) {
		return
	}
	// This was the first queued request: we need to lock and start
	// matching calls. Only the push that makes the stack non-empty
	// starts this loop, so one thread starts it per such transition.
	s.muCall.Lock()
	for {
		c := rm.pendingHead
		if c == nil {
			break
		}
		matched := rm.requests.Pop()
		if matched == -1 {
			break
		}
		rm.pendingHead = c.pendingNext
		s.muCall.Unlock()
		c.muState.Lock()
		if c.state == callZombied {
			c.muState.Unlock()
			tasks.Add(c.killZombie)
			// The slot goes back for the next live call.
			rm.requests.Push(uint32(matched))
		} else {
			if c.state != callPending {
				panic("kestrel: dequeued call in unexpected state")
			}
			c.state = callActivated
			c.muState.Unlock()
			s.beginCall(c, &s.requestedCalls[matched], tasks)
		}
		s.muCall.Lock()
	}
	s.muCall.Unlock()
}

// beginCall binds an activated call to its request: outputs are filled
// from the call's captured coordinates and the publication is started.
//
// Runs once initial metadata has been read by the call, so the
// metadata-derived fields can be relied on here.
func (s *Server) beginCall(c *Call, rc *requestedCall, tasks *closure.List) {
	c.cqBound = rc.cqBound
	*rc.callOut = c
	c.cqNew = rc.cqNotify

	wantPayload := false
	switch rc.kind {
	case batchCall:
		if c.host == nil || c.path == nil {
			panic("kestrel: batch call activated without host and method")
		}
		rc.details.Method = c.path.String()
		rc.details.Host = c.host.String()
		rc.details.Deadline = c.deadline
	case registeredCall:
		*rc.deadlineOut = c.deadline
		wantPayload = rc.payloadOut != nil
	}

	_, span := s.opts.Tracer.Start(context.Background(), c.path.String(),
		trace.WithSpanKind(trace.SpanKindServer))
	c.span = span

	c.ref() // held until the completion is published
	c.startRecvIOReq(rc, wantPayload, tasks)
}

// failCall clears the request's outputs and posts a failed completion.
func (s *Server) failCall(rc *requestedCall) {
	*rc.callOut = nil
	if rc.initialMD != nil {
		rc.initialMD.Items = nil
	}
	s.ref()
	rc.cqNotify.EndOp(rc.tag, false, func() { s.doneRequestEvent(rc) }, &rc.completion)
}

// doneRequestEvent runs when the application consumes a request's
// completion: the slot returns to the free list and the per-event server
// reference is dropped.
func (s *Server) doneRequestEvent(rc *requestedCall) {
	if rc.index >= 0 {
		s.requestFreelist.Push(uint32(rc.index))
	}
	s.unref()
}
