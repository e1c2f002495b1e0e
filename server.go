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

// Package kestrel implements the core of an RPC server.
package kestrel

// # Overview
//
// A Server accepts incoming streams arriving over already-established
// multiplexed transport connections and dispatches each stream to a
// waiting application handler by matching the stream's (host, method)
// coordinates.
//
// # Server operation
//
// The application registers completion queues and (optionally) methods,
// then calls Start. Transports are bound with SetupTransport; each bound
// transport becomes a channel holding its own lookup table of the
// registered methods. When a transport accepts a stream, the server
// intercepts the stream's first receive, extracts the :path and
// :authority headers, and routes the new call to the request matcher of
// the matching registered method, or to the unregistered matcher.
//
// The application asks for calls with RequestCall or
// RequestRegisteredCall. Each request takes a slot from a fixed pool and
// rendezvouses with calls in the matcher: if a call is already waiting
// the request completes immediately, otherwise the request queues until
// a matching stream arrives. Completions are published to the
// notification queue passed with the request.
//
// # Shutdown
//
// ShutdownAndNotify drains queued requests, zombifies waiting calls,
// broadcasts a goaway to every connection, destroys listeners, and
// publishes one completion per supplied tag once every connection and
// listener has gone away. CancelAllCalls force-disconnects every
// connection without a goaway.
//
// # Locking
//
// Two server mutexes: muGlobal guards channel, listener, and shutdown
// state; muCall guards the matchers' pending call lists. When both are
// needed, muGlobal is taken before muCall. Each call additionally has a
// small mutex guarding its state field.

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelrpc/kestrel/completion"
	"github.com/kestrelrpc/kestrel/internal/closure"
	"github.com/kestrelrpc/kestrel/internal/lockfree"
	"golang.org/x/exp/slices"
)

// Server is an RPC server core. Create one with New.
type Server struct {
	opts    Options
	filters []Filter
	args    Args

	// muGlobal guards channel and shutdown state. muCall guards the
	// matchers' pending lists. Lock order when both are held: muGlobal
	// before muCall.
	muGlobal sync.Mutex
	muCall   sync.Mutex

	cqs      []*completion.Queue
	pollsets []*completion.Pollset

	registeredMethods *RegisteredMethod
	unregistered      requestMatcher

	// Free slot ids of requestedCalls.
	requestFreelist *lockfree.Stack
	requestedCalls  []requestedCall

	shutdownFlag      atomic.Bool
	shutdownPublished bool
	shutdownTags      []*shutdownTag

	// rootChannel is the sentinel of the circular channel list.
	rootChannel channel

	listeners          []Listener
	listenersDestroyed int

	// When we last logged shutdown progress.
	lastShutdownMessage time.Time

	refs atomic.Int64
}

// RegisteredMethod is the handle returned by RegisterMethod and passed
// back to RequestRegisteredCall.
type RegisteredMethod struct {
	method  string
	host    string
	matcher requestMatcher
	next    *RegisteredMethod
}

// Method returns the registered method name.
func (m *RegisteredMethod) Method() string { return m.method }

// Host returns the registered host, or "" for the wildcard host.
func (m *RegisteredMethod) Host() string { return m.host }

// New creates a Server whose per-connection stacks include the supplied
// extension filters.
func New(filters []Filter, opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{
		opts:    opts,
		filters: filters,
		args:    opts.Args.clone(),
	}
	s.refs.Store(1) // released by Destroy
	s.rootChannel.next = &s.rootChannel
	s.rootChannel.prev = &s.rootChannel

	n := opts.MaxRequestedCalls
	s.requestFreelist = lockfree.New(uint32(n))
	for i := 0; i < n; i++ {
		s.requestFreelist.Push(uint32(i))
	}
	s.requestedCalls = make([]requestedCall, n)
	s.unregistered.init(n)
	return s
}

func (s *Server) ref() {
	s.refs.Add(1)
}

func (s *Server) unref() {
	if s.refs.Add(-1) != 0 {
		return
	}
	s.unregistered.destroy()
	for m := s.registeredMethods; m != nil; m = m.next {
		m.matcher.destroy()
	}
}

// RegisterCompletionQueue registers cq for use with this server.
// Registering the same queue twice has the same effect as once. Every
// queue passed as a notification queue to RequestCall or
// RequestRegisteredCall must have been registered first.
func (s *Server) RegisterCompletionQueue(cq *completion.Queue) {
	if slices.Contains(s.cqs, cq) {
		return
	}
	cq.MarkServerQueue()
	s.cqs = append(s.cqs, cq)
}

// RegisterMethod registers (method, host) ahead of Start and returns a
// handle for RequestRegisteredCall. host "" matches any host. Duplicate
// registrations and empty method names return nil with a logged error.
func (s *Server) RegisterMethod(method, host string) *RegisteredMethod {
	if method == "" {
		s.opts.Logger.Error("method registration requires a method name")
		return nil
	}
	for m := s.registeredMethods; m != nil; m = m.next {
		if m.method == method && m.host == host {
			s.opts.Logger.Error("duplicate method registration", "method", method, "host", hostLabel(host))
			return nil
		}
	}
	m := &RegisteredMethod{method: method, host: host}
	m.matcher.init(len(s.requestedCalls))
	m.next = s.registeredMethods
	s.registeredMethods = m
	return m
}

func hostLabel(host string) string {
	if host == "" {
		return "*"
	}
	return host
}

// Start materializes the pollsets of the registered completion queues
// and starts every listener with them.
func (s *Server) Start() {
	s.pollsets = make([]*completion.Pollset, 0, len(s.cqs))
	for _, cq := range s.cqs {
		s.pollsets = append(s.pollsets, cq.Pollset())
	}
	for _, l := range s.listeners {
		l.Start(s, s.pollsets)
	}
}

// AddListener adds a listener. Listeners are started by Start and
// destroyed during shutdown.
func (s *Server) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

// kill-pending-work drains every matcher: queued requests are failed and
// waiting calls are zombified.
//
// REQUIRES: s.muCall is held.
func (s *Server) killPendingWorkLocked(tasks *closure.List) {
	s.unregistered.killRequests(s)
	s.unregistered.zombifyAllPending(tasks)
	for m := s.registeredMethods; m != nil; m = m.next {
		m.matcher.killRequests(s)
		m.matcher.zombifyAllPending(tasks)
	}
}

// HasOpenConnections reports whether any channel is still linked to the
// server.
func (s *Server) HasOpenConnections() bool {
	s.muGlobal.Lock()
	defer s.muGlobal.Unlock()
	return s.rootChannel.next != &s.rootChannel
}

// ChannelArgs returns the server's channel arguments.
func (s *Server) ChannelArgs() Args {
	return s.args
}

// Destroy releases the application's reference to the server. The server
// must already be shut down, unless no listener was ever added, and
// every listener must have reported destruction.
func (s *Server) Destroy() {
	s.muGlobal.Lock()
	if !s.shutdownFlag.Load() && len(s.listeners) > 0 {
		panic("kestrel: Destroy called before shutdown with listeners added")
	}
	if s.listenersDestroyed != len(s.listeners) {
		panic("kestrel: Destroy called before all listeners were destroyed")
	}
	s.listeners = nil
	s.muGlobal.Unlock()
	s.unref()
}

func (s *Server) numChannelsLocked() int {
	n := 0
	for ch := s.rootChannel.next; ch != &s.rootChannel; ch = ch.next {
		n++
	}
	return n
}
