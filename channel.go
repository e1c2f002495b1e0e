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
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/kestrelrpc/kestrel/internal/closure"
	"github.com/kestrelrpc/kestrel/metadata"
	"github.com/kestrelrpc/kestrel/transport"
)

// channelRegisteredMethod is one slot of a channel's method lookup
// table. method and host are interned in the channel's metadata context
// so lookups compare by pointer identity.
type channelRegisteredMethod struct {
	rm     *RegisteredMethod
	method *metadata.Str
	host   *metadata.Str // nil for the wildcard host
}

// channel is one transport connection bound to the server.
type channel struct {
	server    *Server
	id        string
	transport transport.Transport
	mdctx     *metadata.Context

	// Interned header keys of this connection's metadata context.
	pathKey      *metadata.Str
	authorityKey *metadata.Str

	connectivity transport.ConnectivityState

	// Linkage in the server's circular channel list, guarded by
	// muGlobal. An orphaned channel links to itself.
	next *channel
	prev *channel

	// Method lookup table, immutable once built.
	registeredMethods []channelRegisteredMethod
	maxProbes         uint32

	filters []Filter

	refs atomic.Int64
}

// SetupTransport binds an established transport to the server: it builds
// the per-connection state (including the method lookup table phrased in
// terms of strings interned in mdctx), links the connection into the
// server, and installs the stream-accept and connectivity callbacks.
func (s *Server) SetupTransport(t transport.Transport, extraFilters []Filter, mdctx *metadata.Context, args Args) {
	for _, cq := range s.cqs {
		t.PerformOp(&transport.Op{BindPollset: cq.Pollset()})
	}

	ch := &channel{
		server:       s,
		id:           uuid.NewString(),
		transport:    t,
		mdctx:        mdctx,
		pathKey:      mdctx.Intern(":path"),
		authorityKey: mdctx.Intern(":authority"),
		connectivity: transport.Idle,
	}
	ch.refs.Store(1) // released when the channel is destroyed
	ch.next = ch
	ch.prev = ch
	s.ref()

	ch.filters = append(append([]Filter{}, s.filters...), extraFilters...)
	for _, f := range ch.filters {
		f.InitChannel(mdctx, args)
	}

	ch.buildMethodTable(mdctx)

	s.muGlobal.Lock()
	ch.next = &s.rootChannel
	ch.prev = s.rootChannel.prev
	ch.next.prev = ch
	ch.prev.next = ch
	s.muGlobal.Unlock()

	ch.ref() // held by the connectivity subscription
	t.PerformOp(&transport.Op{
		AcceptStream:         ch.acceptStream,
		OnConnectivityChange: ch.connectivityChanged,
		Disconnect:           s.shutdownFlag.Load(),
	})
}

// buildMethodTable builds the open-addressed (host, method) table. With
// N registered methods the table has 2N slots probed linearly; the worst
// insertion probe distance bounds every lookup.
func (ch *channel) buildMethodTable(mdctx *metadata.Context) {
	s := ch.server
	n := uint32(0)
	for m := s.registeredMethods; m != nil; m = m.next {
		n++
	}
	if n == 0 {
		return
	}
	slots := 2 * n
	ch.registeredMethods = make([]channelRegisteredMethod, slots)
	maxProbes := uint32(0)
	for m := s.registeredMethods; m != nil; m = m.next {
		var host *metadata.Str
		var hostHash uint32
		if m.host != "" {
			host = mdctx.Intern(m.host)
			hostHash = host.Hash()
		}
		method := mdctx.Intern(m.method)
		hash := metadata.KVHash(hostHash, method.Hash())
		probes := uint32(0)
		for ch.registeredMethods[(hash+probes)%slots].rm != nil {
			probes++
		}
		if probes > maxProbes {
			maxProbes = probes
		}
		slot := &ch.registeredMethods[(hash+probes)%slots]
		slot.rm = m
		slot.method = method
		slot.host = host
	}
	ch.maxProbes = maxProbes
}

// lookupMethod finds the registered method matching the call's interned
// host and path. Two bounded probe sequences: an exact host match, then
// a wildcard-host match. A miss on both returns nil.
func (ch *channel) lookupMethod(host, path *metadata.Str) *RegisteredMethod {
	slots := uint32(len(ch.registeredMethods))
	if slots == 0 || host == nil || path == nil {
		return nil
	}
	hash := metadata.KVHash(host.Hash(), path.Hash())
	for i := uint32(0); i <= ch.maxProbes; i++ {
		slot := &ch.registeredMethods[(hash+i)%slots]
		if slot.host != host || slot.method != path {
			continue
		}
		return slot.rm
	}
	hash = metadata.KVHash(0, path.Hash())
	for i := uint32(0); i <= ch.maxProbes; i++ {
		slot := &ch.registeredMethods[(hash+i)%slots]
		if slot.host != nil || slot.method != path {
			continue
		}
		return slot.rm
	}
	return nil
}

func (ch *channel) acceptStream(st transport.Stream) {
	newServerCall(ch, st)
}

// connectivityChanged handles connectivity updates from the transport.
// The subscription stays installed until the connection fails fatally,
// at which point the channel is unlinked and destroyed.
func (ch *channel) connectivityChanged(state transport.ConnectivityState) {
	ch.connectivity = state
	if state != transport.FatalFailure {
		return
	}
	s := ch.server
	var tasks closure.List
	s.muGlobal.Lock()
	ch.destroyLocked(&tasks)
	s.muGlobal.Unlock()
	ch.unref() // connectivity subscription
	tasks.Run()
}

func (ch *channel) isOrphaned() bool {
	return ch.next == ch
}

// orphanLocked unlinks the channel from the server list.
//
// REQUIRES: s.muGlobal is held.
func (ch *channel) orphanLocked() {
	ch.next.prev = ch.prev
	ch.prev.next = ch.next
	ch.next = ch
	ch.prev = ch
}

// destroyLocked unlinks the channel, reevaluates shutdown progress, and
// schedules the release of the channel's base reference.
//
// REQUIRES: s.muGlobal is held.
func (ch *channel) destroyLocked(tasks *closure.List) {
	if ch.isOrphaned() {
		return
	}
	s := ch.server
	ch.orphanLocked()
	s.ref()
	s.maybeFinishShutdownLocked(tasks)
	tasks.Add(func() {
		s.opts.Logger.Debug("finishing channel destruction", "channel", ch.id)
		ch.unref()
		s.unref()
	})
}

func (ch *channel) ref() {
	ch.refs.Add(1)
}

// unref releases one channel reference. The last release tears the
// channel down: filters are destroyed, the channel is unlinked if it
// still is linked, and shutdown progress is reevaluated.
func (ch *channel) unref() {
	if ch.refs.Add(-1) != 0 {
		return
	}
	for _, f := range ch.filters {
		f.DestroyChannel()
	}
	s := ch.server
	var tasks closure.List
	s.muGlobal.Lock()
	if !ch.isOrphaned() {
		ch.orphanLocked()
	}
	s.maybeFinishShutdownLocked(&tasks)
	s.muGlobal.Unlock()
	s.unref()
	tasks.Run()
}
