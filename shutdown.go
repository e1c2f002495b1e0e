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
	"time"

	"github.com/kestrelrpc/kestrel/completion"
	"github.com/kestrelrpc/kestrel/internal/closure"
	"github.com/kestrelrpc/kestrel/transport"
)

// shutdownTag records one caller of ShutdownAndNotify. Each tag receives
// exactly one completion when shutdown finishes.
type shutdownTag struct {
	tag        any
	cq         *completion.Queue
	completion completion.Completion
}

// channelBroadcaster is a snapshot of the live channels, each holding a
// broadcast reference, for fanning out a shutdown operation without the
// server lock.
type channelBroadcaster struct {
	channels []*channel
}

// broadcasterLocked snapshots the channel list.
//
// REQUIRES: s.muGlobal is held.
func (s *Server) broadcasterLocked() channelBroadcaster {
	var cb channelBroadcaster
	for ch := s.rootChannel.next; ch != &s.rootChannel; ch = ch.next {
		ch.ref() // broadcast
		cb.channels = append(cb.channels, ch)
	}
	return cb
}

// shutdown issues one transport op per snapshotted channel and releases
// the broadcast references.
func (cb channelBroadcaster) shutdown(sendGoaway, forceDisconnect bool) {
	for _, ch := range cb.channels {
		sendShutdownOp(ch.transport, sendGoaway, forceDisconnect)
		ch.unref()
	}
}

func sendShutdownOp(t transport.Transport, sendGoaway, forceDisconnect bool) {
	msg := []byte("Server shutdown")
	op := &transport.Op{
		SendGoaway:    sendGoaway,
		GoawayMessage: msg,
		GoawayStatus:  transport.StatusOK,
		Disconnect:    forceDisconnect,
	}
	// The transport owns the message once the op is consumed.
	op.OnConsumed = func() { msg = nil }
	t.PerformOp(op)
}

// ShutdownAndNotify begins shutting the server down. It returns
// immediately; a completion with the given tag is posted to cq once
// every connection and listener has been destroyed. Calling it again,
// with any tag, posts one completion per call.
func (s *Server) ShutdownAndNotify(cq *completion.Queue, tag any) {
	var tasks closure.List

	s.muGlobal.Lock()
	cq.BeginOp()
	if s.shutdownPublished {
		// Shutdown already finished. Post directly, with freshly
		// allocated storage that lives until the queue consumes it.
		cq.EndOp(tag, true, nil, &completion.Completion{})
		s.muGlobal.Unlock()
		return
	}
	s.shutdownTags = append(s.shutdownTags, &shutdownTag{tag: tag, cq: cq})
	if s.shutdownFlag.Load() {
		// An earlier shutdown is in flight and will publish this tag.
		s.muGlobal.Unlock()
		return
	}
	s.opts.Logger.Debug("server shutdown requested")
	s.lastShutdownMessage = time.Now()

	snapshot := s.broadcasterLocked()

	// Collect all unregistered then registered calls.
	s.muCall.Lock()
	s.killPendingWorkLocked(&tasks)
	s.muCall.Unlock()

	s.shutdownFlag.Store(true)
	s.maybeFinishShutdownLocked(&tasks)
	s.muGlobal.Unlock()

	for _, l := range s.listeners {
		l.Destroy(s, s.listenerDestroyDone)
	}

	snapshot.shutdown(true, false)
	tasks.Run()
}

// listenerDestroyDone is handed to every listener's Destroy; shutdown
// cannot finish until each listener has invoked it.
func (s *Server) listenerDestroyDone() {
	var tasks closure.List
	s.muGlobal.Lock()
	s.listenersDestroyed++
	s.maybeFinishShutdownLocked(&tasks)
	s.muGlobal.Unlock()
	tasks.Run()
}

// maybeFinishShutdown publishes the recorded shutdown tags once the
// server has fully quiesced. Until then it re-drains pending work and
// logs progress at most once per second.
//
// REQUIRES: s.muGlobal is held and s.muCall is not held.
func (s *Server) maybeFinishShutdownLocked(tasks *closure.List) {
	if !s.shutdownFlag.Load() || s.shutdownPublished {
		return
	}

	s.muCall.Lock()
	s.killPendingWorkLocked(tasks)
	s.muCall.Unlock()

	if s.rootChannel.next != &s.rootChannel || s.listenersDestroyed < len(s.listeners) {
		if time.Since(s.lastShutdownMessage) >= time.Second {
			s.lastShutdownMessage = time.Now()
			s.opts.Logger.Debug("waiting for channels and listeners to be destroyed before shutting down",
				"channels", s.numChannelsLocked(),
				"listeners", len(s.listeners)-s.listenersDestroyed)
		}
		return
	}
	s.shutdownPublished = true
	for _, sdt := range s.shutdownTags {
		s.ref()
		sdt.cq.EndOp(sdt.tag, true, s.unref, &sdt.completion)
	}
}

// CancelAllCalls force-disconnects every connection without sending a
// goaway.
func (s *Server) CancelAllCalls() {
	s.muGlobal.Lock()
	snapshot := s.broadcasterLocked()
	s.muGlobal.Unlock()
	snapshot.shutdown(false, true)
}
