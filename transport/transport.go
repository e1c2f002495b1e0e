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

// Package transport defines the contracts between the server core and a
// multiplexed transport. The core never parses wire formats; it drives a
// Transport through connection-wide Ops and intercepts per-stream
// receive completions through StreamOps.
package transport

import (
	"github.com/kestrelrpc/kestrel/completion"
	"github.com/kestrelrpc/kestrel/metadata"
)

// StreamState is the state of one stream as reported by the transport.
type StreamState int32

const (
	StreamOpen StreamState = iota
	StreamSendClosed
	StreamRecvClosed
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "open"
	case StreamSendClosed:
		return "send-closed"
	case StreamRecvClosed:
		return "recv-closed"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectivityState is the state of one transport connection.
type ConnectivityState int32

const (
	Idle ConnectivityState = iota
	Connecting
	Ready
	TransientFailure
	FatalFailure
)

// Status is a goaway status code.
type Status int

// StatusOK is the status sent on orderly shutdown.
const StatusOK Status = 0

// Op is a connection-wide operation submitted to a transport. Zero-valued
// fields are ignored; a single Op may carry several directives.
type Op struct {
	// SendGoaway asks the transport to send a goaway frame carrying
	// GoawayMessage and GoawayStatus.
	SendGoaway    bool
	GoawayMessage []byte
	GoawayStatus  Status

	// Disconnect asks the transport to drop the connection.
	Disconnect bool

	// BindPollset binds the connection to a completion queue's pollset.
	BindPollset *completion.Pollset

	// AcceptStream, if non-nil, installs the callback invoked once per
	// stream the transport accepts.
	AcceptStream func(Stream)

	// OnConnectivityChange, if non-nil, subscribes to connectivity state
	// changes for the lifetime of the connection.
	OnConnectivityChange func(ConnectivityState)

	// OnConsumed, if non-nil, runs once the transport has taken ownership
	// of the op's payloads.
	OnConsumed func()
}

// Transport is one established multiplexed connection. PerformOp must not
// block; transports enqueue work on their own run loops.
type Transport interface {
	PerformOp(op *Op)
}

// StreamOp is one element of a receive batch: a metadata batch, a message
// payload, or both.
type StreamOp struct {
	Metadata *metadata.Batch
	Message  []byte
}

// OpBuffer is the buffer a transport fills with received stream ops.
type OpBuffer struct {
	Ops []StreamOp
}

// StreamOps describes one receive operation issued on a stream. The
// transport fills RecvOps, updates RecvState, and invokes OnDoneRecv. The
// server core substitutes its own OnDoneRecv to inspect metadata and
// stream state before delegating to the callback captured here.
type StreamOps struct {
	RecvOps    *OpBuffer
	RecvState  *StreamState
	OnDoneRecv func(success bool)
}

// Stream is one accepted stream on a server-side connection.
type Stream interface {
	StartOps(ops *StreamOps)
}
