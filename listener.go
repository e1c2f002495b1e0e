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
	"github.com/kestrelrpc/kestrel/completion"
	"github.com/kestrelrpc/kestrel/metadata"
)

// Listener accepts transport connections on behalf of a server. Start is
// called exactly once, by Server.Start. Destroy is called exactly once,
// during shutdown, and must invoke done exactly once when the listener
// has fully stopped; done may be invoked asynchronously.
type Listener interface {
	Start(s *Server, pollsets []*completion.Pollset)
	Destroy(s *Server, done func())
}

// Filter is a per-connection extension point. Each filter's InitChannel
// runs while a transport is being bound to the server, and its
// DestroyChannel runs when that connection is torn down.
type Filter interface {
	InitChannel(mdctx *metadata.Context, args Args)
	DestroyChannel()
}
