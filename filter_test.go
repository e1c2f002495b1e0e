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

package kestrel_test

import (
	"testing"

	"github.com/kestrelrpc/kestrel"
	"github.com/kestrelrpc/kestrel/metadata"
	"github.com/kestrelrpc/kestrel/transport"
)

// recordingFilter records its per-connection lifecycle.
type recordingFilter struct {
	inits    int
	destroys int
	args     kestrel.Args
}

func (f *recordingFilter) InitChannel(_ *metadata.Context, args kestrel.Args) {
	f.inits++
	f.args = args
}

func (f *recordingFilter) DestroyChannel() {
	f.destroys++
}

func TestFiltersFollowChannelLifecycle(t *testing.T) {
	configured := &recordingFilter{}
	extra := &recordingFilter{}
	s := kestrel.New([]kestrel.Filter{configured}, kestrel.Options{Logger: testLogger(t)})
	s.Start()

	tr := &fakeTransport{}
	args := kestrel.Args{"peer": "test"}
	s.SetupTransport(tr, []kestrel.Filter{extra}, metadata.NewContext(), args)
	if configured.inits != 1 || extra.inits != 1 {
		t.Fatalf("filter inits: got %d/%d, want 1/1", configured.inits, extra.inits)
	}
	if configured.args["peer"] != "test" {
		t.Fatalf("filter args: got %v", configured.args)
	}
	if configured.destroys != 0 || extra.destroys != 0 {
		t.Fatal("filters destroyed while the connection lives")
	}

	tr.fail(t)
	if configured.destroys != 1 || extra.destroys != 1 {
		t.Fatalf("filter destroys: got %d/%d, want 1/1", configured.destroys, extra.destroys)
	}
}

func TestHeadersSplitAcrossReceives(t *testing.T) {
	e := newEnv(t, kestrel.Options{}).start()
	r := e.requestCall("T")

	st := e.tr.acceptStream(t)
	st.deliver(transport.StreamOpen, true, transport.StreamOp{Metadata: &metadata.Batch{Items: []metadata.Item{
		{Key: e.mdctx.Intern(":path"), Value: e.mdctx.Intern("/split")},
	}}})
	// The call has no authority yet, so it must not start.
	e.wantNoEvent()

	st.deliver(transport.StreamOpen, true, transport.StreamOp{Metadata: &metadata.Batch{Items: []metadata.Item{
		{Key: e.mdctx.Intern(":authority"), Value: e.mdctx.Intern("h")},
	}}})
	ev := e.next()
	if ev.Tag != "T" || !ev.Success {
		t.Fatalf("completion: got %+v, want tag T success", ev)
	}
	if r.details.Method != "/split" || r.details.Host != "h" {
		t.Fatalf("call details: got %+v", r.details)
	}
	r.call.Destroy()
}
