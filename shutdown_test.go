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
	"github.com/kestrelrpc/kestrel/completion"
)

// fakeListener records its lifecycle. Destroy parks the done callback
// until release is called, emulating an asynchronous teardown.
type fakeListener struct {
	started   bool
	pollsets  []*completion.Pollset
	destroyed bool
	done      func()
}

func (l *fakeListener) Start(_ *kestrel.Server, pollsets []*completion.Pollset) {
	l.started = true
	l.pollsets = pollsets
}

func (l *fakeListener) Destroy(_ *kestrel.Server, done func()) {
	l.destroyed = true
	l.done = done
}

func (l *fakeListener) release() {
	l.done()
}

func TestShutdownWithPendingCall(t *testing.T) {
	e := newEnv(t, kestrel.Options{}).start()

	// Park one call with no request to match it.
	e.stream("/p", "h")

	e.s.ShutdownAndNotify(e.cq, "Ts")
	if got := e.tr.goawayCount(); got != 1 {
		t.Fatalf("goaways sent: got %d, want 1", got)
	}

	// Not published while the connection lives.
	e.wantNoEvent()

	// The transport reacts to the goaway and dies.
	e.tr.fail(t)
	ev := e.next()
	if ev.Tag != "Ts" || !ev.Success {
		t.Fatalf("shutdown completion: got %+v, want tag Ts success", ev)
	}

	// Requests after shutdown are accepted but published as failed.
	r := e.requestCall("late")
	ev = e.next()
	if ev.Tag != "late" || ev.Success {
		t.Fatalf("post-shutdown completion: got %+v, want tag late failure", ev)
	}
	if r.call != nil {
		t.Fatal("failed request filled its call output")
	}
	e.s.Destroy()
}

func TestShutdownFailsQueuedRequests(t *testing.T) {
	e := newEnv(t, kestrel.Options{}).start()
	r := e.requestCall("Tq")

	e.s.ShutdownAndNotify(e.cq, "Ts")
	e.tr.fail(t)

	// Both the queued request's failure and the shutdown completion
	// arrive; the failure is posted first, during the drain.
	ev := e.next()
	if ev.Tag != "Tq" || ev.Success {
		t.Fatalf("first completion: got %+v, want tag Tq failure", ev)
	}
	if r.call != nil {
		t.Fatal("failed request filled its call output")
	}
	ev = e.next()
	if ev.Tag != "Ts" || !ev.Success {
		t.Fatalf("second completion: got %+v, want tag Ts success", ev)
	}
	e.s.Destroy()
}

func TestShutdownAlreadyPublished(t *testing.T) {
	e := newEnv(t, kestrel.Options{}).start()
	e.s.ShutdownAndNotify(e.cq, "Ts")
	e.tr.fail(t)
	if ev := e.next(); ev.Tag != "Ts" || !ev.Success {
		t.Fatalf("shutdown completion: got %+v, want tag Ts success", ev)
	}
	goaways := e.tr.goawayCount()

	// A second shutdown publishes immediately without rebroadcasting.
	e.s.ShutdownAndNotify(e.cq, "Ts2")
	if ev := e.next(); ev.Tag != "Ts2" || !ev.Success {
		t.Fatalf("second shutdown completion: got %+v, want tag Ts2 success", ev)
	}
	if got := e.tr.goawayCount(); got != goaways {
		t.Fatalf("goaways after republish: got %d, want %d", got, goaways)
	}
	e.s.Destroy()
}

func TestShutdownPublishesEveryTag(t *testing.T) {
	e := newEnv(t, kestrel.Options{}).start()
	e.s.ShutdownAndNotify(e.cq, "Ts1")
	e.s.ShutdownAndNotify(e.cq, "Ts2")
	e.tr.fail(t)

	seen := map[any]bool{}
	for i := 0; i < 2; i++ {
		ev := e.next()
		if !ev.Success {
			t.Fatalf("shutdown completion failed: %+v", ev)
		}
		seen[ev.Tag] = true
	}
	if !seen["Ts1"] || !seen["Ts2"] {
		t.Fatalf("published tags: got %v, want Ts1 and Ts2", seen)
	}
	e.s.Destroy()
}

func TestShutdownWaitsForListeners(t *testing.T) {
	l := &fakeListener{}
	e := newEnv(t, kestrel.Options{})
	e.s.AddListener(l)
	e.start()
	if !l.started {
		t.Fatal("listener was not started")
	}
	if len(l.pollsets) != 1 {
		t.Fatalf("listener pollsets: got %d, want 1", len(l.pollsets))
	}

	e.s.ShutdownAndNotify(e.cq, "Ts")
	if !l.destroyed {
		t.Fatal("listener was not destroyed")
	}
	e.tr.fail(t)

	// Connection gone, but the listener has not reported destruction.
	e.wantNoEvent()
	l.release()
	ev := e.next()
	if ev.Tag != "Ts" || !ev.Success {
		t.Fatalf("shutdown completion: got %+v, want tag Ts success", ev)
	}
	e.s.Destroy()
}

func TestShutdownWithNoConnections(t *testing.T) {
	e := newEnv(t, kestrel.Options{})
	e.s.RegisterCompletionQueue(e.cq)
	e.s.Start()

	// Nothing to wait for: the completion publishes at once.
	e.s.ShutdownAndNotify(e.cq, "Ts")
	ev := e.next()
	if ev.Tag != "Ts" || !ev.Success {
		t.Fatalf("shutdown completion: got %+v, want tag Ts success", ev)
	}
	e.s.Destroy()
}

func TestCancelAllCalls(t *testing.T) {
	e := newEnv(t, kestrel.Options{}).start()
	e.s.CancelAllCalls()
	if got := e.tr.goawayCount(); got != 0 {
		t.Fatalf("goaways sent: got %d, want 0", got)
	}
	if got := e.tr.disconnectCount(); got != 1 {
		t.Fatalf("disconnects sent: got %d, want 1", got)
	}
}

func TestNewTransportAfterShutdownIsDisconnected(t *testing.T) {
	e := newEnv(t, kestrel.Options{}).start()
	e.s.ShutdownAndNotify(e.cq, "Ts")

	// A transport bound after shutdown is told to disconnect as part of
	// its setup.
	tr := &fakeTransport{}
	e.s.SetupTransport(tr, nil, e.mdctx, nil)
	if got := tr.disconnectCount(); got != 1 {
		t.Fatalf("disconnects on late transport: got %d, want 1", got)
	}
	tr.fail(t)
	e.tr.fail(t)
	if ev := e.next(); ev.Tag != "Ts" || !ev.Success {
		t.Fatalf("shutdown completion: got %+v, want tag Ts success", ev)
	}
	e.s.Destroy()
}

func TestStreamAfterShutdownIsZombified(t *testing.T) {
	e := newEnv(t, kestrel.Options{}).start()
	r := e.requestCall("T")
	e.s.ShutdownAndNotify(e.cq, "Ts")

	// The queued request was failed by the drain.
	ev := e.next()
	if ev.Tag != "T" || ev.Success {
		t.Fatalf("drained request: got %+v, want tag T failure", ev)
	}
	_ = r

	// A straggler stream observed after the flag is killed, matching
	// nothing.
	e.stream("/late", "h")
	e.wantNoEvent()

	e.tr.fail(t)
	if ev := e.next(); ev.Tag != "Ts" || !ev.Success {
		t.Fatalf("shutdown completion: got %+v, want tag Ts success", ev)
	}
	e.s.Destroy()
}

func TestDestroyBeforeShutdownPanics(t *testing.T) {
	e := newEnv(t, kestrel.Options{})
	e.s.AddListener(&fakeListener{})
	e.s.RegisterCompletionQueue(e.cq)
	e.s.Start()
	defer func() {
		if recover() == nil {
			t.Fatal("Destroy before shutdown with listeners did not panic")
		}
	}()
	e.s.Destroy()
}

func TestDestroyWithoutListeners(t *testing.T) {
	e := newEnv(t, kestrel.Options{})
	e.s.RegisterCompletionQueue(e.cq)
	e.s.Start()
	// No listener was ever added, so Destroy without shutdown is legal.
	e.s.Destroy()
}
