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

// Package closure implements deferred task lists. Work produced while
// locks are held is appended to a List and run by the outer entry point
// after every lock has been released, so tasks are free to reacquire
// server locks.
package closure

// A Closure is one unit of deferred work.
type Closure func()

// List is an ordered list of closures. The zero value is an empty list.
// A List is not safe for concurrent use; each entry point owns its own.
type List struct {
	items []Closure
}

// Add appends c to the list.
func (l *List) Add(c Closure) {
	l.items = append(l.items, c)
}

// Run invokes every closure in order. Closures may Add more work while
// Run is draining; it runs until the list is empty.
//
// REQUIRES: no locks are held by the caller.
func (l *List) Run() {
	for len(l.items) > 0 {
		c := l.items[0]
		l.items = l.items[1:]
		c()
	}
}
