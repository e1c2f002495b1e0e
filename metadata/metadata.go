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

// Package metadata implements interned metadata strings and metadata
// batches.
//
// Strings are interned per Context: within one Context, Intern returns
// the same *Str for equal input strings, so callers may compare metadata
// strings by pointer identity instead of by value. Each connection owns
// one Context, and everything that must be matched against that
// connection's traffic (registered method names, header keys) is
// re-interned into it.
package metadata

import (
	"hash/fnv"
	"math/bits"
	"sync"
	"time"
)

// Str is an interned string with a precomputed hash. Two Strs interned in
// the same Context are pointer-equal iff their contents are equal.
type Str struct {
	s    string
	hash uint32
}

// String returns the interned string.
func (s *Str) String() string { return s.s }

// Hash returns the hash computed when the string was interned.
func (s *Str) Hash() uint32 { return s.hash }

// Context is a string interning domain. The zero value is not usable;
// call NewContext.
type Context struct {
	mu   sync.Mutex
	strs map[string]*Str
}

// NewContext returns an empty interning context.
func NewContext() *Context {
	return &Context{strs: map[string]*Str{}}
}

// Intern returns the canonical *Str for s within this context.
func (c *Context) Intern(s string) *Str {
	c.mu.Lock()
	defer c.mu.Unlock()
	if md, ok := c.strs[s]; ok {
		return md
	}
	h := fnv.New32a()
	h.Write([]byte(s))
	md := &Str{s: s, hash: h.Sum32()}
	c.strs[s] = md
	return md
}

// KVHash combines a key hash and a value hash into one bucket hash.
func KVHash(keyHash, valueHash uint32) uint32 {
	return bits.RotateLeft32(keyHash, 2) ^ valueHash
}

// Item is one metadata element.
type Item struct {
	Key   *Str
	Value *Str
}

// Batch is an ordered collection of metadata items, optionally carrying
// the deadline conveyed alongside the batch. A zero Deadline means no
// deadline was transmitted.
type Batch struct {
	Items    []Item
	Deadline time.Time
}

// Filter removes every item for which keep returns false, preserving the
// order of the remaining items.
func (b *Batch) Filter(keep func(Item) bool) {
	kept := b.Items[:0]
	for _, it := range b.Items {
		if keep(it) {
			kept = append(kept, it)
		}
	}
	b.Items = kept
}
