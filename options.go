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
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/maps"
)

// defaultMaxRequestedCalls bounds the pool of outstanding application
// requests per server.
const defaultMaxRequestedCalls = 32768

// Args are opaque channel arguments. The server copies Options.Args at
// creation and returns them from ChannelArgs; the Args passed to
// SetupTransport are handed unchanged to each filter's InitChannel.
type Args map[string]any

func (a Args) clone() Args {
	return maps.Clone(a)
}

// Options configure a Server.
type Options struct {
	// Logger. Defaults to a logger that logs to stderr.
	Logger *slog.Logger

	// Tracer. Defaults to a discarding tracer.
	Tracer trace.Tracer

	// MaxRequestedCalls caps how many application call requests may be
	// outstanding at once. Defaults to 32768.
	MaxRequestedCalls int

	// Args are the server's channel arguments.
	Args Args
}

// withDefaults returns a copy of the Options with zero values replaced
// with default values.
func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if o.Tracer == nil {
		o.Tracer = trace.NewNoopTracerProvider().Tracer("kestrel")
	}
	if o.MaxRequestedCalls == 0 {
		o.MaxRequestedCalls = defaultMaxRequestedCalls
	}
	return o
}
