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

import "errors"

// ErrNotServerCompletionQueue is returned by RequestCall and
// RequestRegisteredCall when the notification queue was never registered
// with the server. Check for it via errors.Is.
//
// Every other request failure is reported asynchronously: a completion
// with Success set to false on the notification queue.
var ErrNotServerCompletionQueue = errors.New("completion queue was not registered with the server")
