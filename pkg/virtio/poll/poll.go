// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package poll waits for device-side state changes.
package poll

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
)

// NewBackOff returns an exponential backoff between initial and max with no
// limit on the total time.
func NewBackOff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	return b
}

// Retry calls op, backing off with b, until op succeeds, returns a
// backoff.Permanent error, b gives up, or ctx is done. In the last case the
// error is the last one op returned and ctx.Err() is not nil.
//
// Unlike backoff.WithContext alone, Retry keeps polling until ctx's deadline
// has actually passed instead of giving up when the next interval would
// cross it.
func Retry(ctx context.Context, b backoff.BackOff, op backoff.Operation) error {
	waitCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return backoff.Retry(op, backoff.WithContext(b, waitCtx))
}
