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

package virtq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/virtio/pkg/virtio"
	"gvisor.dev/virtio/pkg/virtio/poll"
)

var errPending = errors.New("chain not completed yet")

// AddNotifyWait adds a chain, notifies the device if needed and polls until
// the device completes it, returning the number of bytes written.
//
// It must be the only chain in flight: a completion for any other chain is
// reported as ErrWrongToken. If ctx is done first, the chain stays published
// and can only be reclaimed by popping it later or resetting the device.
func (q *Queue) AddNotifyWait(ctx context.Context, inputs, outputs [][]byte) (uint32, error) {
	token, err := q.Add(inputs, outputs)
	if err != nil {
		return 0, err
	}
	q.NotifyIfNeeded()

	var length uint32
	op := func() error {
		next, ok := q.PeekUsed()
		if !ok {
			return errPending
		}
		if next != token {
			return backoff.Permanent(fmt.Errorf("queue %d: waiting for %d, device completed %d: %w", q.idx, token, next, virtio.ErrWrongToken))
		}
		n, err := q.PopUsedToken(token)
		if err != nil {
			return backoff.Permanent(err)
		}
		length = n
		return nil
	}

	if err := poll.Retry(ctx, poll.NewBackOff(time.Microsecond, time.Millisecond), op); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, fmt.Errorf("queue %d: waiting for chain %d: %w", q.idx, token, ctxErr)
		}
		return 0, err
	}
	return length, nil
}
