// Copyright 2019-present PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package raftstore

import (
	"context"

	"github.com/pingcap/errors"
	"golang.org/x/time/rate"
)

// IOLimiter controls how many bytes of snapshots are sent per second.
type IOLimiter = rate.Limiter

// NewIOLimiter returns a limiter allowing bytesPerSec, a non positive value
// means unlimited.
func NewIOLimiter(bytesPerSec int) *IOLimiter {
	if bytesPerSec <= 0 {
		return NewInfLimiter()
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
}

// NewInfLimiter returns a new IOLimiter.
func NewInfLimiter() *IOLimiter {
	return rate.NewLimiter(rate.Inf, 0)
}

// waitIO blocks until n bytes are allowed, requests larger than the burst are
// split into chunks.
func waitIO(ctx context.Context, limiter *IOLimiter, n int) error {
	if limiter == nil || limiter.Limit() == rate.Inf {
		return nil
	}
	burst := limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := limiter.WaitN(ctx, chunk); err != nil {
			return errors.Trace(err)
		}
		n -= chunk
	}
	return nil
}
