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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestIOLimiter(t *testing.T) {
	assert.Equal(t, rate.Inf, NewIOLimiter(0).Limit())
	assert.Nil(t, waitIO(context.Background(), NewIOLimiter(0), 1<<30))
	assert.Nil(t, waitIO(context.Background(), nil, 1<<30))

	limiter := NewIOLimiter(1000)
	assert.Equal(t, 1000, limiter.Burst())
	start := time.Now()
	// The first burst is free, the rest waits for about a second.
	assert.Nil(t, waitIO(context.Background(), limiter, 2000))
	assert.True(t, time.Since(start) >= 500*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NotNil(t, waitIO(ctx, limiter, 500))
}
