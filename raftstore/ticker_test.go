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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTicker(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.RaftBaseTickInterval = time.Second
	cfg.RaftLogGCTickInterval = 3 * time.Second
	cfg.PdHeartbeatTickInterval = 0
	tk := newTicker(1, cfg)

	assert.False(t, tk.isScheduled(PeerTickRaftLogGC))
	tk.schedule(PeerTickRaftLogGC)
	assert.True(t, tk.isScheduled(PeerTickRaftLogGC))
	for i := 0; i < 2; i++ {
		tk.tickClock()
		assert.False(t, tk.isOnTick(PeerTickRaftLogGC))
	}
	tk.tickClock()
	assert.True(t, tk.isOnTick(PeerTickRaftLogGC))
	// A tick fires once.
	tk.tickClock()
	assert.False(t, tk.isOnTick(PeerTickRaftLogGC))
	assert.False(t, tk.isScheduled(PeerTickRaftLogGC))

	tk.schedule(PeerTickRaft)
	tk.tickClock()
	assert.True(t, tk.isOnTick(PeerTickRaft))

	// A zero interval disables the tick.
	tk.schedule(PeerTickPdHeartbeat)
	assert.False(t, tk.isScheduled(PeerTickPdHeartbeat))
}

func TestStoreTicker(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.RaftBaseTickInterval = time.Second
	cfg.PdStoreHeartbeatTickInterval = 2 * time.Second
	tk := newStoreTicker(cfg)
	tk.scheduleStore(StoreTickPdStoreHeartbeat)
	tk.tickClock()
	assert.False(t, tk.isOnStoreTick(StoreTickPdStoreHeartbeat))
	tk.tickClock()
	assert.True(t, tk.isOnStoreTick(StoreTickPdStoreHeartbeat))
	assert.Equal(t, int64(0), ticksOf(time.Second, 0))
}
