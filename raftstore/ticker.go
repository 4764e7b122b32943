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

import "time"

// ticker counts base ticks and arms each kind of tick for a later base tick.
// A tick fires once and must be scheduled again by its handler.
type ticker struct {
	regionID  uint64
	tick      int64
	schedules []tickSchedule
}

type tickSchedule struct {
	runAt    int64
	interval int64
}

func ticksOf(d, base time.Duration) int64 {
	if base <= 0 {
		return 0
	}
	return int64(d / base)
}

func newTicker(regionID uint64, cfg *Config) *ticker {
	base := cfg.RaftBaseTickInterval
	t := &ticker{
		regionID:  regionID,
		schedules: make([]tickSchedule, peerTickCount),
	}
	t.schedules[int(PeerTickRaft)].interval = 1
	t.schedules[int(PeerTickRaftLogGC)].interval = ticksOf(cfg.RaftLogGCTickInterval, base)
	t.schedules[int(PeerTickSplitRegionCheck)].interval = ticksOf(cfg.SplitRegionCheckTickInterval, base)
	t.schedules[int(PeerTickPdHeartbeat)].interval = ticksOf(cfg.PdHeartbeatTickInterval, base)
	t.schedules[int(PeerTickCheckMerge)].interval = ticksOf(cfg.MergeCheckTickInterval, base)
	t.schedules[int(PeerTickPeerStaleState)].interval = ticksOf(cfg.PeerStaleStateCheckInterval, base)
	for i := range t.schedules {
		t.schedules[i].runAt = -1
	}
	return t
}

func newStoreTicker(cfg *Config) *ticker {
	base := cfg.RaftBaseTickInterval
	t := &ticker{
		schedules: make([]tickSchedule, storeTickCount),
	}
	t.schedules[int(StoreTickPdStoreHeartbeat)].interval = ticksOf(cfg.PdStoreHeartbeatTickInterval, base)
	t.schedules[int(StoreTickSnapGC)].interval = ticksOf(cfg.SnapMgrGcTickInterval, base)
	t.schedules[int(StoreTickConsistencyCheck)].interval = ticksOf(cfg.ConsistencyCheckInterval, base)
	for i := range t.schedules {
		t.schedules[i].runAt = -1
	}
	return t
}

// tickClock should be called when peerMsgHandler received tick message.
func (t *ticker) tickClock() {
	t.tick++
}

// schedule arranges the next run for the PeerTick. A non positive interval disables it.
func (t *ticker) schedule(tp PeerTick) {
	t.arm(int(tp))
}

// isOnTick checks if the PeerTick should run.
func (t *ticker) isOnTick(tp PeerTick) bool {
	return t.schedules[int(tp)].runAt == t.tick
}

// isScheduled checks if the PeerTick is armed.
func (t *ticker) isScheduled(tp PeerTick) bool {
	return t.schedules[int(tp)].runAt >= t.tick
}

func (t *ticker) isOnStoreTick(tp StoreTick) bool {
	return t.schedules[int(tp)].runAt == t.tick
}

func (t *ticker) scheduleStore(tp StoreTick) {
	t.arm(int(tp))
}

func (t *ticker) arm(idx int) {
	sched := &t.schedules[idx]
	if sched.interval <= 0 {
		sched.runAt = -1
		return
	}
	sched.runAt = t.tick + sched.interval
}
