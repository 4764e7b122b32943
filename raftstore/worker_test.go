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
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/pingcap/badger"
	"github.com/pingcap/badger/y"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordHandler struct {
	sync.Mutex
	started bool
	tasks   []task
}

func (h *recordHandler) start() {
	h.Lock()
	h.started = true
	h.Unlock()
}

func (h *recordHandler) handle(t task) {
	h.Lock()
	h.tasks = append(h.tasks, t)
	h.Unlock()
}

func TestWorker(t *testing.T) {
	wg := new(sync.WaitGroup)
	w := newWorker("test", wg)
	h := new(recordHandler)
	w.start(h)
	for i := 0; i < 3; i++ {
		require.True(t, scheduleTask(w.sender, task{tp: taskTypeSplitCheck, data: i}, w.name))
	}
	w.stop()
	wg.Wait()
	assert.True(t, h.started)
	require.Len(t, h.tasks, 3)
	for i, tk := range h.tasks {
		assert.Equal(t, i, tk.data)
	}
}

func TestScheduleTaskToBusyWorker(t *testing.T) {
	w := newWorker("busy", new(sync.WaitGroup))
	for i := 0; i < defaultWorkerCapacity; i++ {
		require.True(t, scheduleTask(w.sender, task{tp: taskTypeRaftLogGC}, w.name))
	}
	assert.False(t, scheduleTask(w.sender, task{tp: taskTypeRaftLogGC}, w.name))
	assert.Len(t, takeTasks(w), defaultWorkerCapacity)
}

func TestGCRaftLog(t *testing.T) {
	engines := newTestEngines(t)
	defer cleanUpTestEngineData(engines)
	raftWB := new(WriteBatch)
	for i := uint64(1); i <= 100; i++ {
		raftWB.Set(y.KeyWithTs(RaftLogKey(1, i), RaftTS), []byte("entry"))
	}
	require.Nil(t, engines.WriteRaft(raftWB))

	resCh := make(chan raftLogGcTaskRes, 3)
	h := &raftLogGCTaskHandler{taskResCh: resCh}
	gc := func(startIdx, endIdx uint64) uint64 {
		h.handle(task{tp: taskTypeRaftLogGC, data: &raftLogGCTask{
			raftEngine: engines.raft,
			regionID:   1,
			startIdx:   startIdx,
			endIdx:     endIdx,
		}})
		return uint64(<-resCh)
	}
	// The first index is looked up when it's unknown.
	assert.Equal(t, uint64(49), gc(0, 50))
	assert.Equal(t, uint64(0), gc(0, 50))
	assert.Equal(t, uint64(20), gc(50, 70))
	for i := uint64(1); i <= 100; i++ {
		_, err := getValue(engines.raft, RaftLogKey(1, i))
		if i < 70 {
			assert.Equal(t, badger.ErrKeyNotFound, err, "index %d", i)
		} else {
			assert.Nil(t, err, "index %d", i)
		}
	}
}

func TestSizeSplitChecker(t *testing.T) {
	checker := newSizeSplitChecker(100, 60, 10)
	for i := 0; i < 10; i++ {
		checker.onKv([]byte(fmt.Sprintf("k%d", i)), 20)
	}
	// The last part is too small to be split out.
	assert.Equal(t, [][]byte{[]byte("k3"), []byte("k6")}, checker.getSplitKeys())

	checker = newSizeSplitChecker(100, 60, 1)
	for i := 0; i < 10; i++ {
		checker.onKv([]byte(fmt.Sprintf("k%d", i)), 20)
	}
	assert.Equal(t, [][]byte{[]byte("k3")}, checker.getSplitKeys())

	checker = newSizeSplitChecker(100, 60, 10)
	checker.onKv([]byte("k0"), 50)
	assert.Empty(t, checker.getSplitKeys())
}

func TestSplitCheckHandler(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, _ := newLeader(t, s)
	kvWB := new(WriteBatch)
	value := bytes.Repeat([]byte("v"), 100)
	for i := 0; i < 10; i++ {
		kvWB.Set(y.KeyWithTs(DataKey([]byte(fmt.Sprintf("k%02d", i))), KvTS), value)
	}
	require.Nil(t, s.engines.WriteKV(kvWB))

	h := newSplitCheckRunner(s.engines.kv, s.router, &splitCheckConfig{
		regionMaxSize:   500,
		regionSplitSize: 300,
		batchSplitLimit: 10,
		rowsPerSample:   3,
	})
	h.handle(task{tp: taskTypeSplitCheck, data: &splitCheckTask{region: pf.region()}})
	msgs := s.takeMsgs()
	require.Len(t, msgs, 3)
	assert.Equal(t, MsgTypeRegionApproximateSize, msgs[0].Type)
	assert.True(t, msgs[0].Data.(uint64) >= 1000)
	assert.Equal(t, MsgTypeRegionApproximateKeys, msgs[1].Type)
	assert.Equal(t, uint64(10), msgs[1].Data)
	assert.Equal(t, MsgTypeSplitRegion, msgs[2].Type)
	split := msgs[2].Data.(*MsgSplitRegion)
	assert.Equal(t, pf.region().RegionEpoch, split.RegionEpoch)
	require.NotEmpty(t, split.SplitKeys)
	for _, key := range split.SplitKeys {
		// The keys are user keys of the region.
		assert.True(t, bytes.HasPrefix(key, []byte("k")))
	}

	// The samples are k00, k03, k06 and k09, the middle one is the split key.
	h.handle(task{tp: taskTypeHalfSplitCheck, data: &splitCheckTask{region: pf.region()}})
	msgs = s.takeMsgs()
	require.Len(t, msgs, 3)
	assert.Equal(t, [][]byte{[]byte("k06")}, msgs[2].Data.(*MsgSplitRegion).SplitKeys)

	// An empty region reports its size only.
	region := newTestRegion(1, "x", "z", 1, 1)
	h.handle(task{tp: taskTypeSplitCheck, data: &splitCheckTask{region: region}})
	msgs = s.takeMsgs()
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(0), msgs[0].Data)
}

func TestComputeHash(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, _ := newLeader(t, s)
	region := pf.region()
	kvWB := new(WriteBatch)
	kvWB.Set(y.KeyWithTs(DataKey([]byte("k1")), KvTS), []byte("v1"))
	require.Nil(t, s.engines.WriteKV(kvWB))

	hash1, err := computeHash(region, s.engines.NewRegionSnapshot(region))
	require.Nil(t, err)
	assert.Len(t, hash1, 8)
	hash2, err := computeHash(region, s.engines.NewRegionSnapshot(region))
	require.Nil(t, err)
	assert.Equal(t, hash1, hash2)

	kvWB = new(WriteBatch)
	kvWB.Set(y.KeyWithTs(DataKey([]byte("k2")), KvTS), []byte("v2"))
	require.Nil(t, s.engines.WriteKV(kvWB))
	hash3, err := computeHash(region, s.engines.NewRegionSnapshot(region))
	require.Nil(t, err)
	assert.NotEqual(t, hash1, hash3)

	h := &computeHashTaskHandler{router: s.router}
	h.handle(task{tp: taskTypeComputeHash, data: &computeHashTask{
		index:  9,
		region: region,
		snap:   s.engines.NewRegionSnapshot(region),
	}})
	msgs := s.takeMsgs()
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgTypeComputeResult, msgs[0].Type)
	res := msgs[0].Data.(*MsgComputeHashResult)
	assert.Equal(t, uint64(9), res.Index)
	assert.Equal(t, hash3, res.Hash)
}
