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
	"sync/atomic"
	"testing"

	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/stretchr/testify/require"
)

func TestDestroyWhileApplyingSnapshot(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newFollower(t, s)
	ps := pf.peer.Store().(*badgerPeerStorage)
	ps.ScheduleApplyingSnapshot(&rspb.RaftSnapshotData{Region: pf.region()})
	require.Len(t, tasksOfType(takeTasks(s.regionWorker), taskTypeRegionApply), 1)
	atomic.StoreUint32(ps.snapState.Status, JobStatus_Running)

	msg := newRaftMessage(1, newTestPeer(3, 2), newTestPeer(4, testStoreID), pf.region().RegionEpoch,
		eraftpb.MessageType_MsgHeartbeat)
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftMessage, 1, msg))

	// The running apply can't be cancelled, the destroy is postponed.
	require.False(t, pf.peer.PendingRemove)
	require.False(t, pf.stopped)
	require.Empty(t, s.apply.tasksOf(1, ApplyTaskDestroy))
	require.Equal(t, JobStatus_Cancelling, atomic.LoadUint32(ps.snapState.Status))
	require.Panics(t, func() { h.destroyPeer(false) })

	// Once the region worker reports the cancellation the peer can be destroyed.
	atomic.StoreUint32(ps.snapState.Status, JobStatus_Cancelled)
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftMessage, 1, msg))
	require.True(t, pf.stopped)
	require.Nil(t, s.router.get(1))
	// No apply task exists for a peer applying snapshot, so the destroy is synchronous.
	storeMsgs := s.takeStoreMsgs()
	require.Len(t, storeMsgs, 1)
	require.Equal(t, MsgTypeStoreRaftMessage, storeMsgs[0].Type)
	require.Equal(t, msg, storeMsgs[0].Data)
	require.Len(t, tasksOfType(takeTasks(s.regionWorker), taskTypeRegionDestroy), 1)
	require.NotContains(t, s.ctx.storeMeta.regions, uint64(1))
}

func TestDestroyPeerTwice(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newLeader(t, s)

	h.destroyPeer(false)
	require.True(t, pf.stopped)
	require.Len(t, s.apply.tasksOf(1, ApplyTaskDestroy), 1)
	require.Len(t, tasksOfType(takeTasks(s.pdWorker), taskTypePDDestroyPeer), 1)
	require.Len(t, tasksOfType(takeTasks(s.regionWorker), taskTypeRegionDestroy), 1)

	localState := new(rspb.RegionLocalState)
	require.Nil(t, getMsg(s.engines.kv, RegionStateKey(1), localState))
	require.Equal(t, rspb.PeerState_Tombstone, localState.State)
	require.Nil(t, localState.MergeState)

	h.destroyPeer(false)
	require.Len(t, s.apply.tasksOf(1, ApplyTaskDestroy), 1)
	require.Empty(t, takeTasks(s.pdWorker))
	require.Empty(t, takeTasks(s.regionWorker))
}

func TestDestroyAfterApplyDestroyed(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newFollower(t, s)

	// The apply pipeline has already dropped the region, no other ApplyDestroy is needed.
	h.HandleMsgs(NewPeerMsg(MsgTypeApplyRes, 1, &ApplyTaskRes{
		Destroy: &ApplyDestroyResult{RegionID: 1, PeerID: pf.peerID()},
	}))
	require.True(t, pf.stopped)
	require.Empty(t, s.apply.tasksOf(1, ApplyTaskDestroy))
	require.Equal(t, 0, s.ctx.storeMeta.regionTree.Len())

	// A destroy result for another peer is a bug.
	pf2, h2 := func() (*peerFsm, *peerMsgHandler) {
		peer := s.newPeer(newTestRegion(2, "a", "z", 1, 1, newTestPeer(5, testStoreID), newTestPeer(6, 2)))
		return peer, s.handler(peer)
	}()
	require.Panics(t, func() {
		h2.HandleMsgs(NewPeerMsg(MsgTypeApplyRes, 2, &ApplyTaskRes{
			Destroy: &ApplyDestroyResult{RegionID: 2, PeerID: 6},
		}))
	})
	require.False(t, pf2.stopped)
}

func TestDestroyUninitializedPeer(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, err := replicatePeerFsm(testStoreID, s.cfg, s.ctx.regionTaskSender, s.engines, 5, newTestPeer(6, testStoreID))
	require.Nil(t, err)
	require.False(t, pf.peer.isInitialized())
	meta := s.ctx.storeMeta
	meta.Lock()
	meta.regions[5] = pf.region()
	meta.readers[5] = newReadDelegate(pf.peer)
	meta.Unlock()
	pf.peer.Activate(s.ctx.applySched)
	s.router.register(pf)
	h := s.handler(pf)

	msg := newRaftMessage(5, newTestPeer(8, 2), newTestPeer(7, testStoreID),
		&metapb.RegionEpoch{Version: 1, ConfVer: 1}, eraftpb.MessageType_MsgHeartbeat)
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftMessage, 5, msg))

	require.True(t, pf.stopped)
	require.Nil(t, s.router.get(5))
	require.NotContains(t, meta.regions, uint64(5))
	require.NotContains(t, meta.readers, uint64(5))
	// The message is handed back to the store to create the new peer.
	storeMsgs := s.takeStoreMsgs()
	require.Len(t, storeMsgs, 1)
	require.Equal(t, msg, storeMsgs[0].Data)
	// There is no data to clear.
	require.Empty(t, tasksOfType(takeTasks(s.regionWorker), taskTypeRegionDestroy))

	localState := new(rspb.RegionLocalState)
	require.Nil(t, getMsg(s.engines.kv, RegionStateKey(5), localState))
	require.Equal(t, rspb.PeerState_Tombstone, localState.State)
}
