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

	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/stretchr/testify/require"
)

// mergeFixture holds the source region 2 [a, m) and the target region 1 [m, z),
// both have a single peer on the test store.
type mergeFixture struct {
	s      *testStore
	target *peerFsm
	source *peerFsm
	th     *peerMsgHandler
	sh     *peerMsgHandler

	// The regions after PrepareMerge and CommitMerge are applied.
	preparedSource *metapb.Region
	mergedTarget   *metapb.Region
	state          *rspb.MergeState
}

func newMergeFixture(t *testing.T) *mergeFixture {
	s := newTestStore(t)
	target := s.newPeer(newTestRegion(1, "m", "z", 2, 1, newTestPeer(1, testStoreID)))
	source := s.newPeer(newTestRegion(2, "a", "m", 2, 1, newTestPeer(3, testStoreID)))
	require.True(t, target.peer.IsLeader())
	require.True(t, source.peer.IsLeader())
	f := &mergeFixture{
		s:              s,
		target:         target,
		source:         source,
		th:             s.handler(target),
		sh:             s.handler(source),
		preparedSource: newTestRegion(2, "a", "m", 3, 2, newTestPeer(3, testStoreID)),
		mergedTarget:   newTestRegion(1, "a", "z", 4, 2, newTestPeer(1, testStoreID)),
	}
	f.state = &rspb.MergeState{
		MinIndex: RaftInitLogIndex + 1,
		Commit:   RaftInitLogIndex,
		Target:   target.region(),
	}
	return f
}

func (f *mergeFixture) prepareMerge() {
	f.sh.HandleMsgs(NewPeerMsg(MsgTypeApplyRes, 2, applyResult(f.source, &ExecResultPrepareMerge{
		Region: f.preparedSource,
		State:  f.state,
	})))
}

func (f *mergeFixture) commitMerge() {
	f.th.HandleMsgs(NewPeerMsg(MsgTypeApplyRes, 1, applyResult(f.target, &ExecResultCommitMerge{
		Region: f.mergedTarget,
		Source: f.preparedSource,
	})))
}

func (f *mergeFixture) checkMerged(t *testing.T) {
	meta := f.s.ctx.storeMeta
	require.Len(t, meta.regions, 1)
	require.Equal(t, f.mergedTarget, meta.regions[1])
	require.Equal(t, 1, meta.regionTree.Len())
	require.Equal(t, uint64(1), meta.regionTree.GetRegionByKey([]byte("b")).Id)
	require.Equal(t, uint64(1), meta.regionTree.GetRegionByKey([]byte("n")).Id)
	require.NotContains(t, meta.mergeLocks, uint64(2))
	require.Equal(t, []byte("a"), f.target.region().StartKey)

	results := msgsOfType(f.s.takeMsgs(), MsgTypeMergeResult)
	require.Len(t, results, 1)
	require.Equal(t, uint64(2), results[0].RegionID)
	result := results[0].Data.(*MsgMergeResult)
	require.False(t, result.Stale)
	require.Equal(t, f.target.peer.Meta, result.TargetPeer)

	f.sh.HandleMsgs(results[0])
	require.True(t, f.source.stopped)
	require.Nil(t, f.s.router.get(2))
	require.Len(t, f.s.apply.tasksOf(2, ApplyTaskDestroy), 1)
	require.NotContains(t, meta.readers, uint64(2))
	// The data of the source is owned by the target now.
	require.Equal(t, 1, meta.regionTree.Len())

	state := new(rspb.RegionLocalState)
	require.Nil(t, getMsg(f.s.engines.kv, RegionStateKey(2), state))
	require.Equal(t, rspb.PeerState_Tombstone, state.State)
	require.Equal(t, f.state.Commit, state.MergeState.Commit)
}

func TestMergeSourceFirst(t *testing.T) {
	f := newMergeFixture(t)
	defer f.s.cleanUp()
	meta := f.s.ctx.storeMeta

	f.prepareMerge()
	require.Equal(t, f.state, f.source.peer.PendingMergeState)
	require.Equal(t, f.preparedSource, meta.regions[2])
	lock := meta.mergeLocks[2]
	require.NotNil(t, lock)
	require.Equal(t, uint64(3), lock.version)
	require.Nil(t, lock.readyToMerge)

	// The source asks the target to commit the merge.
	cmds := msgsOfType(f.s.takeMsgs(), MsgTypeRaftCmd)
	require.Len(t, cmds, 1)
	require.Equal(t, uint64(1), cmds[0].RegionID)
	req := cmds[0].Data.(*MsgRaftCmd).Request
	commit := req.AdminRequest.CommitMerge
	require.NotNil(t, commit)
	require.Equal(t, uint64(2), commit.Source.Id)
	require.Equal(t, f.state.Commit, commit.Commit)
	require.Empty(t, commit.Entries)
	require.Equal(t, f.target.peer.Meta, req.Header.Peer)

	f.th.HandleMsgs(cmds[0])
	require.Len(t, f.target.peer.applyProposals, 1)

	f.commitMerge()
	require.Nil(t, f.target.peer.PendingMergeApplyResult)
	f.checkMerged(t)
}

func TestMergeTargetFirst(t *testing.T) {
	f := newMergeFixture(t)
	defer f.s.cleanUp()
	meta := f.s.ctx.storeMeta

	f.commitMerge()
	pending := f.target.peer.PendingMergeApplyResult
	require.NotNil(t, pending)
	lock := meta.mergeLocks[2]
	require.Equal(t, uint64(3), lock.version)
	require.NotNil(t, lock.readyToMerge)
	require.False(t, lock.readyToMerge.Load())
	require.Len(t, meta.regions, 2)

	// The results after the CommitMerge wait with it.
	f.th.HandleMsgs(NewPeerMsg(MsgTypeApplyRes, 1, applyResult(f.target)))
	require.Len(t, pending.results, 2)
	require.False(t, f.th.resumeHandlePendingApplyResult())

	f.prepareMerge()
	require.True(t, lock.readyToMerge.Load())
	require.Nil(t, meta.mergeLocks[2].readyToMerge)
	noops := msgsOfType(f.s.takeMsgs(), MsgTypeNoop)
	require.Len(t, noops, 1)
	require.Equal(t, uint64(1), noops[0].RegionID)

	require.True(t, f.th.resumeHandlePendingApplyResult())
	require.Nil(t, f.target.peer.PendingMergeApplyResult)
	f.checkMerged(t)
}

func TestRollbackMerge(t *testing.T) {
	f := newMergeFixture(t)
	defer f.s.cleanUp()
	meta := f.s.ctx.storeMeta

	f.prepareMerge()
	require.Contains(t, meta.mergeLocks, uint64(2))
	takeTasks(f.s.pdWorker)

	require.Panics(t, func() {
		f.sh.onReadyRollbackMerge(f.state.Commit+1, nil)
	})

	rolledBack := newTestRegion(2, "a", "m", 4, 2, newTestPeer(3, testStoreID))
	f.sh.HandleMsgs(NewPeerMsg(MsgTypeApplyRes, 2, applyResult(f.source, &ExecResultRollbackMerge{
		Region: rolledBack,
		Commit: f.state.Commit,
	})))
	require.Nil(t, f.source.peer.PendingMergeState)
	require.NotContains(t, meta.mergeLocks, uint64(2))
	require.Equal(t, rolledBack, meta.regions[2])
	require.Len(t, tasksOfType(takeTasks(f.s.pdWorker), taskTypePDHeartbeat), 1)

	// The region accepts proposals again.
	cb := NewCallback()
	f.sh.HandleMsgs(NewPeerMsg(MsgTypeRaftCmd, 2, &MsgRaftCmd{
		Request:  newPutRequest(rolledBack, f.source.peer.Meta, "b", "v"),
		Callback: cb,
	}))
	require.False(t, cb.Invoked())
}

func TestProposeInMergingMode(t *testing.T) {
	f := newMergeFixture(t)
	defer f.s.cleanUp()
	f.prepareMerge()

	cb := NewCallback()
	f.sh.HandleMsgs(NewPeerMsg(MsgTypeRaftCmd, 2, &MsgRaftCmd{
		Request:  newPutRequest(f.preparedSource, f.source.peer.Meta, "b", "v"),
		Callback: cb,
	}))
	require.Contains(t, cb.Wait().Header.Error.Message, "merging mode")
}

func newPrepareMergeRequest(source *metapb.Region, peer *metapb.Peer, target *metapb.Region) *raft_cmdpb.RaftCmdRequest {
	req := newAdminRequest(source.Id, peer)
	req.Header.RegionEpoch = source.RegionEpoch
	req.AdminRequest = &raft_cmdpb.AdminRequest{
		CmdType:      raft_cmdpb.AdminCmdType_PrepareMerge,
		PrepareMerge: &raft_cmdpb.PrepareMergeRequest{Target: target},
	}
	return req
}

func TestProposePrepareMerge(t *testing.T) {
	f := newMergeFixture(t)
	defer f.s.cleanUp()
	source := f.source.region()

	cases := []struct {
		target *metapb.Region
		errMsg string
	}{
		{newTestRegion(9, "m", "z", 2, 1, newTestPeer(10, testStoreID)), "doesn't exist"},
		{newTestRegion(1, "m", "z", 1, 1, newTestPeer(1, testStoreID)), "not matched"},
	}
	for _, c := range cases {
		cb := NewCallback()
		f.sh.HandleMsgs(NewPeerMsg(MsgTypeRaftCmd, 2, &MsgRaftCmd{
			Request:  newPrepareMergeRequest(source, f.source.peer.Meta, c.target),
			Callback: cb,
		}))
		require.Contains(t, cb.Wait().Header.Error.Message, c.errMsg)
	}
	require.Empty(t, f.source.peer.applyProposals)

	// The entries after the min matched index are carried to the target.
	minIndex := f.source.peer.GetMinProgress() + 1
	req := newPrepareMergeRequest(source, f.source.peer.Meta, f.target.region())
	cb := NewCallback()
	f.sh.HandleMsgs(NewPeerMsg(MsgTypeRaftCmd, 2, &MsgRaftCmd{Request: req, Callback: cb}))
	require.False(t, cb.Invoked())
	require.Len(t, f.source.peer.applyProposals, 1)
	require.Equal(t, minIndex, req.AdminRequest.PrepareMerge.MinIndex)
}

func TestStaleMergeSource(t *testing.T) {
	f := newMergeFixture(t)
	defer f.s.cleanUp()
	meta := f.s.ctx.storeMeta

	// The target on this store has moved past the merge, the source is stale.
	msg := &rspb.RaftMessage{
		RegionId:    2,
		FromPeer:    newTestPeer(4, 2),
		ToPeer:      f.source.peer.Meta,
		RegionEpoch: f.source.region().RegionEpoch,
		MergeTarget: newTestRegion(1, "a", "z", 1, 1, newTestPeer(1, testStoreID)),
		Message:     &eraftpb.Message{MsgType: eraftpb.MessageType_MsgHeartbeat},
	}
	f.sh.HandleMsgs(NewPeerMsg(MsgTypeRaftMessage, 2, msg))
	require.Equal(t, uint64(1), meta.targetsMap[2])
	require.Contains(t, meta.pendingMergeTargets[1], uint64(2))
	require.True(t, f.source.peer.PendingRemove)
	require.Len(t, f.s.apply.tasksOf(2, ApplyTaskDestroy), 1)

	f.sh.HandleMsgs(NewPeerMsg(MsgTypeApplyRes, 2, &ApplyTaskRes{
		Destroy: &ApplyDestroyResult{RegionID: 2, PeerID: 3},
	}))
	require.True(t, f.source.stopped)
	require.NotContains(t, meta.targetsMap, uint64(2))
	require.NotContains(t, meta.pendingMergeTargets[1], uint64(2))
	require.NotContains(t, meta.regions, uint64(2))
}

func TestMergeTargetMissing(t *testing.T) {
	f := newMergeFixture(t)
	defer f.s.cleanUp()

	// No replica of region 9 exists on this store, ask pd.
	mergeTarget := newTestRegion(9, "m", "z", 3, 2, newTestPeer(10, testStoreID))
	msg := &rspb.RaftMessage{
		RegionId:    2,
		FromPeer:    newTestPeer(4, 2),
		ToPeer:      f.source.peer.Meta,
		RegionEpoch: f.source.region().RegionEpoch,
		MergeTarget: mergeTarget,
		Message:     &eraftpb.Message{MsgType: eraftpb.MessageType_MsgHeartbeat},
	}
	f.sh.HandleMsgs(NewPeerMsg(MsgTypeRaftMessage, 2, msg))
	require.False(t, f.source.peer.PendingRemove)
	tasks := tasksOfType(takeTasks(f.s.pdWorker), taskTypePDValidatePeer)
	require.Len(t, tasks, 1)
	validate := tasks[0].data.(*pdValidatePeerTask)
	require.Equal(t, uint64(9), validate.region.Id)
	require.Equal(t, uint64(10), validate.peer.Id)
	require.Equal(t, uint64(2), *validate.mergeSource)

	// pd shows the target peer is removed, the source gives up the merge.
	f.s.pd.regions[9] = newTestRegion(9, "m", "z", 3, 3, newTestPeer(11, 2))
	newPDTaskHandler(testStoreID, f.s.pd, f.s.router).handle(tasks[0])
	results := msgsOfType(f.s.takeMsgs(), MsgTypeMergeResult)
	require.Len(t, results, 1)
	require.True(t, results[0].Data.(*MsgMergeResult).Stale)

	f.sh.HandleMsgs(results[0])
	require.True(t, f.source.peer.PendingRemove)
	require.Len(t, f.s.apply.tasksOf(2, ApplyTaskDestroy), 1)
}

func TestWakeUpMissingMergeTarget(t *testing.T) {
	f := newMergeFixture(t)
	defer f.s.cleanUp()

	f.commitMerge()
	require.NotNil(t, f.target.peer.PendingMergeApplyResult)
	f.s.router.close(1)
	require.Panics(t, f.prepareMerge)
}

func TestSnapshotDestroysMergeSource(t *testing.T) {
	f := newMergeFixture(t)
	defer f.s.cleanUp()
	meta := f.s.ctx.storeMeta
	snapRegion := newTestRegion(1, "a", "z", 4, 2, newTestPeer(1, testStoreID), newTestPeer(5, 2))
	msg := newSnapshotMessage(t, newTestPeer(5, 2), f.target.peer.Meta, snapRegion)

	// The snapshot is not newer than the target the source waits for.
	meta.pendingMergeTargets[1] = map[uint64]*metapb.RegionEpoch{2: {Version: 4, ConfVer: 1}}
	meta.targetsMap[2] = 1
	f.th.HandleMsgs(NewPeerMsg(MsgTypeRaftMessage, 1, msg))
	require.False(t, f.target.hasReady)
	require.Empty(t, meta.pendingSnapshotRegions)
	require.Empty(t, msgsOfType(f.s.takeMsgs(), MsgTypeMergeResult))

	meta.pendingMergeTargets[1][2] = &metapb.RegionEpoch{Version: 2, ConfVer: 1}
	f.th.HandleMsgs(NewPeerMsg(MsgTypeRaftMessage, 1, msg))
	require.True(t, f.target.hasReady)
	require.Len(t, meta.pendingSnapshotRegions, 1)
	require.Equal(t, uint64(4), meta.pendingCrossSnap[1].Version)
	require.Contains(t, f.th.ctx.queuedSnapshot, uint64(1))

	results := msgsOfType(f.s.takeMsgs(), MsgTypeMergeResult)
	require.Len(t, results, 1)
	require.Equal(t, uint64(2), results[0].RegionID)
	result := results[0].Data.(*MsgMergeResult)
	require.True(t, result.Stale)
	require.Equal(t, f.target.peer.Meta, result.TargetPeer)

	f.sh.HandleMsgs(results[0])
	require.True(t, f.source.peer.PendingRemove)
	require.Len(t, f.s.apply.tasksOf(2, ApplyTaskDestroy), 1)
}
