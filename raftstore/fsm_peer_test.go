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
	"os"
	"testing"

	"github.com/ngaut/raftpeer/metrics"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPutRequest(region *metapb.Region, peer *metapb.Peer, key, value string) *raft_cmdpb.RaftCmdRequest {
	return &raft_cmdpb.RaftCmdRequest{
		Header: &raft_cmdpb.RaftRequestHeader{
			RegionId:    region.Id,
			Peer:        peer,
			RegionEpoch: region.RegionEpoch,
		},
		Requests: []*raft_cmdpb.Request{{
			CmdType: raft_cmdpb.CmdType_Put,
			Put:     &raft_cmdpb.PutRequest{Key: []byte(key), Value: []byte(value)},
		}},
	}
}

func newRaftMessage(regionID uint64, from, to *metapb.Peer, epoch *metapb.RegionEpoch, tp eraftpb.MessageType) *rspb.RaftMessage {
	return &rspb.RaftMessage{
		RegionId:    regionID,
		FromPeer:    from,
		ToPeer:      to,
		RegionEpoch: epoch,
		Message: &eraftpb.Message{
			MsgType: tp,
			From:    from.Id,
			To:      to.Id,
			Term:    RaftInitLogTerm + 2,
		},
	}
}

// newLeader creates region 1 [a, z) with a single peer, the peer is the leader.
func newLeader(t *testing.T, s *testStore) (*peerFsm, *peerMsgHandler) {
	region := newTestRegion(1, "a", "z", 1, 1, newTestPeer(1, testStoreID))
	pf := s.newPeer(region)
	require.True(t, pf.peer.IsLeader())
	return pf, s.handler(pf)
}

// newFollower creates region 1 [a, z) whose local peer 2 has a peer 3 on store 2.
func newFollower(t *testing.T, s *testStore) (*peerFsm, *peerMsgHandler) {
	region := newTestRegion(1, "a", "z", 2, 2, newTestPeer(2, testStoreID), newTestPeer(3, 2))
	pf := s.newPeer(region)
	require.False(t, pf.peer.IsLeader())
	return pf, s.handler(pf)
}

func TestSplitRegion(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newLeader(t, s)
	region := pf.region()

	cb := NewCallback()
	h.HandleMsgs(NewPeerMsg(MsgTypeSplitRegion, 1, &MsgSplitRegion{
		RegionEpoch: region.RegionEpoch,
		SplitKeys:   [][]byte{[]byte("m")},
		Callback:    cb,
	}))
	require.False(t, cb.Invoked())
	askTasks := tasksOfType(takeTasks(s.pdWorker), taskTypePDAskBatchSplit)
	require.Len(t, askTasks, 1)

	newPDTaskHandler(testStoreID, s.pd, s.router).handle(askTasks[0])
	cmds := msgsOfType(s.takeMsgs(), MsgTypeRaftCmd)
	require.Len(t, cmds, 1)
	req := cmds[0].Data.(*MsgRaftCmd).Request
	require.Equal(t, raft_cmdpb.AdminCmdType_BatchSplit, req.AdminRequest.CmdType)
	require.True(t, req.AdminRequest.Splits.RightDerive)
	split := req.AdminRequest.Splits.Requests[0]
	require.Equal(t, []byte("m"), split.SplitKey)
	require.Len(t, split.NewPeerIds, 1)

	h.HandleMsgs(cmds[0])
	require.Len(t, pf.peer.applyProposals, 1)
	require.False(t, cb.Invoked())

	newID := split.NewRegionId
	left := newTestRegion(newID, "a", "m", 2, 1, newTestPeer(split.NewPeerIds[0], testStoreID))
	right := newTestRegion(1, "m", "z", 2, 1, newTestPeer(1, testStoreID))
	h.HandleMsgs(NewPeerMsg(MsgTypeApplyRes, 1, applyResult(pf, &ExecResultSplitRegion{
		Regions: []*metapb.Region{left, right},
		Derived: right,
	})))

	meta := s.ctx.storeMeta
	require.Len(t, meta.regions, 2)
	require.Equal(t, 2, meta.regionTree.Len())
	require.Equal(t, newID, meta.regionTree.GetRegionByKey([]byte("b")).Id)
	require.Equal(t, uint64(1), meta.regionTree.GetRegionByKey([]byte("n")).Id)
	require.Equal(t, uint64(2), pf.region().RegionEpoch.Version)

	require.NotNil(t, s.router.get(newID))
	starts := msgsOfType(s.takeMsgs(), MsgTypeStart)
	require.Len(t, starts, 1)
	require.Equal(t, newID, starts[0].RegionID)
	require.Len(t, s.apply.tasksOf(newID, ApplyTaskRegistration), 1)
	require.Len(t, tasksOfType(takeTasks(s.pdWorker), taskTypePDReportBatchSplit), 1)
}

func TestPrepareSplitRegionRejected(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	_, h := newLeader(t, s)

	cb := NewCallback()
	h.HandleMsgs(NewPeerMsg(MsgTypeSplitRegion, 1, &MsgSplitRegion{
		RegionEpoch: &metapb.RegionEpoch{Version: 5, ConfVer: 1},
		SplitKeys:   [][]byte{[]byte("m")},
		Callback:    cb,
	}))
	require.NotNil(t, cb.Wait().Header.Error.EpochNotMatch)

	cb = NewCallback()
	h.HandleMsgs(NewPeerMsg(MsgTypeSplitRegion, 1, &MsgSplitRegion{
		RegionEpoch: &metapb.RegionEpoch{Version: 1, ConfVer: 1},
		SplitKeys:   [][]byte{{}},
		Callback:    cb,
	}))
	require.NotNil(t, cb.Wait().Header.Error)
	require.Empty(t, takeTasks(s.pdWorker))
}

func TestDropMessageToSmallerPeerID(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newFollower(t, s)
	term := pf.peer.Term()
	dropped := testutil.ToFloat64(metrics.RaftDroppedStaleMsg)

	msg := newRaftMessage(1, newTestPeer(3, 2), newTestPeer(1, testStoreID), pf.region().RegionEpoch,
		eraftpb.MessageType_MsgHeartbeat)
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftMessage, 1, msg))

	assert.Equal(t, dropped+1, testutil.ToFloat64(metrics.RaftDroppedStaleMsg))
	assert.Equal(t, term, pf.peer.Term())
	assert.False(t, pf.hasReady)
	assert.False(t, pf.peer.PendingRemove)
	assert.Empty(t, pf.peer.peerCache)
	assert.Empty(t, s.trans.sent())
}

func TestLargerPeerIDDestroysPeer(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newFollower(t, s)

	msg := newRaftMessage(1, newTestPeer(3, 2), newTestPeer(4, testStoreID), pf.region().RegionEpoch,
		eraftpb.MessageType_MsgHeartbeat)
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftMessage, 1, msg))

	require.True(t, pf.peer.PendingRemove)
	require.Len(t, s.apply.tasksOf(1, ApplyTaskDestroy), 1)
	// The destroy is asynchronous, the message is not forwarded to the store.
	require.Empty(t, s.takeStoreMsgs())
	require.False(t, pf.stopped)

	// Messages are ignored while the peer is pending remove.
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftMessage, 1, msg))
	require.Len(t, s.apply.tasksOf(1, ApplyTaskDestroy), 1)

	h.HandleMsgs(NewPeerMsg(MsgTypeApplyRes, 1, &ApplyTaskRes{
		Destroy: &ApplyDestroyResult{RegionID: 1, PeerID: 2},
	}))
	require.True(t, pf.stopped)
	require.Nil(t, s.router.get(1))
	require.Len(t, s.apply.tasksOf(1, ApplyTaskDestroy), 1)
	require.NotContains(t, s.ctx.storeMeta.regions, uint64(1))
	require.Equal(t, 0, s.ctx.storeMeta.regionTree.Len())
}

func TestStaleMessage(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newFollower(t, s)
	staleEpoch := &metapb.RegionEpoch{Version: 1, ConfVer: 1}
	removed := newTestPeer(5, 3)

	// A stale vote from a removed peer is answered with a gc message.
	vote := newRaftMessage(1, removed, pf.peer.Meta, staleEpoch, eraftpb.MessageType_MsgRequestVote)
	for i := 0; i < 2; i++ {
		h.HandleMsgs(NewPeerMsg(MsgTypeRaftMessage, 1, vote))
		sent := s.trans.sent()
		require.Len(t, sent, 1)
		gc := sent[0]
		require.True(t, gc.IsTombstone)
		require.Nil(t, gc.MergeTarget)
		require.Equal(t, removed, gc.ToPeer)
		require.Equal(t, pf.peer.Meta, gc.FromPeer)
		require.Equal(t, pf.region().RegionEpoch, gc.RegionEpoch)
	}

	// Other stale messages are dropped silently.
	dropped := testutil.ToFloat64(metrics.RaftDroppedStaleMsg)
	app := newRaftMessage(1, removed, pf.peer.Meta, staleEpoch, eraftpb.MessageType_MsgAppend)
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftMessage, 1, app))
	require.Empty(t, s.trans.sent())
	require.Equal(t, dropped+1, testutil.ToFloat64(metrics.RaftDroppedStaleMsg))
	require.False(t, pf.peer.PendingRemove)
	require.False(t, pf.hasReady)
}

func TestGCPeerMessage(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newFollower(t, s)
	newerEpoch := &metapb.RegionEpoch{Version: 2, ConfVer: 3}

	// The epoch is not newer, ignore it.
	gc := &rspb.RaftMessage{
		RegionId:    1,
		FromPeer:    newTestPeer(3, 2),
		ToPeer:      pf.peer.Meta,
		RegionEpoch: pf.region().RegionEpoch,
		IsTombstone: true,
	}
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftMessage, 1, gc))
	require.False(t, pf.peer.PendingRemove)

	// Addressed to another peer on this store.
	gc.RegionEpoch = newerEpoch
	gc.ToPeer = newTestPeer(7, testStoreID)
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftMessage, 1, gc))
	require.False(t, pf.peer.PendingRemove)

	gc.ToPeer = pf.peer.Meta
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftMessage, 1, gc))
	require.True(t, pf.peer.PendingRemove)
	require.Len(t, s.apply.tasksOf(1, ApplyTaskDestroy), 1)
}

func TestMismatchStoreMessage(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newFollower(t, s)
	dropped := testutil.ToFloat64(metrics.RaftDroppedMismatchStoreID)

	msg := newRaftMessage(1, newTestPeer(3, 2), newTestPeer(2, 9), pf.region().RegionEpoch,
		eraftpb.MessageType_MsgHeartbeat)
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftMessage, 1, msg))
	require.Equal(t, dropped+1, testutil.ToFloat64(metrics.RaftDroppedMismatchStoreID))
	require.False(t, pf.hasReady)
}

func TestProposeRejected(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newLeader(t, s)
	region := pf.region()

	cases := []struct {
		name  string
		req   *raft_cmdpb.RaftCmdRequest
		check func(resp *raft_cmdpb.RaftCmdResponse)
	}{
		{
			name: "store not match",
			req:  newPutRequest(region, newTestPeer(1, 9), "b", "v"),
			check: func(resp *raft_cmdpb.RaftCmdResponse) {
				require.NotNil(t, resp.Header.Error.StoreNotMatch)
			},
		},
		{
			name: "peer not match",
			req:  newPutRequest(region, newTestPeer(8, testStoreID), "b", "v"),
			check: func(resp *raft_cmdpb.RaftCmdResponse) {
				require.NotEmpty(t, resp.Header.Error.Message)
			},
		},
		{
			name: "epoch not match",
			req:  newPutRequest(newTestRegion(1, "a", "z", 3, 1), pf.peer.Meta, "b", "v"),
			check: func(resp *raft_cmdpb.RaftCmdResponse) {
				epochErr := resp.Header.Error.EpochNotMatch
				require.NotNil(t, epochErr)
				require.Equal(t, region.Id, epochErr.CurrentRegions[0].Id)
			},
		},
	}
	for _, c := range cases {
		cb := NewCallback()
		h.HandleMsgs(NewPeerMsg(MsgTypeRaftCmd, 1, &MsgRaftCmd{Request: c.req, Callback: cb}))
		require.True(t, cb.Invoked(), c.name)
		c.check(cb.Wait())
	}
	require.Empty(t, pf.peer.applyProposals)

	// The term of the leader is two terms ahead of the request.
	req := newPutRequest(region, pf.peer.Meta, "b", "v")
	req.Header.Term = pf.peer.Term() - 2
	cb := NewCallback()
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftCmd, 1, &MsgRaftCmd{Request: req, Callback: cb}))
	require.NotNil(t, cb.Wait().Header.Error.StaleCommand)
}

func TestProposeNotLeader(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newFollower(t, s)

	cb := NewCallback()
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftCmd, 1, &MsgRaftCmd{
		Request:  newPutRequest(pf.region(), pf.peer.Meta, "b", "v"),
		Callback: cb,
	}))
	notLeader := cb.Wait().Header.Error.NotLeader
	require.NotNil(t, notLeader)
	require.Equal(t, uint64(1), notLeader.RegionId)
	require.Empty(t, pf.peer.applyProposals)
}

func TestProposePendingRemove(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newLeader(t, s)
	pf.peer.PendingRemove = true

	cb := NewCallback()
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftCmd, 1, &MsgRaftCmd{
		Request:  newPutRequest(pf.region(), pf.peer.Meta, "b", "v"),
		Callback: cb,
	}))
	require.NotNil(t, cb.Wait().Header.Error.RegionNotFound)
	require.Empty(t, pf.peer.applyProposals)
}

func TestProposeAccepted(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newLeader(t, s)

	cb := NewCallback()
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftCmd, 1, &MsgRaftCmd{
		Request:  newPutRequest(pf.region(), pf.peer.Meta, "b", "v"),
		Callback: cb,
	}))
	require.False(t, cb.Invoked())
	require.True(t, pf.hasReady)
	require.Len(t, pf.peer.applyProposals, 1)
	prop := pf.peer.applyProposals[0]
	require.Equal(t, pf.peer.Term(), prop.Term)
	require.Equal(t, cb, prop.Cb)

	// The proposal is failed exactly once when the peer is destroyed before
	// it reaches the apply pipeline.
	h.destroyPeer(false)
	require.NotNil(t, cb.Wait().Header.Error.RegionNotFound)
	require.Empty(t, pf.peer.applyProposals)
	h.destroyPeer(false)
}

func TestStoppedPeerDropsMessages(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newLeader(t, s)
	h.stop()

	cb := NewCallback()
	splitCb := NewCallback()
	h.HandleMsgs(
		NewPeerMsg(MsgTypeRaftCmd, 1, &MsgRaftCmd{
			Request:  newPutRequest(pf.region(), pf.peer.Meta, "b", "v"),
			Callback: cb,
		}),
		NewPeerMsg(MsgTypeSplitRegion, 1, &MsgSplitRegion{
			RegionEpoch: pf.region().RegionEpoch,
			SplitKeys:   [][]byte{[]byte("m")},
			Callback:    splitCb,
		}),
	)
	require.Equal(t, uint64(1), cb.Wait().Header.Error.RegionNotFound.RegionId)
	require.NotNil(t, splitCb.Wait().Header.Error.RegionNotFound)
	require.Empty(t, pf.peer.applyProposals)
}

func TestStatusCommand(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newLeader(t, s)

	req := newAdminRequest(1, pf.peer.Meta)
	req.AdminRequest = nil
	req.StatusRequest = &raft_cmdpb.StatusRequest{CmdType: raft_cmdpb.StatusCmdType_RegionLeader}
	cb := NewCallback()
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftCmd, 1, &MsgRaftCmd{Request: req, Callback: cb}))
	resp := cb.Wait()
	require.Nil(t, resp.Header.Error)
	require.Equal(t, pf.peer.Meta.Id, resp.StatusResponse.RegionLeader.Leader.Id)
	require.Equal(t, pf.peer.Term(), resp.Header.CurrentTerm)

	req.StatusRequest = &raft_cmdpb.StatusRequest{CmdType: raft_cmdpb.StatusCmdType_RegionDetail}
	cb = NewCallback()
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftCmd, 1, &MsgRaftCmd{Request: req, Callback: cb}))
	detail := cb.Wait().StatusResponse.RegionDetail
	require.Equal(t, pf.region().Id, detail.Region.Id)
	require.Equal(t, pf.peer.Meta.Id, detail.Leader.Id)
	require.Empty(t, pf.peer.applyProposals)
}

func TestRegionSizeMessages(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newLeader(t, s)

	h.HandleMsgs(
		NewPeerMsg(MsgTypeRegionApproximateSize, 1, uint64(100)),
		NewPeerMsg(MsgTypeRegionApproximateKeys, 1, uint64(10)),
		NewPeerMsg(MsgTypeCompactionDeclineBytes, 1, uint64(7)),
		NewPeerMsg(MsgTypeCompactionDeclineBytes, 1, uint64(3)),
	)
	require.Equal(t, uint64(100), *pf.peer.ApproximateSize)
	require.Equal(t, uint64(10), *pf.peer.ApproximateKeys)
	require.Equal(t, uint64(10), pf.peer.CompactionDeclinedBytes)

	h.HandleMsgs(NewPeerMsg(MsgTypeClearRegionSize, 1, nil))
	require.Nil(t, pf.peer.ApproximateSize)
	require.Nil(t, pf.peer.ApproximateKeys)
}

func TestCompactLogResult(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newLeader(t, s)

	h.HandleMsgs(NewPeerMsg(MsgTypeApplyRes, 1, applyResult(pf, &ExecResultCompactLog{
		TruncatedState: &rspb.RaftTruncatedState{Index: RaftInitLogIndex, Term: RaftInitLogTerm},
		FirstIndex:     RaftInitLogIndex + 1,
	})))
	tasks := tasksOfType(takeTasks(s.raftLogGCWorker), taskTypeRaftLogGC)
	require.Len(t, tasks, 1)
	gc := tasks[0].data.(*raftLogGCTask)
	require.Equal(t, uint64(1), gc.regionID)
	require.Equal(t, uint64(0), gc.startIdx)
	require.Equal(t, uint64(RaftInitLogIndex+1), gc.endIdx)
	require.Equal(t, uint64(RaftInitLogIndex+1), pf.peer.LastCompactedIdx)

	// The log of a merged region is compacted by the target.
	res := applyResult(pf, &ExecResultCompactLog{
		TruncatedState: &rspb.RaftTruncatedState{Index: RaftInitLogIndex, Term: RaftInitLogTerm},
		FirstIndex:     RaftInitLogIndex + 1,
	})
	res.Apply.Merged = true
	h.HandleMsgs(NewPeerMsg(MsgTypeApplyRes, 1, res))
	require.Empty(t, takeTasks(s.raftLogGCWorker))
}

func TestConsistencyCheck(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newLeader(t, s)

	h.HandleMsgs(NewPeerMsg(MsgTypeApplyRes, 1, applyResult(pf, &ExecResultComputeHash{
		Region: pf.region(),
		Index:  6,
		Snap:   s.engines.NewRegionSnapshot(pf.region()),
	})))
	require.Len(t, tasksOfType(takeTasks(s.computeHashWorker), taskTypeComputeHash), 1)

	hash := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	h.HandleMsgs(NewPeerMsg(MsgTypeComputeResult, 1, &MsgComputeHashResult{Index: 6, Hash: hash}))
	require.Equal(t, uint64(6), pf.peer.ConsistencyState.Index)
	require.Equal(t, hash, pf.peer.ConsistencyState.Hash)
	// The leader proposes VerifyHash with its hash.
	require.Len(t, pf.peer.applyProposals, 1)

	// A stale result is skipped.
	h.HandleMsgs(NewPeerMsg(MsgTypeComputeResult, 1, &MsgComputeHashResult{Index: 5, Hash: []byte{9}}))
	require.Equal(t, hash, pf.peer.ConsistencyState.Hash)

	h.HandleMsgs(NewPeerMsg(MsgTypeApplyRes, 1, applyResult(pf, &ExecResultVerifyHash{Index: 6, Hash: hash})))
	require.Nil(t, pf.peer.ConsistencyState.Hash)

	pf.peer.ConsistencyState.Hash = hash
	require.Panics(t, func() {
		h.onReadyVerifyHash(6, []byte{8, 7, 6, 5, 4, 3, 2, 1})
	})
}

func TestIsRangeOverlapped(t *testing.T) {
	cases := []struct {
		l, r       *metapb.Region
		overlapped bool
	}{
		{newTestRegion(1, "a", "c", 1, 1), newTestRegion(2, "b", "d", 1, 1), true},
		{newTestRegion(1, "a", "c", 1, 1), newTestRegion(2, "c", "d", 1, 1), false},
		{newTestRegion(1, "c", "", 1, 1), newTestRegion(2, "a", "d", 1, 1), true},
		{newTestRegion(1, "", "", 1, 1), newTestRegion(2, "x", "y", 1, 1), true},
		{newTestRegion(1, "x", "", 1, 1), newTestRegion(2, "a", "x", 1, 1), false},
	}
	for _, c := range cases {
		assert.Equal(t, c.overlapped, isRangeOverlapped(c.l, c.r), "%s %s", c.l, c.r)
		assert.Equal(t, c.overlapped, isRangeOverlapped(c.r, c.l), "%s %s", c.r, c.l)
	}
}

func TestEpochNotMatchCarriesSibling(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	left := s.newPeer(newTestRegion(3, "", "a", 1, 1, newTestPeer(4, testStoreID)))
	pf := s.newPeer(newTestRegion(1, "a", "m", 1, 1, newTestPeer(1, testStoreID)))
	right := s.newPeer(newTestRegion(2, "m", "z", 1, 1, newTestPeer(3, testStoreID)))
	h := s.handler(pf)
	staleReq := newPutRequest(newTestRegion(1, "a", "m", 3, 1), pf.peer.Meta, "b", "v")

	cases := []struct {
		rightDerive bool
		sibling     *metapb.Region
	}{
		{rightDerive: true, sibling: left.region()},
		{rightDerive: false, sibling: right.region()},
	}
	for _, c := range cases {
		s.cfg.RightDeriveWhenSplit = c.rightDerive
		cb := NewCallback()
		h.HandleMsgs(NewPeerMsg(MsgTypeRaftCmd, 1, &MsgRaftCmd{Request: staleReq, Callback: cb}))
		epochErr := cb.Wait().Header.Error.EpochNotMatch
		require.NotNil(t, epochErr)
		require.Len(t, epochErr.CurrentRegions, 2)
		require.Equal(t, pf.region(), epochErr.CurrentRegions[0])
		require.Equal(t, c.sibling, epochErr.CurrentRegions[1])
	}
	require.Empty(t, pf.peer.applyProposals)
}

func TestChangePeerResult(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newLeader(t, s)
	takeTasks(s.pdWorker)
	added := newTestPeer(5, 3)

	region := newTestRegion(1, "a", "z", 1, 2, pf.peer.Meta, added)
	h.HandleMsgs(NewPeerMsg(MsgTypeApplyRes, 1, applyResult(pf, &ExecResultChangePeer{
		ConfChange: &eraftpb.ConfChange{ChangeType: eraftpb.ConfChangeType_AddNode, NodeId: 5},
		Peer:       added,
		Region:     region,
	})))
	require.Equal(t, region, s.ctx.storeMeta.regions[1])
	require.Equal(t, region, pf.region())
	require.Contains(t, pf.peer.PeerHeartbeats, uint64(5))
	require.Contains(t, pf.peer.PeersStartPendingTime, uint64(5))
	require.Equal(t, added, pf.peer.peerCache[5])
	require.True(t, pf.peer.IsLeader())
	require.Len(t, tasksOfType(takeTasks(s.pdWorker), taskTypePDHeartbeat), 1)

	region = newTestRegion(1, "a", "z", 1, 3, pf.peer.Meta)
	h.HandleMsgs(NewPeerMsg(MsgTypeApplyRes, 1, applyResult(pf, &ExecResultChangePeer{
		ConfChange: &eraftpb.ConfChange{ChangeType: eraftpb.ConfChangeType_RemoveNode, NodeId: 5},
		Peer:       added,
		Region:     region,
	})))
	require.Equal(t, region, s.ctx.storeMeta.regions[1])
	require.NotContains(t, pf.peer.PeerHeartbeats, uint64(5))
	require.NotContains(t, pf.peer.PeersStartPendingTime, uint64(5))
	require.NotContains(t, pf.peer.peerCache, uint64(5))
	require.Len(t, tasksOfType(takeTasks(s.pdWorker), taskTypePDHeartbeat), 1)
	require.False(t, pf.stopped)

	// An aborted conf change leaves the region untouched.
	h.HandleMsgs(NewPeerMsg(MsgTypeApplyRes, 1, applyResult(pf, &ExecResultChangePeer{Region: region})))
	require.Equal(t, region, pf.region())

	// No other peer of the region can live on this store.
	unknown := newTestPeer(7, testStoreID)
	require.Panics(t, func() {
		h.HandleMsgs(NewPeerMsg(MsgTypeApplyRes, 1, applyResult(pf, &ExecResultChangePeer{
			ConfChange: &eraftpb.ConfChange{ChangeType: eraftpb.ConfChangeType_RemoveNode, NodeId: 7},
			Peer:       unknown,
			Region:     region,
		})))
	})
}

func TestChangePeerRemovesSelf(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newFollower(t, s)

	h.HandleMsgs(NewPeerMsg(MsgTypeApplyRes, 1, applyResult(pf, &ExecResultChangePeer{
		ConfChange: &eraftpb.ConfChange{ChangeType: eraftpb.ConfChangeType_RemoveNode, NodeId: 2},
		Peer:       pf.peer.Meta,
		Region:     newTestRegion(1, "a", "z", 2, 3, newTestPeer(3, 2)),
	})))
	require.True(t, pf.stopped)
	require.Nil(t, s.router.get(1))
	require.Len(t, s.apply.tasksOf(1, ApplyTaskDestroy), 1)
	require.Len(t, tasksOfType(takeTasks(s.pdWorker), taskTypePDDestroyPeer), 1)
	meta := s.ctx.storeMeta
	require.NotContains(t, meta.regions, uint64(1))
	require.NotContains(t, meta.readers, uint64(1))
	require.Equal(t, 0, meta.regionTree.Len())
}

func newSnapshotMessage(t *testing.T, from, to *metapb.Peer, region *metapb.Region) *rspb.RaftMessage {
	data, err := (&rspb.RaftSnapshotData{Region: region}).Marshal()
	require.Nil(t, err)
	voters := make([]uint64, 0, len(region.Peers))
	for _, peer := range region.Peers {
		voters = append(voters, peer.Id)
	}
	msg := newRaftMessage(region.Id, from, to, region.RegionEpoch, eraftpb.MessageType_MsgSnapshot)
	msg.Message.Snapshot = &eraftpb.Snapshot{
		Data: data,
		Metadata: &eraftpb.SnapshotMetadata{
			ConfState: &eraftpb.ConfState{Voters: voters},
			Index:     100,
			Term:      RaftInitLogTerm + 1,
		},
	}
	return msg
}

func TestSnapshotSaveFailure(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newFollower(t, s)
	snapRegion := newTestRegion(1, "a", "z", 2, 3, newTestPeer(2, testStoreID), newTestPeer(3, 2))
	msg := newSnapshotMessage(t, newTestPeer(3, 2), pf.peer.Meta, snapRegion)
	key := SnapKeyFromRegionSnap(1, msg.Message.Snapshot)
	meta := s.ctx.storeMeta

	require.Nil(t, os.RemoveAll(s.snapDir))
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftMessage, 1, msg))
	require.False(t, pf.hasReady)
	require.Empty(t, meta.pendingSnapshotRegions)
	require.Empty(t, h.ctx.queuedSnapshot)
	require.False(t, s.ctx.snapMgr.Exists(key, false))

	// The leader sends the snapshot again.
	require.Nil(t, os.MkdirAll(s.snapDir, 0755))
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftMessage, 1, msg))
	require.True(t, pf.hasReady)
	require.Len(t, meta.pendingSnapshotRegions, 1)
	pending := meta.pendingSnapshotRegions[0]
	require.True(t, RegionEqual(snapRegion, pending))
	require.True(t, isSameRange(snapRegion, pending))
	require.Contains(t, h.ctx.queuedSnapshot, uint64(1))
	require.True(t, s.ctx.snapMgr.Exists(key, false))
}

func TestSnapshotOverlapsExistingRegion(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf := s.newPeer(newTestRegion(1, "a", "m", 2, 2, newTestPeer(2, testStoreID), newTestPeer(3, 2)))
	s.newPeer(newTestRegion(9, "m", "z", 1, 1, newTestPeer(10, testStoreID)))
	h := s.handler(pf)
	dropped := testutil.ToFloat64(metrics.RaftDroppedRegionOverlap)

	snapRegion := newTestRegion(1, "a", "z", 3, 2, newTestPeer(2, testStoreID), newTestPeer(3, 2))
	msg := newSnapshotMessage(t, newTestPeer(3, 2), pf.peer.Meta, snapRegion)
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftMessage, 1, msg))

	require.Equal(t, dropped+1, testutil.ToFloat64(metrics.RaftDroppedRegionOverlap))
	require.False(t, pf.hasReady)
	meta := s.ctx.storeMeta
	require.Empty(t, meta.pendingSnapshotRegions)
	require.NotContains(t, meta.pendingCrossSnap, uint64(1))
	require.Empty(t, h.ctx.queuedSnapshot)
	require.False(t, s.ctx.snapMgr.Exists(SnapKeyFromRegionSnap(1, msg.Message.Snapshot), false))
	require.Empty(t, msgsOfType(s.takeMsgs(), MsgTypeMergeResult))
}
