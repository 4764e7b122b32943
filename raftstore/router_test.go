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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterSendAndClose(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, _ := newLeader(t, s)
	require.NotNil(t, s.router.get(1))

	require.Nil(t, s.router.send(1, NewMsg(MsgTypeTick, PeerTickRaft)))
	msgs := s.takeMsgs()
	require.Len(t, msgs, 1)
	// The mailbox stamps the region of the peer.
	assert.Equal(t, uint64(1), msgs[0].RegionID)
	assert.Equal(t, MsgTypeTick, msgs[0].Type)

	assert.Equal(t, errPeerNotFound, s.router.send(2, NewMsg(MsgTypeTick, PeerTickRaft)))

	s.router.close(1)
	assert.Nil(t, s.router.get(1))
	assert.Equal(t, errPeerNotFound, s.router.send(1, NewMsg(MsgTypeTick, PeerTickRaft)))
	assert.Empty(t, s.takeMsgs())
	// Closing twice is fine.
	s.router.close(1)
	assert.False(t, pf.stopped)
}

func TestRouterRaftMessageFallsBackToStore(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	newLeader(t, s)

	msg := newRaftMessage(1, newTestPeer(2, 2), newTestPeer(1, testStoreID),
		&metapb.RegionEpoch{Version: 1, ConfVer: 1}, eraftpb.MessageType_MsgHeartbeat)
	require.Nil(t, s.router.sendRaftMessage(msg))
	assert.Len(t, msgsOfType(s.takeMsgs(), MsgTypeRaftMessage), 1)
	assert.Empty(t, s.takeStoreMsgs())

	// The store decides whether a peer should be created for an unknown region.
	msg = newRaftMessage(9, newTestPeer(10, 2), newTestPeer(11, testStoreID),
		&metapb.RegionEpoch{Version: 1, ConfVer: 1}, eraftpb.MessageType_MsgRequestVote)
	require.Nil(t, s.router.sendRaftMessage(msg))
	assert.Empty(t, s.takeMsgs())
	storeMsgs := s.takeStoreMsgs()
	require.Len(t, storeMsgs, 1)
	assert.Equal(t, MsgTypeStoreRaftMessage, storeMsgs[0].Type)
	assert.Equal(t, uint64(9), storeMsgs[0].RegionID)
	assert.Equal(t, msg, storeMsgs[0].Data)
}

func TestDropMsg(t *testing.T) {
	cmdCb := NewCallback()
	dropMsg(NewPeerMsg(MsgTypeRaftCmd, 3, &MsgRaftCmd{
		Request:  new(raft_cmdpb.RaftCmdRequest),
		Callback: cmdCb,
	}))
	assert.Equal(t, uint64(3), cmdCb.Wait().GetHeader().GetError().GetRegionNotFound().GetRegionId())

	splitCb := NewCallback()
	dropMsg(NewPeerMsg(MsgTypeSplitRegion, 4, &MsgSplitRegion{
		SplitKeys: [][]byte{[]byte("k")},
		Callback:  splitCb,
	}))
	assert.Equal(t, uint64(4), splitCb.Wait().GetHeader().GetError().GetRegionNotFound().GetRegionId())

	// Messages without callbacks are dropped silently.
	dropMsg(NewPeerMsg(MsgTypeTick, 5, PeerTickRaft))
}

func TestRaftstoreRouter(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, _ := newLeader(t, s)
	r := &RaftstoreRouter{router: s.router}

	req := newPutRequest(pf.region(), pf.peer.Meta, "k", "v")
	cb := NewCallback()
	require.Nil(t, r.SendCommand(req, cb))
	assert.False(t, cb.Invoked())
	cmds := msgsOfType(s.takeMsgs(), MsgTypeRaftCmd)
	require.Len(t, cmds, 1)
	assert.Equal(t, req, cmds[0].Data.(*MsgRaftCmd).Request)

	// The callback of a command to a missing region is invoked at once.
	req = newPutRequest(newTestRegion(7, "", "", 1, 1), newTestPeer(8, testStoreID), "k", "v")
	cb = NewCallback()
	assert.Equal(t, errPeerNotFound, r.SendCommand(req, cb))
	require.True(t, cb.Invoked())
	assert.Equal(t, uint64(7), cb.Wait().GetHeader().GetError().GetRegionNotFound().GetRegionId())

	require.Nil(t, r.ReportUnreachable(1, 2))
	require.Nil(t, r.ReportApplyResult(1, applyResult(pf)))
	msgs := s.takeMsgs()
	require.Len(t, msgs, 2)
	assert.Equal(t, MsgTypeSignificantMsg, msgs[0].Type)
	significant := msgs[0].Data.(*MsgSignificant)
	assert.Equal(t, MsgSignificantTypeUnreachable, significant.Type)
	assert.Equal(t, uint64(2), significant.ToPeerID)
	assert.Equal(t, MsgTypeApplyRes, msgs[1].Type)
	assert.NotNil(t, r.ReportApplyResult(7, applyResult(pf)))

	r.ClearRegionSizeInRange([]byte("a"), []byte("c"))
	storeMsgs := s.takeStoreMsgs()
	require.Len(t, storeMsgs, 1)
	assert.Equal(t, MsgTypeStoreClearRegionSizeInRange, storeMsgs[0].Type)
	data := storeMsgs[0].Data.(*MsgStoreClearRegionSizeInRange)
	assert.Equal(t, []byte("a"), data.StartKey)
	assert.Equal(t, []byte("c"), data.EndKey)
}

func TestRouterCloseAll(t *testing.T) {
	s := newTestStore(t)
	defer s.cleanUp()
	pf, h := newLeader(t, s)

	proposed := NewCallback()
	h.HandleMsgs(NewPeerMsg(MsgTypeRaftCmd, 1, &MsgRaftCmd{
		Request:  newPutRequest(pf.region(), pf.peer.Meta, "b", "v"),
		Callback: proposed,
	}))
	require.Len(t, pf.peer.applyProposals, 1)
	queued := NewCallback()
	require.Nil(t, s.router.send(1, NewPeerMsg(MsgTypeRaftCmd, 1, &MsgRaftCmd{
		Request:  newPutRequest(pf.region(), pf.peer.Meta, "c", "v"),
		Callback: queued,
	})))

	s.router.closeAll()
	assert.Nil(t, s.router.get(1))
	assert.Equal(t, errPeerNotFound, s.router.send(1, NewMsg(MsgTypeTick, PeerTickRaft)))
	assert.Empty(t, s.takeMsgs())
	assert.Empty(t, pf.peer.applyProposals)
	for _, cb := range []*Callback{proposed, queued} {
		require.True(t, cb.Invoked())
		assert.Equal(t, uint64(1), cb.Wait().GetHeader().GetError().GetRegionNotFound().GetRegionId())
	}
}
