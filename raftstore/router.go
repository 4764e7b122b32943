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
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"go.etcd.io/etcd/raft"
)

// peerState binds a peer fsm to the worker that runs it, so the messages of a
// peer are always handled on the same goroutine.
type peerState struct {
	closed uint32
	peer   *peerFsm
	mb     *mailbox
}

// mailbox is the inbound queue of a peer fsm.
type mailbox struct {
	regionID uint64
	sender   chan<- Msg
}

func (mb *mailbox) send(msg Msg) {
	msg.RegionID = mb.regionID
	mb.sender <- msg
}

// router routes a message to a peer.
type router struct {
	peers         sync.Map
	workerSenders []chan Msg
	storeSender   chan<- Msg
	storeFsm      *storeFsm
}

func newRouter(workerCnt, chanSize int, storeSender chan<- Msg, storeFsm *storeFsm) *router {
	if workerCnt <= 0 {
		workerCnt = 1
	}
	senders := make([]chan Msg, workerCnt)
	for i := range senders {
		senders[i] = make(chan Msg, chanSize)
	}
	return &router{
		workerSenders: senders,
		storeSender:   storeSender,
		storeFsm:      storeFsm,
	}
}

func (pr *router) workerIndex(regionID uint64) int {
	return int(hashRegionID(regionID) % uint64(len(pr.workerSenders)))
}

func (pr *router) get(regionID uint64) *peerState {
	v, ok := pr.peers.Load(regionID)
	if ok {
		return v.(*peerState)
	}
	return nil
}

func (pr *router) register(peer *peerFsm) {
	id := peer.regionID()
	mb := &mailbox{
		regionID: id,
		sender:   pr.workerSenders[pr.workerIndex(id)],
	}
	peer.setMailbox(mb)
	pr.peers.Store(id, &peerState{peer: peer, mb: mb})
}

func (pr *router) close(regionID uint64) {
	v, ok := pr.peers.Load(regionID)
	if ok {
		ps := v.(*peerState)
		atomic.StoreUint32(&ps.closed, 1)
		pr.peers.Delete(regionID)
		ps.peer.takeMailbox()
	}
}

// closeAll closes every peer once the raft workers have exited. The proposals
// of the peers and the queued commands fail with RegionNotFound.
func (pr *router) closeAll() {
	pr.peers.Range(func(key, value interface{}) bool {
		pr.close(key.(uint64))
		value.(*peerState).peer.drop()
		return true
	})
	for _, ch := range pr.workerSenders {
		drainMsgs(ch)
	}
}

func drainMsgs(ch <-chan Msg) {
	for {
		select {
		case msg := <-ch:
			dropMsg(msg)
		default:
			return
		}
	}
}

func (pr *router) send(regionID uint64, msg Msg) error {
	p := pr.get(regionID)
	if p == nil || atomic.LoadUint32(&p.closed) == 1 {
		return errPeerNotFound
	}
	p.mb.send(msg)
	return nil
}

func (pr *router) sendRaftCommand(cmd *MsgRaftCmd) error {
	regionID := cmd.Request.GetHeader().GetRegionId()
	return pr.send(regionID, NewPeerMsg(MsgTypeRaftCmd, regionID, cmd))
}

func (pr *router) sendRaftMessage(msg *rspb.RaftMessage) error {
	regionID := msg.RegionId
	if pr.send(regionID, NewPeerMsg(MsgTypeRaftMessage, regionID, msg)) != nil {
		pr.sendStore(NewPeerMsg(MsgTypeStoreRaftMessage, regionID, msg))
	}
	return nil
}

func (pr *router) sendStore(msg Msg) {
	pr.storeSender <- msg
}

// dropMsg completes the callbacks carried by a message that can't be
// delivered because its peer is gone.
func dropMsg(msg Msg) {
	switch msg.Type {
	case MsgTypeRaftCmd:
		cmd := msg.Data.(*MsgRaftCmd)
		NotifyReqRegionRemoved(msg.RegionID, cmd.Callback)
	case MsgTypeSplitRegion:
		split := msg.Data.(*MsgSplitRegion)
		split.Callback.Done(ErrRespRegionNotFound(msg.RegionID))
	}
}

// RaftstoreRouter exports the router to other packages.
type RaftstoreRouter struct {
	router *router
}

// SendCommand sends a raft command to its region. The callback is invoked
// with a RegionNotFound response when the region is not on this store.
func (r *RaftstoreRouter) SendCommand(req *raft_cmdpb.RaftCmdRequest, cb *Callback) error {
	msg := &MsgRaftCmd{
		SendTime: time.Now(),
		Request:  req,
		Callback: cb,
	}
	err := r.router.sendRaftCommand(msg)
	if err != nil {
		cb.Done(ErrRespRegionNotFound(req.GetHeader().GetRegionId()))
	}
	return err
}

// SendRaftMessage delivers a raft message received from another store.
func (r *RaftstoreRouter) SendRaftMessage(msg *rspb.RaftMessage) error {
	return r.router.sendRaftMessage(msg)
}

// SplitRegion splits the region by the keys and waits for the new regions.
func (r *RaftstoreRouter) SplitRegion(ctx *kvrpcpb.Context, keys [][]byte) ([]*metapb.Region, error) {
	cb := NewCallback()
	msg := &MsgSplitRegion{
		RegionEpoch: ctx.RegionEpoch,
		SplitKeys:   keys,
		Callback:    cb,
	}
	err := r.router.send(ctx.RegionId, NewPeerMsg(MsgTypeSplitRegion, ctx.RegionId, msg))
	if err != nil {
		return nil, err
	}
	resp := cb.Wait()
	if pbErr := resp.GetHeader().GetError(); pbErr != nil {
		return nil, errors.New(pbErr.String())
	}
	return resp.GetAdminResponse().GetSplits().GetRegions(), nil
}

// ReportApplyResult hands a result of the apply pipeline back to its peer.
func (r *RaftstoreRouter) ReportApplyResult(regionID uint64, res *ApplyTaskRes) error {
	return r.router.send(regionID, NewPeerMsg(MsgTypeApplyRes, regionID, res))
}

// ReportSnapshotStatus reports the result of sending a snapshot to the peer.
func (r *RaftstoreRouter) ReportSnapshotStatus(regionID, toPeerID uint64, status raft.SnapshotStatus) error {
	return r.router.send(regionID, NewPeerMsg(MsgTypeSignificantMsg, regionID, &MsgSignificant{
		Type:           MsgSignificantTypeStatus,
		ToPeerID:       toPeerID,
		SnapshotStatus: status,
	}))
}

// ReportUnreachable reports that the peer can't be reached.
func (r *RaftstoreRouter) ReportUnreachable(regionID, toPeerID uint64) error {
	return r.router.send(regionID, NewPeerMsg(MsgTypeSignificantMsg, regionID, &MsgSignificant{
		Type:     MsgSignificantTypeUnreachable,
		ToPeerID: toPeerID,
	}))
}

// ClearRegionSizeInRange asks the regions in the range to recalculate their size.
func (r *RaftstoreRouter) ClearRegionSizeInRange(startKey, endKey []byte) {
	r.router.sendStore(NewMsg(MsgTypeStoreClearRegionSizeInRange, &MsgStoreClearRegionSizeInRange{
		StartKey: startKey,
		EndKey:   endKey,
	}))
}
