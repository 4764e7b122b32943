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
	"time"

	"github.com/ngaut/raftpeer/metrics"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/pdpb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pingcap/log"
	"github.com/uber-go/atomic"
	"go.etcd.io/etcd/raft"
	"go.etcd.io/etcd/raft/tracker"
)

type peerFsm struct {
	peer     *Peer
	stopped  bool
	hasReady bool
	ticker   *ticker
	mailbox  *mailbox
	// The apply pipeline has dropped the region, no need to ask it again.
	applyDestroyed bool
}

// If we create the peer actively, like bootstrap/split/merge region, we should
// use this function to create the peer. The region must contain the peer info
// for this store.
func createPeerFsm(storeID uint64, cfg *Config, sched chan<- task,
	engines *Engines, region *metapb.Region) (*peerFsm, error) {
	metaPeer := findPeer(region, storeID)
	if metaPeer == nil {
		return nil, errors.Errorf("find no peer for store %d in region %v", storeID, region)
	}
	log.S().Infof("[region %v] create peer with ID %d", region.GetId(), metaPeer.Id)
	peer, err := NewPeer(storeID, cfg, engines, region, sched, metaPeer)
	if err != nil {
		return nil, err
	}
	return &peerFsm{
		peer:   peer,
		ticker: newTicker(region.GetId(), cfg),
	}, nil
}

// The peer can be created from another node with raft membership changes, and we only
// know the region_id and peer_id when creating this replicated peer, the region info
// will be retrieved later after applying snapshot.
func replicatePeerFsm(storeID uint64, cfg *Config, sched chan<- task,
	engines *Engines, regionID uint64, metaPeer *metapb.Peer) (*peerFsm, error) {
	// We will remove tombstone key when apply snapshot
	log.S().Infof("[region %v] replicates peer with ID %d", regionID, metaPeer.GetId())
	region := &metapb.Region{
		Id:          regionID,
		RegionEpoch: &metapb.RegionEpoch{},
	}
	peer, err := NewPeer(storeID, cfg, engines, region, sched, metaPeer)
	if err != nil {
		return nil, err
	}
	return &peerFsm{
		peer:   peer,
		ticker: newTicker(region.GetId(), cfg),
	}, nil
}

func (pf *peerFsm) regionID() uint64 {
	return pf.peer.regionID
}

func (pf *peerFsm) region() *metapb.Region {
	return pf.peer.Region()
}

func (pf *peerFsm) storeID() uint64 {
	return pf.peer.Meta.StoreId
}

func (pf *peerFsm) peerID() uint64 {
	return pf.peer.Meta.Id
}

func (pf *peerFsm) stop() {
	pf.stopped = true
}

func (pf *peerFsm) tag() string {
	return pf.peer.Tag
}

func (pf *peerFsm) setMailbox(mb *mailbox) {
	pf.mailbox = mb
}

func (pf *peerFsm) takeMailbox() *mailbox {
	mb := pf.mailbox
	pf.mailbox = nil
	return mb
}

// drop fails the proposals that will never be handed to the apply pipeline.
func (pf *peerFsm) drop() {
	for _, prop := range pf.peer.applyProposals {
		NotifyReqRegionRemoved(pf.regionID(), prop.Cb)
	}
	pf.peer.applyProposals = nil
}

type peerMsgHandler struct {
	*peerFsm
	ctx *RaftContext
}

func newRaftMsgHandler(fsm *peerFsm, ctx *RaftContext) *peerMsgHandler {
	return &peerMsgHandler{
		peerFsm: fsm,
		ctx:     ctx,
	}
}

func (d *peerMsgHandler) HandleMsgs(msgs ...Msg) {
	for _, msg := range msgs {
		if d.stopped {
			dropMsg(msg)
			continue
		}
		switch msg.Type {
		case MsgTypeRaftMessage:
			raftMsg := msg.Data.(*rspb.RaftMessage)
			if err := d.onRaftMsg(raftMsg); err != nil {
				log.S().Errorf("%s handle raft message error %v", d.tag(), err)
			}
		case MsgTypeRaftCmd:
			raftCMD := msg.Data.(*MsgRaftCmd)
			if !raftCMD.SendTime.IsZero() {
				metrics.RequestWaitTimeDurationHistogram.Observe(time.Since(raftCMD.SendTime).Seconds())
			}
			d.proposeRaftCommand(raftCMD.Request, raftCMD.Callback)
		case MsgTypeTick:
			d.onTick()
		case MsgTypeApplyRes:
			res := msg.Data.(*ApplyTaskRes)
			if state := d.peer.PendingMergeApplyResult; state != nil {
				state.results = append(state.results, res)
				continue
			}
			d.onApplyResult(res)
		case MsgTypeSignificantMsg:
			d.onSignificantMsg(msg.Data.(*MsgSignificant))
		case MsgTypeSplitRegion:
			split := msg.Data.(*MsgSplitRegion)
			log.S().Infof("%s on split with %v", d.tag(), split.SplitKeys)
			d.onPrepareSplitRegion(split.RegionEpoch, split.SplitKeys, split.Callback)
		case MsgTypeComputeResult:
			result := msg.Data.(*MsgComputeHashResult)
			d.onHashComputed(result.Index, result.Hash)
		case MsgTypeRegionApproximateSize:
			size := msg.Data.(uint64)
			d.peer.ApproximateSize = &size
		case MsgTypeRegionApproximateKeys:
			keys := msg.Data.(uint64)
			d.peer.ApproximateKeys = &keys
		case MsgTypeCompactionDeclineBytes:
			d.peer.CompactionDeclinedBytes += msg.Data.(uint64)
		case MsgTypeHalfSplitRegion:
			half := msg.Data.(*MsgHalfSplitRegion)
			d.onScheduleHalfSplitRegion(half.RegionEpoch, half.Policy)
		case MsgTypeMergeResult:
			result := msg.Data.(*MsgMergeResult)
			d.onMergeResult(result.TargetPeer, result.Stale)
		case MsgTypeGcSnap:
			d.onGCSnap(msg.Data.(*MsgGCSnap).Snaps)
		case MsgTypeClearRegionSize:
			d.peer.ApproximateSize = nil
			d.peer.ApproximateKeys = nil
		case MsgTypeStart:
			d.startTicker()
		case MsgTypeNoop:
		}
	}
}

func (d *peerMsgHandler) onTick() {
	if d.stopped {
		return
	}
	d.ticker.tickClock()
	if d.ticker.isOnTick(PeerTickRaft) {
		d.onRaftBaseTick()
	}
	if d.ticker.isOnTick(PeerTickRaftLogGC) {
		d.onRaftGCLogTick()
	}
	if d.ticker.isOnTick(PeerTickPdHeartbeat) {
		d.onPDHeartbeatTick()
	}
	if d.ticker.isOnTick(PeerTickSplitRegionCheck) {
		d.onSplitRegionCheckTick()
	}
	if d.ticker.isOnTick(PeerTickCheckMerge) {
		d.onCheckMerge()
	}
	if d.ticker.isOnTick(PeerTickPeerStaleState) {
		d.onCheckPeerStaleStateTick()
	}
}

func (d *peerMsgHandler) startTicker() {
	if d.peer.PendingMergeState != nil {
		d.notifyPrepareMerge()
	}
	d.ticker.schedule(PeerTickRaft)
	d.ticker.schedule(PeerTickRaftLogGC)
	d.ticker.schedule(PeerTickSplitRegionCheck)
	d.ticker.schedule(PeerTickPdHeartbeat)
	d.ticker.schedule(PeerTickPeerStaleState)
	d.onCheckMerge()
}

func (d *peerMsgHandler) onSignificantMsg(msg *MsgSignificant) {
	switch msg.Type {
	case MsgSignificantTypeStatus:
		// Report snapshot status to the corresponding peer.
		d.peer.RaftGroup.ReportSnapshot(msg.ToPeerID, msg.SnapshotStatus)
	case MsgSignificantTypeUnreachable:
		d.peer.RaftGroup.ReportUnreachable(msg.ToPeerID)
	}
}

// HandleRaftReadyAppend hands the new proposals to the apply pipeline and
// stages the ready of the peer into the write batches of the context.
func (d *peerMsgHandler) HandleRaftReadyAppend() {
	if p := d.peer.TakeApplyProposals(); p != nil {
		d.ctx.applySched.ScheduleTask(p.RegionID, &ApplyTask{
			Type:      ApplyTaskProposal,
			RegionID:  p.RegionID,
			Proposals: p,
		})
	}
	hasReady := d.hasReady
	d.hasReady = false
	if !hasReady || d.stopped {
		return
	}
	if readyRes := d.peer.HandleRaftReadyAppend(d.ctx); readyRes != nil {
		d.ctx.ReadyRes = append(d.ctx.ReadyRes, readyRes)
	}
}

// HandleRaftReady runs after the write batches are persisted.
func (d *peerMsgHandler) HandleRaftReady(ready *raft.Ready, ic *InvokeContext) {
	if res := d.peer.PostRaftReadyAppend(d.ctx, ready, ic); res != nil {
		d.onReadyApplySnapshot(res)
		if d.peer.PendingMergeState != nil {
			// After applying a snapshot, merge is rollbacked implicitly.
			d.onReadyRollbackMerge(0, nil)
		}
	}
	d.peer.HandleRaftReadyApply(d.ctx, ready)
}

func (d *peerMsgHandler) onRaftBaseTick() {
	if d.peer.PendingRemove {
		return
	}
	// When having pending snapshot, if election timeout is met, it can't pass
	// the pending conf change check because first index has been updated to
	// a value that is larger than last index.
	if d.peer.IsApplyingSnapshot() || d.peer.HasPendingSnapshot() {
		// need to check if snapshot is applied.
		d.hasReady = true
		d.ticker.schedule(PeerTickRaft)
		return
	}
	d.peer.RaftGroup.Tick()
	d.hasReady = d.hasReady || d.peer.RaftGroup.HasReady()
	d.ticker.schedule(PeerTickRaft)
}

func (d *peerMsgHandler) onApplyResult(res *ApplyTaskRes) {
	if res.Destroy != nil {
		if res.Destroy.PeerID != d.peerID() {
			panic(fmt.Sprintf("%s destroy wrong peer %d", d.tag(), res.Destroy.PeerID))
		}
		d.applyDestroyed = true
		d.destroyPeer(false)
		return
	}
	apply := res.Apply
	var readyToMerge *atomic.Bool
	readyToMerge, apply.ExecResults = d.onReadyResult(apply.Merged, apply.ExecResults)
	if readyToMerge != nil {
		// There is a `CommitMerge` needed to wait
		d.peer.PendingMergeApplyResult = &WaitApplyResultState{
			results:      []*ApplyTaskRes{res},
			readyToMerge: readyToMerge,
		}
		return
	}
	if d.stopped {
		return
	}
	if d.peer.PostApply(apply) {
		d.hasReady = true
	}
}

func (d *peerMsgHandler) onRaftMsg(msg *rspb.RaftMessage) error {
	if !d.validateRaftMessage(msg) {
		return nil
	}
	if d.peer.PendingRemove || d.stopped {
		return nil
	}
	if msg.GetIsTombstone() {
		// we receive a message tells us to remove self.
		d.handleGCPeerMsg(msg)
		return nil
	}
	if msg.MergeTarget != nil {
		need, err := d.needGCMerge(msg)
		if err != nil {
			return err
		}
		if need {
			d.onStaleMerge()
		}
		return nil
	}
	if d.checkMessage(msg) {
		return nil
	}
	key, err := d.checkSnapshot(msg)
	if err != nil {
		return err
	}
	if key != nil {
		// If the snapshot file is not used again, then it's OK to delete them here.
		d.ctx.snapMgr.DeleteSnapshot(*key, false)
		return nil
	}
	d.peer.insertPeerCache(msg.GetFromPeer())
	if err = d.peer.Step(msg.GetMessage()); err != nil {
		return err
	}
	if d.peer.AnyNewPeerCatchUp(msg.FromPeer.Id) {
		d.peer.HeartbeatPd(d.ctx.pdTaskSender)
	}
	d.hasReady = true
	return nil
}

// return false means the message is invalid, and can be ignored.
func (d *peerMsgHandler) validateRaftMessage(msg *rspb.RaftMessage) bool {
	regionID := msg.GetRegionId()
	to := msg.GetToPeer()
	if to.GetStoreId() != d.storeID() {
		log.S().Warnf("[region %d] store not match, to store id %d, mine %d, ignore it",
			regionID, to.GetStoreId(), d.storeID())
		metrics.RaftDroppedMismatchStoreID.Inc()
		return false
	}
	if msg.RegionEpoch == nil {
		log.S().Errorf("[region %d] missing epoch in raft message, ignore it", regionID)
		metrics.RaftDroppedMismatchRegionEpoch.Inc()
		return false
	}
	return true
}

// checkMessage checks if the message is sent to the correct peer.
//
// Returns true means that the message can be dropped silently.
func (d *peerMsgHandler) checkMessage(msg *rspb.RaftMessage) bool {
	fromEpoch := msg.GetRegionEpoch()
	isVoteMsg := isVoteMessage(msg.Message)
	fromStoreID := msg.FromPeer.GetStoreId()

	// Let's consider following cases with three nodes [1, 2, 3] and 1 is leader:
	// a. 1 removes 2, 2 may still send MsgAppendResponse to 1.
	//  We should ignore this stale message and let 2 remove itself after
	//  applying the ConfChange log.
	// b. 2 is isolated, 1 removes 2. When 2 rejoins the cluster, 2 will
	//  send stale MsgRequestVote to 1 and 3, at this time, we should tell 2 to gc itself.
	// c. 2 is isolated but can communicate with 3. 1 removes 3.
	//  2 will send stale MsgRequestVote to 3, 3 should ignore this message.
	// d. 2 is isolated but can communicate with 3. 1 removes 2, then adds 4, remove 3.
	//  2 will send stale MsgRequestVote to 3, 3 should tell 2 to gc itself.
	// e. 2 is isolated. 1 adds 4, 5, 6, removes 3, 1. Now assume 4 is leader.
	//  After 2 rejoins the cluster, 2 may send stale MsgRequestVote to 1 and 3,
	//  1 and 3 will ignore this message. Later 4 will send messages to 2 and 2 will
	//  rejoin the raft group again.
	// f. 2 is isolated. 1 adds 4, 5, 6, removes 3, 1. Now assume 4 is leader, and 4 removes 2.
	//  unlike case e, 2 will be stale forever.
	// For case f, the leader missing check asks pd whether 2 is still valid.
	region := d.peer.Region()
	if IsEpochStale(fromEpoch, region.RegionEpoch) && findPeer(region, fromStoreID) == nil {
		// The message is stale and not in current region.
		handleStaleMsg(d.ctx.trans, msg, region.RegionEpoch, isVoteMsg, nil)
		return true
	}
	target := msg.GetToPeer()
	if target.Id < d.peerID() {
		log.S().Infof("%s target peer ID %d is less than %d, msg maybe stale", d.tag(), target.Id, d.peerID())
		metrics.RaftDroppedStaleMsg.Inc()
		return true
	} else if target.Id > d.peerID() {
		if job := d.peer.MaybeDestroy(); job != nil {
			log.S().Infof("%s is stale as received a larger peer %s, destroying", d.tag(), target)
			if d.handleDestroyPeer(job) {
				d.ctx.router.sendStore(NewPeerMsg(MsgTypeStoreRaftMessage, msg.RegionId, msg))
			}
		} else {
			metrics.RaftDroppedApplyingSnap.Inc()
		}
		return true
	}
	return false
}

func (d *peerMsgHandler) handleGCPeerMsg(msg *rspb.RaftMessage) {
	fromEpoch := msg.RegionEpoch
	if !IsEpochStale(d.peer.Region().RegionEpoch, fromEpoch) {
		return
	}
	if !PeerEqual(d.peer.Meta, msg.ToPeer) {
		log.S().Infof("%s receive stale gc msg, ignore", d.tag())
		metrics.RaftDroppedStaleMsg.Inc()
		return
	}
	log.S().Infof("%s peer %s receives gc message, trying to remove", d.tag(), msg.ToPeer)
	if job := d.peer.MaybeDestroy(); job != nil {
		d.handleDestroyPeer(job)
	} else {
		metrics.RaftDroppedApplyingSnap.Inc()
	}
}

// checkSnapshot returns nil if the msg doesn't contain a snapshot or it contains
// a snapshot which doesn't conflict with any other snapshots or regions.
// Otherwise the key of the dropped snapshot is returned.
func (d *peerMsgHandler) checkSnapshot(msg *rspb.RaftMessage) (*SnapKey, error) {
	snap := msg.GetMessage().GetSnapshot()
	if snap == nil || len(snap.Data) == 0 {
		return nil, nil
	}
	regionID := msg.RegionId
	key := SnapKeyFromRegionSnap(regionID, snap)
	snapData := new(rspb.RaftSnapshotData)
	if err := snapData.Unmarshal(snap.Data); err != nil {
		return nil, errors.Trace(err)
	}
	snapRegion := snapData.Region
	peerID := msg.ToPeer.Id
	if findPeerByID(snapRegion, peerID) == nil {
		log.S().Infof("%s %s doesn't contain peer %d, skip", d.tag(), snapRegion, peerID)
		metrics.RaftDroppedRegionNoPeer.Inc()
		return &key, nil
	}

	var regionsToDestroy []uint64
	meta := d.ctx.storeMeta
	meta.Lock()
	if epoch, ok := meta.pendingCrossSnap[regionID]; ok && IsEpochStale(snapRegion.RegionEpoch, epoch) {
		meta.Unlock()
		log.S().Infof("%s snapshot epoch %s is stale, pending %s", d.tag(), snapRegion.RegionEpoch, epoch)
		metrics.RaftDroppedStaleMsg.Inc()
		return &key, nil
	}
	if !RegionEqual(meta.regions[regionID], d.region()) {
		meta.Unlock()
		if !d.peer.isInitialized() {
			log.S().Infof("%s stale delegate detected, skip", d.tag())
			metrics.RaftDroppedStaleMsg.Inc()
			return &key, nil
		}
		panic(fmt.Sprintf("%s meta corrupted %s != %s", d.tag(), meta.regions[regionID], d.region()))
	}
	for _, region := range meta.pendingSnapshotRegions {
		if region.Id != snapRegion.Id && isRangeOverlapped(region, snapRegion) {
			meta.Unlock()
			log.S().Infof("%s pending region %s overlapped", d.tag(), region)
			metrics.RaftDroppedRegionOverlap.Inc()
			return &key, nil
		}
	}

	// In some extreme cases, it may cause source peer destroyed improperly so that a later
	// CommitMerge may panic because source is already destroyed, so just drop the message:
	// 1. A new snapshot is received whereas a snapshot is still in applying, and the snapshot
	// under applying is generated before merge and the new snapshot is generated after merge.
	// After the applying snapshot is finished, the log may able to catch up and so a
	// CommitMerge will be applied.
	// 2. There is a CommitMerge pending in apply thread.
	ready := !d.peer.IsApplyingSnapshot() && !d.peer.HasPendingSnapshot() && d.peer.ReadyToHandlePendingSnap()

	overlapped := false
	meta.regionTree.Iterate(snapRegion.StartKey, snapRegion.EndKey, func(exist *metapb.Region) bool {
		if exist.Id == regionID {
			return true
		}
		log.S().Infof("%s region overlapped %s %s", d.tag(), exist, snapRegion)
		if ready && maybeDestroySource(meta, regionID, exist.Id, snapRegion.RegionEpoch) {
			// The snapshot that we decide to whether destroy peer based on must can be applied.
			// So here not to destroy peer immediately, or the snapshot maybe dropped in later
			// check but the peer is already destroyed.
			regionsToDestroy = append(regionsToDestroy, exist.Id)
			return true
		}
		overlapped = true
		return false
	})
	if overlapped {
		meta.Unlock()
		metrics.RaftDroppedRegionOverlap.Inc()
		return &key, nil
	}
	// A snapshot that can't be saved is dropped before it's registered, the
	// leader sends it again.
	if err := d.ctx.snapMgr.Save(key, false, snapData); err != nil {
		meta.Unlock()
		log.S().Errorf("%s failed to save snapshot %s, drop it: %v", d.tag(), key, err)
		return &key, nil
	}
	if d.peer.isInitialized() && !isSameRange(d.region(), snapRegion) {
		meta.pendingCrossSnap[regionID] = snapRegion.RegionEpoch
	}
	meta.pendingSnapshotRegions = append(meta.pendingSnapshotRegions, snapRegion)
	d.ctx.queuedSnapshot[regionID] = struct{}{}
	meta.Unlock()

	// destroy regions out of lock to avoid dead lock.
	for _, id := range regionsToDestroy {
		_ = d.ctx.router.send(id, NewPeerMsg(MsgTypeMergeResult, id, &MsgMergeResult{
			TargetPeer: d.peer.Meta,
			Stale:      true,
		}))
	}
	return nil, nil
}

func isRangeOverlapped(l, r *metapb.Region) bool {
	lBeforeR := len(l.EndKey) > 0 && bytes.Compare(l.EndKey, r.StartKey) <= 0
	rBeforeL := len(r.EndKey) > 0 && bytes.Compare(r.EndKey, l.StartKey) <= 0
	return !lBeforeR && !rBeforeL
}

func isSameRange(l, r *metapb.Region) bool {
	return bytes.Equal(l.StartKey, r.StartKey) && bytes.Equal(l.EndKey, r.EndKey)
}

func (d *peerMsgHandler) onReadyChangePeer(cp *ExecResultChangePeer) {
	cc := cp.ConfChange
	if cc == nil {
		log.S().Warnf("%s conf change is aborted", d.tag())
		return
	}
	changeType := cc.ChangeType
	d.peer.RaftGroup.ApplyConfChange(toRaftConfChange(cc))
	if cc.NodeId == 0 {
		// Apply failed, skip.
		return
	}
	d.ctx.storeMeta.Lock()
	d.ctx.storeMeta.setRegion(cp.Region, d.peer)
	d.ctx.storeMeta.Unlock()
	peerID := cp.Peer.Id
	switch changeType {
	case eraftpb.ConfChangeType_AddNode, eraftpb.ConfChangeType_AddLearnerNode:
		if d.peerID() == peerID && isLearner(d.peer.Meta) {
			d.peer.Meta = cp.Peer
		}

		// Add this peer to cache and heartbeats.
		now := time.Now()
		d.peer.PeerHeartbeats[peerID] = now
		if d.peer.IsLeader() {
			d.peer.PeersStartPendingTime[peerID] = now
		}
		d.peer.RecentAddedPeer.Update(peerID, now)
		d.peer.insertPeerCache(cp.Peer)
	case eraftpb.ConfChangeType_RemoveNode:
		// Remove this peer from cache.
		delete(d.peer.PeerHeartbeats, peerID)
		if d.peer.IsLeader() {
			delete(d.peer.PeersStartPendingTime, peerID)
		}
		d.peer.removePeerCache(peerID)
	}

	// In pattern matching above, if the peer is the leader,
	// it will push the change peer into `peers_start_pending_time`
	// without checking if it is duplicated. We move `heartbeat_pd` here
	// to utilize `collect_pending_peers` in `heartbeat_pd` to avoid
	// adding the redundant peer.
	if d.peer.IsLeader() {
		// Notify pd immediately.
		log.S().Infof("%s notify pd with change peer region %s", d.tag(), d.region())
		d.peer.HeartbeatPd(d.ctx.pdTaskSender)
	}

	// We only care remove itself now.
	if changeType == eraftpb.ConfChangeType_RemoveNode && cp.Peer.StoreId == d.storeID() {
		if d.peerID() == peerID {
			d.destroyPeer(false)
		} else {
			panic(fmt.Sprintf("%s trying to remove unknown peer %s", d.tag(), cp.Peer))
		}
	}
}

func (d *peerMsgHandler) onReadyCompactLog(firstIndex uint64, state *rspb.RaftTruncatedState) {
	lastApplying := d.peer.LastApplyingIdx
	if lastApplying > firstIndex && lastApplying > state.Index {
		totalCnt := lastApplying - firstIndex
		// the size of current CompactLog command can be ignored.
		remainCnt := lastApplying - state.Index - 1
		d.peer.RaftLogSizeHint = d.peer.RaftLogSizeHint * remainCnt / totalCnt
	}
	gcTask := &raftLogGCTask{
		raftEngine: d.ctx.engine.raft,
		regionID:   d.regionID(),
		startIdx:   d.peer.LastCompactedIdx,
		endIdx:     state.Index + 1,
	}
	d.peer.LastCompactedIdx = gcTask.endIdx
	d.peer.Store().CompactTo(gcTask.endIdx)
	scheduleTask(d.ctx.raftLogGCTaskSender, task{tp: taskTypeRaftLogGC, data: gcTask}, "raft log gc")
}

func (d *peerMsgHandler) onReadySplitRegion(derived *metapb.Region, regions []*metapb.Region) {
	d.ctx.storeMeta.Lock()
	defer d.ctx.storeMeta.Unlock()
	meta := d.ctx.storeMeta
	regionID := derived.Id
	meta.setRegion(derived, d.peer)
	d.peer.PostSplit()
	isLeader := d.peer.IsLeader()
	if isLeader {
		d.peer.HeartbeatPd(d.ctx.pdTaskSender)
		// Notify pd immediately to let it update the region meta.
		log.S().Infof("%s notify pd with split count %d", d.tag(), len(regions))
		// Now pd only uses ReportBatchSplit for history operation show,
		// so we send it independently here.
		scheduleTask(d.ctx.pdTaskSender, task{
			tp:   taskTypePDReportBatchSplit,
			data: &pdReportBatchSplitTask{regions: regions},
		}, "pd")
	}

	lastRegion := regions[len(regions)-1]
	if old := meta.regionTree.Delete(lastRegion); old == nil || old.Id != regionID {
		panic(fmt.Sprintf("%s original region should exist, got %s", d.tag(), old))
	}

	for _, newRegion := range regions {
		newRegionID := newRegion.Id
		if old := meta.regionTree.Put(newRegion); old != nil {
			panic(fmt.Sprintf("%s split region %s replaced %s", d.tag(), newRegion, old))
		}
		if newRegionID == regionID {
			continue
		}

		// Insert new regions and validation
		log.S().Infof("[region %d] inserts new region %s", regionID, newRegion)
		if r, ok := meta.regions[newRegionID]; ok {
			// Suppose a new node is added by conf change and the snapshot comes slowly.
			// Then, the region splits and the first vote message comes to the new node
			// before the old snapshot, which will create an uninitialized peer on the
			// store. After that, the old snapshot comes, followed with the last split
			// proposal. After it's applied, the uninitialized peer will be met.
			// We can remove this uninitialized peer directly.
			if len(r.Peers) > 0 {
				panic(fmt.Sprintf("[region %d] duplicated region %s for split region %s",
					newRegionID, r, newRegion))
			}
			d.ctx.router.close(newRegionID)
		}

		newPeer, err := createPeerFsm(d.ctx.storeID(), d.ctx.cfg, d.ctx.regionTaskSender, d.ctx.engine, newRegion)
		if err != nil {
			// peer information is already written into db, can't recover.
			// there is probably a bug.
			panic(fmt.Sprintf("create new split region %s error %v", newRegion, err))
		}
		metaPeer := newPeer.peer.Meta

		for _, p := range newRegion.GetPeers() {
			newPeer.peer.insertPeerCache(p)
		}

		// New peer derive write flow from parent region,
		// this will be used by balance write flow.
		newPeer.peer.PeerStat = d.peer.PeerStat
		campaigned := newPeer.peer.MaybeCampaign(isLeader)
		newPeer.hasReady = newPeer.hasReady || campaigned

		if isLeader {
			// The new peer is likely to become leader, send a heartbeat immediately to reduce
			// client query miss.
			newPeer.peer.HeartbeatPd(d.ctx.pdTaskSender)
		}

		newPeer.peer.Activate(d.ctx.applySched)
		meta.regions[newRegionID] = newRegion
		meta.readers[newRegionID] = newReadDelegate(newPeer.peer)
		d.ctx.router.register(newPeer)
		_ = d.ctx.router.send(newRegionID, NewPeerMsg(MsgTypeStart, newRegionID, nil))
		if !campaigned {
			if msg := meta.takePendingVote(metaPeer); msg != nil {
				_ = d.ctx.router.send(newRegionID, NewPeerMsg(MsgTypeRaftMessage, newRegionID, msg))
			}
		}
	}
	meta.updateRegionCount()
}

func (d *peerMsgHandler) onReadyApplySnapshot(res *ApplySnapResult) {
	prevRegion := res.PrevRegion
	region := res.Region

	log.S().Infof("%s snapshot for region %s is applied", d.tag(), region)
	d.ctx.storeMeta.Lock()
	defer d.ctx.storeMeta.Unlock()
	meta := d.ctx.storeMeta
	delete(meta.pendingCrossSnap, region.Id)
	initialized := len(prevRegion.Peers) > 0
	if initialized {
		log.S().Infof("%s region changed from %s -> %s after applying snapshot", d.tag(), prevRegion, region)
		if old := meta.regionTree.GetRegionByEndKey(prevRegion.EndKey); old != nil && old.Id == region.Id {
			meta.regionTree.Delete(prevRegion)
		}
	}
	if old := meta.regionTree.Put(region); old != nil && old.Id != region.Id {
		panic(fmt.Sprintf("%s unexpected old region %d", d.tag(), old.Id))
	}
	meta.regions[region.Id] = region
	if reader, ok := meta.readers[region.Id]; ok {
		reader.update(d.peer)
	}
}

// onReadyResult handles the results in order. When a CommitMerge has to wait
// for its source, the ready flag and the results starting from the CommitMerge
// are returned.
func (d *peerMsgHandler) onReadyResult(merged bool, execResults []ExecResult) (*atomic.Bool, []ExecResult) {
	if len(execResults) == 0 {
		return nil, nil
	}

	// handle executing committed log results
	for i, result := range execResults {
		switch x := result.(type) {
		case *ExecResultChangePeer:
			d.onReadyChangePeer(x)
		case *ExecResultCompactLog:
			if !merged {
				d.onReadyCompactLog(x.FirstIndex, x.TruncatedState)
			}
		case *ExecResultSplitRegion:
			d.onReadySplitRegion(x.Derived, x.Regions)
		case *ExecResultPrepareMerge:
			d.onReadyPrepareMerge(x.Region, x.State, merged)
		case *ExecResultCommitMerge:
			if readyToMerge := d.onReadyCommitMerge(x.Region, x.Source); readyToMerge != nil {
				return readyToMerge, execResults[i:]
			}
		case *ExecResultRollbackMerge:
			d.onReadyRollbackMerge(x.Commit, x.Region)
		case *ExecResultComputeHash:
			d.onReadyComputeHash(x.Region, x.Index, x.Snap)
		case *ExecResultVerifyHash:
			d.onReadyVerifyHash(x.Index, x.Hash)
		case *ExecResultDeleteRange:
		case *ExecResultIngestSST:
			for _, sst := range x.SSTs {
				d.peer.SizeDiffHint += sst.Length
			}
		}
	}
	return nil, nil
}

// checkMergeProposal rejects the merge commands whose regions can't be merged.
func (d *peerMsgHandler) checkMergeProposal(msg *raft_cmdpb.RaftCmdRequest) error {
	admin := msg.GetAdminRequest()
	if admin.GetPrepareMerge() == nil && admin.GetCommitMerge() == nil {
		return nil
	}
	region := d.region()
	if prepare := admin.GetPrepareMerge(); prepare != nil {
		target := prepare.GetTarget()
		d.ctx.storeMeta.Lock()
		r, ok := d.ctx.storeMeta.regions[target.GetId()]
		d.ctx.storeMeta.Unlock()
		if !ok {
			return errors.Errorf("target region %d doesn't exist", target.GetId())
		}
		if !RegionEqual(r, target) {
			return errors.Errorf("target region not matched, skip proposing: %s != %s", r, target)
		}
		if !isSibling(target, region) {
			return errors.Errorf("%s and %s are not sibling, skip proposing", target, region)
		}
		if !isSameStores(target, region) {
			return errors.Errorf("peers doesn't match %v != %v, reject merge", region.GetPeers(), target.GetPeers())
		}
		return nil
	}
	source := admin.GetCommitMerge().GetSource()
	if !isSibling(source, region) {
		return errors.Errorf("%s and %s should be sibling", source, region)
	}
	if !isSameStores(source, region) {
		return errors.Errorf("peers not matched: %s %s", source, region)
	}
	return nil
}

func (d *peerMsgHandler) preProposeRaftCommand(req *raft_cmdpb.RaftCmdRequest) (*raft_cmdpb.RaftCmdResponse, error) {
	// Check store_id, make sure that the msg is dispatched to the right place.
	if err := checkStoreID(req, d.storeID()); err != nil {
		metrics.RaftInvalidProposal.WithLabelValues("mismatch_store_id").Inc()
		return nil, err
	}
	if req.GetStatusRequest() != nil {
		// For status commands, we handle it here directly.
		return d.executeStatusCommand(req)
	}

	// Check whether the store has the right peer to handle the request.
	if !d.peer.IsLeader() {
		metrics.RaftInvalidProposal.WithLabelValues("not_leader").Inc()
		return nil, d.peer.notLeaderError()
	}
	// peer_id must be the same as peer's.
	if err := checkPeerID(req, d.peerID()); err != nil {
		metrics.RaftInvalidProposal.WithLabelValues("mismatch_peer_id").Inc()
		return nil, err
	}
	// Check whether the term is stale.
	if err := checkTerm(req, d.peer.Term()); err != nil {
		metrics.RaftInvalidProposal.WithLabelValues("stale_command").Inc()
		return nil, err
	}
	err := checkRegionEpoch(req, d.region(), true)
	if epochErr, ok := err.(*ErrEpochNotMatch); ok {
		metrics.RaftInvalidProposal.WithLabelValues("epoch_not_match").Inc()
		// Attach the region which might be split from the current region. But it doesn't
		// matter if the region is not split from the current region. If the region meta
		// received by the client is newer than the meta cached in the client, the meta is
		// updated.
		if sibling := d.findSiblingRegion(); sibling != nil {
			epochErr.Regions = append(epochErr.Regions, sibling)
		}
		return nil, epochErr
	}
	return nil, err
}

// findSiblingRegion returns the region a split of this region may have created.
func (d *peerMsgHandler) findSiblingRegion() *metapb.Region {
	meta := d.ctx.storeMeta
	meta.Lock()
	defer meta.Unlock()
	if d.ctx.cfg.RightDeriveWhenSplit {
		return meta.regionTree.Prev(d.region())
	}
	return meta.regionTree.Next(d.region())
}

func (d *peerMsgHandler) proposeRaftCommand(msg *raft_cmdpb.RaftCmdRequest, cb *Callback) {
	resp, err := d.preProposeRaftCommand(msg)
	if err != nil {
		cb.Done(ErrResp(err))
		return
	}
	if resp != nil {
		cb.Done(resp)
		return
	}

	if d.peer.PendingRemove {
		NotifyReqRegionRemoved(d.regionID(), cb)
		return
	}
	if err := d.checkMergeProposal(msg); err != nil {
		log.S().Warnf("%s failed to process merge, message %s, err %v", d.tag(), msg, err)
		cb.Done(ErrResp(err))
		return
	}
	if admin := msg.GetAdminRequest(); admin != nil {
		metrics.AdminCmdCounter.WithLabelValues(admin.CmdType.String(), "all").Inc()
	}

	// Note:
	// The peer that is being checked is a leader. It might step down to be a follower later. It
	// doesn't matter whether the peer is a leader or not. If it's not a leader, the proposing
	// command log entry can't be committed.

	resp = &raft_cmdpb.RaftCmdResponse{}
	BindRespTerm(resp, d.peer.Term())
	if d.peer.Propose(d.ctx, cb, msg, resp) {
		d.hasReady = true
	}
}

func (d *peerMsgHandler) onRaftGCLogTick() {
	start := time.Now()
	defer func() {
		metrics.RaftLogGCEventDuration.Observe(time.Since(start).Seconds())
	}()
	d.ticker.schedule(PeerTickRaftLogGC)

	store := d.peer.Store()
	appliedIdx := store.AppliedIndex()
	if !d.peer.IsLeader() {
		store.CompactTo(appliedIdx + 1)
		return
	}

	// Leader will replicate the compact log command to followers,
	// If we use current replicated_index (like 10) as the compact index,
	// when we replicate this log, the newest replicated_index will be 11,
	// but we only compact the log to 10, not 11, at that time,
	// the first index is 10, and replicated_index is 11, with an extra log,
	// and we will do compact again with compact index 11, in cycles...
	// So we introduce a threshold, if replicated index - first index > threshold,
	// we will try to compact log.
	// raft log entries[..............................................]
	//                  ^                                       ^
	//                  |-----------------threshold------------ |
	//              first_index                         replicated_index
	// `aliveCacheIdx` is the smallest `replicated_index` of healthy up nodes,
	// it is only used to gc cache.
	truncatedIdx := store.TruncatedIndex()
	lastIdx, err := store.LastIndex()
	if err != nil {
		panic(fmt.Sprintf("%s failed to get last index %v", d.tag(), err))
	}
	cacheAliveLimit := time.Now().Add(-(d.ctx.cfg.RaftBaseTickInterval*time.Duration(d.ctx.cfg.RaftHeartbeatTicks) +
		d.ctx.cfg.RaftEntryCacheLifeTime))
	replicatedIdx, aliveCacheIdx := lastIdx, lastIdx
	d.peer.RaftGroup.WithProgress(func(id uint64, _ raft.ProgressType, pr tracker.Progress) {
		if replicatedIdx > pr.Match {
			replicatedIdx = pr.Match
		}
		if hb, ok := d.peer.PeerHeartbeats[id]; ok {
			if aliveCacheIdx > pr.Match && pr.Match >= truncatedIdx && hb.After(cacheAliveLimit) {
				aliveCacheIdx = pr.Match
			}
		}
	})
	store.MaybeGCCache(aliveCacheIdx, appliedIdx)

	firstIdx, err := store.FirstIndex()
	if err != nil {
		panic(fmt.Sprintf("%s failed to get first index %v", d.tag(), err))
	}
	var compactIdx uint64
	if appliedIdx > firstIdx && appliedIdx-firstIdx >= d.ctx.cfg.RaftLogGcCountLimit {
		compactIdx = appliedIdx
	} else if d.peer.RaftLogSizeHint >= d.ctx.cfg.RaftLogGcSizeLimit {
		compactIdx = appliedIdx
	} else if replicatedIdx < firstIdx || replicatedIdx-firstIdx <= d.ctx.cfg.RaftLogGcThreshold {
		return
	} else {
		compactIdx = replicatedIdx
	}
	// Have no idea why subtract 1 here, but original code did this by magic.
	if compactIdx == 0 {
		panic(fmt.Sprintf("%s unexpected compact index 0", d.tag()))
	}
	compactIdx--
	if compactIdx < firstIdx {
		// In case compact_idx == first_idx before subtraction.
		return
	}
	term, err := store.Term(compactIdx)
	if err != nil {
		panic(fmt.Sprintf("%s failed to load term of %d: %v", d.tag(), compactIdx, err))
	}

	// Create a compact log request and notify directly.
	request := newCompactLogRequest(d.regionID(), d.peer.Meta, compactIdx, term)
	d.proposeRaftCommand(request, nil)
}

func (d *peerMsgHandler) onSplitRegionCheckTick() {
	start := time.Now()
	defer func() {
		metrics.SplitCheckEventDuration.Observe(time.Since(start).Seconds())
	}()
	d.ticker.schedule(PeerTickSplitRegionCheck)
	// To avoid frequent scan, we only add new scan tasks if all previous tasks
	// have finished.
	if len(d.ctx.splitCheckTaskSender) > 0 {
		return
	}
	if !d.peer.IsLeader() {
		return
	}
	// When restart, the approximate size will be nil. The split check will first
	// check the region size, and then check whether the region should split. This
	// should work even if we change the region max size.
	// If peer says should update approximate size, update region size and check
	// whether the region should split.
	diff := d.ctx.cfg.RegionSplitCheckDiff
	if d.peer.ApproximateSize != nil && d.peer.CompactionDeclinedBytes < diff && d.peer.SizeDiffHint < diff {
		return
	}
	if !scheduleTask(d.ctx.splitCheckTaskSender, task{
		tp:   taskTypeSplitCheck,
		data: &splitCheckTask{region: cloneRegion(d.region())},
	}, "split check") {
		return
	}
	d.peer.SizeDiffHint = 0
	d.peer.CompactionDeclinedBytes = 0
}

func (d *peerMsgHandler) onPrepareSplitRegion(regionEpoch *metapb.RegionEpoch, splitKeys [][]byte, cb *Callback) {
	if err := d.validateSplitRegion(regionEpoch, splitKeys); err != nil {
		cb.Done(ErrResp(err))
		return
	}
	if !scheduleTask(d.ctx.pdTaskSender, task{
		tp: taskTypePDAskBatchSplit,
		data: &pdAskBatchSplitTask{
			region:      cloneRegion(d.region()),
			splitKeys:   splitKeys,
			peer:        d.peer.Meta,
			rightDerive: d.ctx.cfg.RightDeriveWhenSplit,
			callback:    cb,
		},
	}, "pd") {
		cb.Done(ErrResp(&ErrServerIsBusy{Reason: "pd worker is busy"}))
	}
}

func (d *peerMsgHandler) validateSplitRegion(epoch *metapb.RegionEpoch, splitKeys [][]byte) error {
	if len(splitKeys) == 0 {
		err := errors.Errorf("%s no split key is specified", d.tag())
		log.S().Error(err)
		return err
	}
	for _, key := range splitKeys {
		if len(key) == 0 {
			err := errors.Errorf("%s split key should not be empty", d.tag())
			log.S().Error(err)
			return err
		}
	}
	if !d.peer.IsLeader() {
		// region on this store is no longer leader, skipped.
		log.S().Infof("%s not leader, skip", d.tag())
		return d.peer.notLeaderError()
	}

	region := d.region()
	latestEpoch := region.GetRegionEpoch()

	// This is a little difference for `check_region_epoch` in region split case.
	// Here we just need to check `version` because `conf_ver` will be update
	// to the latest value of the peer, and then send to PD.
	if latestEpoch.Version != epoch.GetVersion() {
		log.S().Infof("%s epoch changed, retry later, prev_epoch: %s, epoch %s",
			d.tag(), latestEpoch, epoch)
		return &ErrEpochNotMatch{
			Message: fmt.Sprintf("%s epoch changed %s != %s, retry later", d.tag(), latestEpoch, epoch),
			Regions: []*metapb.Region{region},
		}
	}
	return nil
}

func (d *peerMsgHandler) onScheduleHalfSplitRegion(regionEpoch *metapb.RegionEpoch, policy pdpb.CheckPolicy) {
	if !d.peer.IsLeader() {
		log.S().Warnf("%s not leader, skip half split", d.tag())
		return
	}
	region := d.region()
	if IsEpochStale(regionEpoch, region.RegionEpoch) {
		log.S().Warnf("%s receive a stale halfsplit message", d.tag())
		return
	}
	log.S().Infof("%s schedule half split with policy %s", d.tag(), policy)
	scheduleTask(d.ctx.splitCheckTaskSender, task{
		tp:   taskTypeHalfSplitCheck,
		data: &splitCheckTask{region: cloneRegion(region)},
	}, "split check")
}

func (d *peerMsgHandler) onPDHeartbeatTick() {
	start := time.Now()
	defer func() {
		metrics.PDHeartbeatEventDuration.Observe(time.Since(start).Seconds())
	}()
	d.ticker.schedule(PeerTickPdHeartbeat)
	d.peer.CheckPeers()

	if !d.peer.IsLeader() {
		return
	}
	d.peer.HeartbeatPd(d.ctx.pdTaskSender)
}

func (d *peerMsgHandler) onCheckPeerStaleStateTick() {
	if d.peer.PendingRemove {
		return
	}
	start := time.Now()
	defer func() {
		metrics.CheckPeerStaleStateEventDuration.Observe(time.Since(start).Seconds())
	}()
	d.ticker.schedule(PeerTickPeerStaleState)

	if d.peer.IsApplyingSnapshot() || d.peer.HasPendingSnapshot() {
		return
	}

	// If this peer detects the leader is missing for a long long time,
	// it should consider itself as a stale peer which is removed from
	// the original cluster.
	// This most likely happens in the following scenario:
	// At first, there are three peer A, B, C in the cluster, and A is leader.
	// Peer B gets down. And then A adds D, E, F into the cluster.
	// Peer D becomes leader of the new cluster, and then removes peer A, B, C.
	// After all these peer in and out, now the cluster has peer D, E, F.
	// If peer B goes up at this moment, it still thinks it is one of the cluster
	// and has peers A, C. However, it could not reach A, C since they are removed
	// from the cluster or probably destroyed.
	// Meantime, D, E, F would not reach B, since it's not in the cluster anymore.
	// In this case, peer B would notice that the leader is missing for a long time,
	// and it would check with pd to confirm whether it's still a member of the cluster.
	// If not, it destroys itself as a stale peer which is removed out already.
	switch d.peer.CheckStaleState(d.ctx.cfg) {
	case StaleStateValid:
	case StaleStateLeaderMissing:
		log.S().Warnf("%s leader missing longer than abnormal_leader_missing_duration %v",
			d.tag(), d.ctx.cfg.AbnormalLeaderMissingDuration)
	case StaleStateToValidate:
		// for peer B in case 1 above
		log.S().Warnf("%s leader missing longer than max_leader_missing_duration %v. To check with pd whether it's still valid",
			d.tag(), d.ctx.cfg.MaxLeaderMissingDuration)
		scheduleTask(d.ctx.pdTaskSender, task{
			tp: taskTypePDValidatePeer,
			data: &pdValidatePeerTask{
				region: cloneRegion(d.region()),
				peer:   d.peer.Meta,
			},
		}, "pd")
	}
}

func (d *peerMsgHandler) onGCSnap(snaps []SnapKeyWithSending) {
	store := d.peer.Store()
	compactedIdx := store.TruncatedIndex()
	compactedTerm := store.TruncatedTerm()
	isApplyingSnap := d.peer.IsApplyingSnapshot()
	mgr := d.ctx.snapMgr
	for _, snap := range snaps {
		key := snap.SnapKey
		if snap.IsSending {
			if key.Term < compactedTerm || key.Index < compactedIdx {
				log.S().Infof("%s snap file %s has been compacted, delete", d.tag(), key)
				mgr.DeleteSnapshot(key, true)
				continue
			}
			elapsed, err := mgr.ModifiedSince(key, true)
			if err != nil {
				log.S().Errorf("%s failed to load snapshot meta %s: %v", d.tag(), key, err)
				continue
			}
			if elapsed > d.ctx.cfg.SnapGcTimeout {
				log.S().Infof("%s snap file %s has been expired, delete", d.tag(), key)
				mgr.DeleteSnapshot(key, true)
			}
		} else if key.Term <= compactedTerm &&
			(key.Index < compactedIdx || (key.Index == compactedIdx && !isApplyingSnap)) {
			log.S().Infof("%s snap file %s has been applied, delete", d.tag(), key)
			mgr.DeleteSnapshot(key, false)
		}
	}
}

func (d *peerMsgHandler) onReadyComputeHash(region *metapb.Region, index uint64, snap RegionSnapshot) {
	d.peer.ConsistencyState.LastCheckTime = time.Now()
	log.S().Infof("%s schedule compute hash task", d.tag())
	scheduleTask(d.ctx.computeHashTaskSender, task{
		tp: taskTypeComputeHash,
		data: &computeHashTask{
			region: region,
			index:  index,
			snap:   snap,
		},
	}, "compute hash")
}

func (d *peerMsgHandler) onReadyVerifyHash(expectedIndex uint64, expectedHash []byte) {
	d.verifyAndStoreHash(expectedIndex, expectedHash)
}

func (d *peerMsgHandler) onHashComputed(index uint64, hash []byte) {
	if !d.verifyAndStoreHash(index, hash) {
		return
	}
	req := newVerifyHashRequest(d.regionID(), d.peer.Meta, d.peer.ConsistencyState)
	d.proposeRaftCommand(req, nil)
}

// verifyAndStoreHash verifies and stores the hash to state. return true means the
// hash has been stored successfully.
func (d *peerMsgHandler) verifyAndStoreHash(expectedIndex uint64, expectedHash []byte) bool {
	state := d.peer.ConsistencyState
	index := state.Index
	if expectedIndex < index {
		metrics.RegionHashCounter.WithLabelValues("verify", "miss").Inc()
		log.S().Warnf("%s has scheduled a new hash, skip, index: %d, expected_index: %d, ",
			d.tag(), index, expectedIndex)
		return false
	}
	if expectedIndex == index {
		if len(state.Hash) == 0 {
			log.S().Warnf("%s duplicated consistency check detected, skip.", d.tag())
			return false
		}
		if !bytes.Equal(state.Hash, expectedHash) {
			panic(fmt.Sprintf("%s hash at %d not correct want %v, got %v",
				d.tag(), index, expectedHash, state.Hash))
		}
		log.S().Infof("%s consistency check pass, index %d", d.tag(), index)
		metrics.RegionHashCounter.WithLabelValues("verify", "matched").Inc()
		state.Hash = nil
		return false
	}
	if state.Index != RaftInvalidIndex && len(state.Hash) > 0 {
		// Maybe computing is too slow or computed result is dropped due to channel full.
		// If computing is too slow, miss count will be increased twice.
		metrics.RegionHashCounter.WithLabelValues("verify", "miss").Inc()
		log.S().Warnf("%s hash belongs to wrong index, skip, index: %d, expected_index: %d",
			d.tag(), index, expectedIndex)
	}
	log.S().Infof("%s save hash for consistency check later, index: %d", d.tag(), expectedIndex)
	state.Index = expectedIndex
	state.Hash = expectedHash
	return true
}

// maybeDestroySource checks whether the source can be destroyed because its
// target has moved on, namely it will apply a snapshot generated after merge.
func maybeDestroySource(meta *storeMeta, targetID, sourceID uint64, epoch *metapb.RegionEpoch) bool {
	if mergeTargets, ok := meta.pendingMergeTargets[targetID]; ok {
		if targetEpoch, ok1 := mergeTargets[sourceID]; ok1 {
			log.S().Infof("[region %d] checking source %d epoch: %s, merge target epoch: %s",
				targetID, sourceID, epoch, targetEpoch)
			// The target peer will move on, namely, it will apply a snapshot generated after merge,
			// so destroy source peer.
			if epoch.Version > targetEpoch.Version {
				return true
			}
			// Wait till the target peer has caught up logs and source peer will be destroyed at that time.
			return false
		}
	}
	return false
}

// Handle status commands here, separate the logic, maybe we can move it
// to another file later.
// Unlike other commands (write or admin), status commands only show current
// store status, so no need to handle it in raft group.
func (d *peerMsgHandler) executeStatusCommand(request *raft_cmdpb.RaftCmdRequest) (*raft_cmdpb.RaftCmdResponse, error) {
	cmdType := request.StatusRequest.CmdType
	var response *raft_cmdpb.StatusResponse
	switch cmdType {
	case raft_cmdpb.StatusCmdType_RegionLeader:
		response = d.executeRegionLeader()
	case raft_cmdpb.StatusCmdType_RegionDetail:
		var err error
		response, err = d.executeRegionDetail(request)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("invalid status command %s", cmdType)
	}
	response.CmdType = cmdType

	resp := &raft_cmdpb.RaftCmdResponse{
		Header:         &raft_cmdpb.RaftResponseHeader{},
		StatusResponse: response,
	}
	BindRespTerm(resp, d.peer.Term())
	return resp, nil
}

func (d *peerMsgHandler) executeRegionLeader() *raft_cmdpb.StatusResponse {
	resp := &raft_cmdpb.StatusResponse{}
	if leader := d.peer.getPeerFromCache(d.peer.LeaderID()); leader != nil {
		resp.RegionLeader = &raft_cmdpb.RegionLeaderResponse{
			Leader: leader,
		}
	}
	return resp
}

func (d *peerMsgHandler) executeRegionDetail(request *raft_cmdpb.RaftCmdRequest) (*raft_cmdpb.StatusResponse, error) {
	if !d.peer.isInitialized() {
		regionID := request.Header.RegionId
		return nil, errors.Errorf("region %d not initialized", regionID)
	}
	resp := &raft_cmdpb.StatusResponse{
		RegionDetail: &raft_cmdpb.RegionDetailResponse{
			Region: cloneRegion(d.region()),
		},
	}
	if leader := d.peer.getPeerFromCache(d.peer.LeaderID()); leader != nil {
		resp.RegionDetail.Leader = leader
	}
	return resp, nil
}
