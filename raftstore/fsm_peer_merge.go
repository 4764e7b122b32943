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
	"math"

	"github.com/ngaut/raftpeer/metrics"
	"github.com/pingcap/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pingcap/log"
	"github.com/uber-go/atomic"
)

// notifyPrepareMerge leaves a merge lock to let the target peer know that
// PrepareMerge is already executed, or wakes up the target if it's waiting.
func (d *peerMsgHandler) notifyPrepareMerge() {
	regionID := d.regionID()
	version := d.region().GetRegionEpoch().GetVersion()
	meta := d.ctx.storeMeta
	meta.Lock()
	defer meta.Unlock()
	lock, ok := meta.mergeLocks[regionID]
	if !ok {
		meta.mergeLocks[regionID] = &mergeLock{version: version}
		return
	}
	switch {
	case lock.version == version:
		if lock.readyToMerge == nil {
			panic(fmt.Sprintf("%s merge lock at %d has no ready flag", d.tag(), version))
		}
		lock.readyToMerge.Store(true)
		// The resumed CommitMerge finds a plain lock at this version and goes on.
		meta.mergeLocks[regionID] = &mergeLock{version: version}
		targetID := d.peer.PendingMergeState.GetTarget().GetId()
		// Send an empty message to the target to make sure it checks readyToMerge.
		// The target holds the lock, it must be alive to be woken up.
		if err := d.ctx.router.send(targetID, NewPeerMsg(MsgTypeNoop, targetID, nil)); err != nil {
			panic(fmt.Sprintf("%s failed to wake up merge target %d: %v", d.tag(), targetID, err))
		}
	case lock.version > version:
		// A newer CommitMerge is waiting, keep its lock.
	default:
		panic(fmt.Sprintf("%s expects version %d but got %d", d.tag(), version, lock.version))
	}
}

// checkLocks returns nil if the PrepareMerge of the source is executed.
// Otherwise a lock is left for the source and its ready flag is returned.
//
// PrepareMerge and CommitMerge are executed sequentially, but the apply
// results of different peers can be handled in any order.
func (d *peerMsgHandler) checkLocks(source *metapb.Region, meta *storeMeta) *atomic.Bool {
	sourceID := source.GetId()
	sourceVersion := source.GetRegionEpoch().GetVersion()

	if lock, ok := meta.mergeLocks[sourceID]; ok {
		delete(meta.mergeLocks, sourceID)
		switch {
		case lock.version == sourceVersion:
			if lock.readyToMerge != nil {
				panic(fmt.Sprintf("%s source region %d has a ready flag at %d", d.tag(), sourceID, sourceVersion))
			}
			return nil
		case lock.version < sourceVersion:
			if lock.readyToMerge != nil {
				panic(fmt.Sprintf("%s source region %d meets a commit merge before %d < %d",
					d.tag(), sourceID, lock.version, sourceVersion))
			}
		default:
			panic(fmt.Sprintf("%s source region %d can't finish current merge: %d > %d",
				d.tag(), sourceID, lock.version, sourceVersion))
		}
	}

	readyToMerge := atomic.NewBool(false)
	meta.mergeLocks[sourceID] = &mergeLock{
		version:      sourceVersion,
		readyToMerge: readyToMerge,
	}
	return readyToMerge
}

// resumeHandlePendingApplyResult continues the apply results buffered behind a
// CommitMerge. Returns false if it still has to wait.
func (d *peerMsgHandler) resumeHandlePendingApplyResult() bool {
	state := d.peer.PendingMergeApplyResult
	if state == nil {
		panic(fmt.Sprintf("%s doesn't have pending apply result, can't be resumed", d.tag()))
	}
	if !state.readyToMerge.Load() {
		return false
	}
	d.peer.PendingMergeApplyResult = nil
	for i, res := range state.results {
		log.S().Debugf("%s resume handling apply result", d.tag())
		d.onApplyResult(res)
		// Meet another CommitMerge that needs to wait.
		if pending := d.peer.PendingMergeApplyResult; pending != nil {
			pending.results = append(pending.results, state.results[i+1:]...)
			return false
		}
	}
	return true
}

func (d *peerMsgHandler) onReadyPrepareMerge(region *metapb.Region, state *rspb.MergeState, merged bool) {
	d.ctx.storeMeta.Lock()
	d.ctx.storeMeta.setRegion(region, d.peer)
	d.ctx.storeMeta.Unlock()
	d.peer.PendingMergeState = state
	metrics.MergeCounter.WithLabelValues("prepare").Inc()
	d.notifyPrepareMerge()

	if merged {
		// CommitMerge will try to catch up log for source region. If PrepareMerge is executed
		// in the progress of catching up, there is no need to schedule merge again.
		return
	}
	d.onCheckMerge()
}

func (d *peerMsgHandler) onReadyCommitMerge(region, source *metapb.Region) *atomic.Bool {
	meta := d.ctx.storeMeta
	meta.Lock()
	defer meta.Unlock()

	if readyToMerge := d.checkLocks(source, meta); readyToMerge != nil {
		metrics.MergeCounter.WithLabelValues("wait_source").Inc()
		return readyToMerge
	}

	if prev := meta.regionTree.Delete(source); prev == nil || prev.Id != source.Id {
		panic(fmt.Sprintf("%s meta corrupted: source %d not found in range index, got %v", d.tag(), source.Id, prev))
	}
	if bytes.Equal(region.EndKey, source.EndKey) {
		// The target was on the left, its old range ends at the start of the source.
		prev := meta.regionTree.Delete(&metapb.Region{EndKey: source.StartKey})
		if prev == nil || prev.Id != region.Id {
			panic(fmt.Sprintf("%s meta corrupted: prev %v", d.tag(), prev))
		}
	}
	if prev := meta.regionTree.Put(region); prev != nil && prev.Id != region.Id {
		panic(fmt.Sprintf("%s meta corrupted: prev %v", d.tag(), prev))
	}
	if _, ok := meta.regions[source.Id]; !ok {
		panic(fmt.Sprintf("%s source region %d is missing", d.tag(), source.Id))
	}
	delete(meta.regions, source.Id)
	meta.setRegion(region, d.peer)
	meta.updateRegionCount()
	metrics.MergeCounter.WithLabelValues("commit").Inc()

	// make approximate size and keys updated in time.
	// the reason why follower need to update is that there is a issue that after merge
	// and then transfer leader, the new leader may have stale size and keys.
	d.peer.SizeDiffHint = d.ctx.cfg.RegionSplitCheckDiff
	if d.peer.IsLeader() {
		log.S().Infof("%s notify pd with merge %s into %s", d.tag(), source, d.region())
		d.peer.HeartbeatPd(d.ctx.pdTaskSender)
	}
	if err := d.ctx.router.send(source.Id, NewPeerMsg(MsgTypeMergeResult, source.Id, &MsgMergeResult{
		TargetPeer: d.peer.Meta,
		Stale:      false,
	})); err != nil {
		panic(fmt.Sprintf("%s failed to notify source region %d: %v", d.tag(), source.Id, err))
	}
	return nil
}

// onReadyRollbackMerge handles the rollback of a merge.
//
// If commit is 0, the merge is rolled back by a snapshot; otherwise it's rolled
// back by a proposal, and it should be equal to the commit index of the previous
// PrepareMerge.
func (d *peerMsgHandler) onReadyRollbackMerge(commit uint64, region *metapb.Region) {
	pendingCommit := d.peer.PendingMergeState.GetCommit()
	if commit != 0 && pendingCommit != commit {
		panic(fmt.Sprintf("%s rollbacks a wrong merge: %d != %d", d.tag(), pendingCommit, commit))
	}
	d.peer.PendingMergeState = nil
	metrics.MergeCounter.WithLabelValues("rollback").Inc()

	meta := d.ctx.storeMeta
	meta.Lock()
	if region != nil {
		meta.setRegion(region, d.peer)
	}
	regionID := d.regionID()
	sourceVersion := d.region().GetRegionEpoch().GetVersion()
	if lock, ok := meta.mergeLocks[regionID]; ok {
		if lock.version > sourceVersion {
			if lock.readyToMerge == nil {
				meta.Unlock()
				panic(fmt.Sprintf("%s unexpected empty merge state at %d", d.tag(), lock.version))
			}
		} else {
			if lock.readyToMerge != nil {
				meta.Unlock()
				panic(fmt.Sprintf("%s rollback a commit merge state at %d", d.tag(), lock.version))
			}
			delete(meta.mergeLocks, regionID)
		}
	}
	meta.Unlock()

	if d.peer.IsLeader() {
		log.S().Infof("%s notify pd with rollback merge, commit index %d", d.tag(), commit)
		d.peer.HeartbeatPd(d.ctx.pdTaskSender)
	}
}

// validateMergePeer returns true if the target is ready for CommitMerge, false
// if it should be checked again later, and an error if the merge can't go on.
func (d *peerMsgHandler) validateMergePeer(target *metapb.Region) (bool, error) {
	regionID := target.GetId()
	d.ctx.storeMeta.Lock()
	exist := d.ctx.storeMeta.regions[regionID]
	d.ctx.storeMeta.Unlock()
	if exist != nil {
		existEpoch := exist.GetRegionEpoch()
		expectEpoch := target.GetRegionEpoch()
		if IsEpochStale(expectEpoch, existEpoch) {
			return false, errors.Errorf("target region changed %s -> %s", target, exist)
		}
		if IsEpochStale(existEpoch, expectEpoch) {
			log.S().Infof("%s target region still not catch up, skip, target %s, exist %s", d.tag(), target, exist)
			return false, nil
		}
		return true, nil
	}

	state := new(rspb.RegionLocalState)
	err := getMsg(d.ctx.engine.kv, RegionStateKey(regionID), state)
	if err == badger.ErrKeyNotFound {
		log.S().Infof("%s seems to merge into a new replica of region %d, let's wait", d.tag(), regionID)
		return false, nil
	}
	if err != nil {
		log.S().Errorf("%s failed to load region state of %d, ignore: %v", d.tag(), regionID, err)
		return false, nil
	}
	if state.State != rspb.PeerState_Tombstone {
		log.S().Infof("%s wait for region %d split", d.tag(), regionID)
		return false, nil
	}
	if state.GetRegion().GetRegionEpoch().GetConfVer() < target.GetRegionEpoch().GetConfVer() {
		log.S().Infof("%s seems to merge into a new replica of region %d, let's wait", d.tag(), regionID)
		return false, nil
	}
	return false, errors.Errorf("region %d is destroyed", regionID)
}

// scheduleMerge asks the target region to propose CommitMerge with the entries
// it may miss.
func (d *peerMsgHandler) scheduleMerge() error {
	failpoint.Inject("scheduleMerge", func() {
		failpoint.Return(nil)
	})
	state := d.peer.PendingMergeState
	target := state.GetTarget()
	ok, err := d.validateMergePeer(target)
	if err != nil {
		return err
	}
	if !ok {
		// Wait till next round.
		return nil
	}

	minIndex := d.peer.GetMinProgress() + 1
	low := minIndex
	if state.GetMinIndex() > low {
		low = state.GetMinIndex()
	}
	// > over >= to include the PrepareMerge proposal.
	var entries []*eraftpb.Entry
	if low <= state.GetCommit() {
		ents, err := d.peer.Store().Entries(low, state.GetCommit()+1, math.MaxUint64)
		if err != nil {
			panic(fmt.Sprintf("%s failed to load entries [%d, %d]: %v", d.tag(), low, state.GetCommit(), err))
		}
		entries = make([]*eraftpb.Entry, 0, len(ents))
		for i := range ents {
			entries = append(entries, fromRaftEntry(&ents[i]))
		}
	}

	targetPeer := findPeer(target, d.storeID())
	if targetPeer == nil {
		return errors.Errorf("target region %d has no peer on store %d", target.GetId(), d.storeID())
	}
	request := newAdminRequest(target.GetId(), targetPeer)
	request.Header.RegionEpoch = target.GetRegionEpoch()
	request.AdminRequest = &raft_cmdpb.AdminRequest{
		CmdType: raft_cmdpb.AdminCmdType_CommitMerge,
		CommitMerge: &raft_cmdpb.CommitMergeRequest{
			Source:  cloneRegion(d.region()),
			Commit:  state.GetCommit(),
			Entries: entries,
		},
	}
	// The unit of network isolation is store rather than peer. So a quorum stores of
	// source region should also be the quorum stores of target region.
	targetID := target.GetId()
	if err := d.ctx.router.send(targetID, NewPeerMsg(MsgTypeRaftCmd, targetID, &MsgRaftCmd{
		Request: request,
	})); err != nil {
		return &ErrRegionNotFound{RegionID: targetID}
	}
	return nil
}

func (d *peerMsgHandler) rollbackMerge() {
	state := d.peer.PendingMergeState
	request := newAdminRequest(d.regionID(), d.peer.Meta)
	request.Header.RegionEpoch = d.region().GetRegionEpoch()
	request.AdminRequest = &raft_cmdpb.AdminRequest{
		CmdType: raft_cmdpb.AdminCmdType_RollbackMerge,
		RollbackMerge: &raft_cmdpb.RollbackMergeRequest{
			Commit: state.GetCommit(),
		},
	}
	d.proposeRaftCommand(request, nil)
}

func (d *peerMsgHandler) onCheckMerge() {
	if d.stopped || d.peer.PendingMergeState == nil {
		return
	}
	d.ticker.schedule(PeerTickCheckMerge)
	if err := d.scheduleMerge(); err != nil {
		log.S().Infof("%s failed to schedule merge, rollback, err %v", d.tag(), err)
		d.rollbackMerge()
	}
}

// onMergeResult is called on the source peer after the target has committed
// the merge, or a snapshot of a merged target has overlapped it.
func (d *peerMsgHandler) onMergeResult(target *metapb.Peer, stale bool) {
	if state := d.peer.PendingMergeState; state != nil {
		exists := false
		for _, p := range state.GetTarget().GetPeers() {
			if PeerEqual(p, target) {
				exists = true
				break
			}
		}
		if !exists {
			panic(fmt.Sprintf("%s unexpected merge result: %s %s %v", d.tag(), state, target, stale))
		}
	}
	if !stale {
		log.S().Infof("%s merge finished, target %s", d.tag(), d.peer.PendingMergeState.GetTarget())
		metrics.MergeCounter.WithLabelValues("success").Inc()
		d.destroyPeer(true)
		return
	}
	d.onStaleMerge()
}

func (d *peerMsgHandler) onStaleMerge() {
	log.S().Infof("%s successful merge can't be continued, try to gc stale peer, merge state %s",
		d.tag(), d.peer.PendingMergeState)
	metrics.MergeCounter.WithLabelValues("stale").Inc()
	if job := d.peer.MaybeDestroy(); job != nil {
		d.handleDestroyPeer(job)
	}
}

// needGCMerge decides whether the source peer should destroy itself when it
// is told the merge was finished on other stores.
func (d *peerMsgHandler) needGCMerge(msg *rspb.RaftMessage) (bool, error) {
	mergeTarget := msg.GetMergeTarget()
	targetID := mergeTarget.GetId()
	regionID := d.regionID()
	log.S().Debugf("%s receive merge target %s", d.tag(), mergeTarget)

	// When receiving message that has a merge target, it indicates that the source peer on this
	// store is stale, the peers on other stores are already merged. The epoch in merge target
	// is the state of target peer at the time when source peer is merged. So here we record the
	// merge target epoch version to let the target peer on this store to decide whether to
	// destroy the source peer.
	meta := d.ctx.storeMeta
	meta.Lock()
	meta.targetsMap[regionID] = targetID
	targets, ok := meta.pendingMergeTargets[targetID]
	if !ok {
		targets = make(map[uint64]*metapb.RegionEpoch)
		meta.pendingMergeTargets[targetID] = targets
	}
	if epoch, ok := targets[regionID]; ok && epoch.GetVersion() != mergeTarget.GetRegionEpoch().GetVersion() {
		meta.Unlock()
		panic(fmt.Sprintf("conflict merge target epoch version %s %s", epoch, mergeTarget.GetRegionEpoch()))
	}
	targets[regionID] = mergeTarget.GetRegionEpoch()
	if r, ok := meta.regions[targetID]; ok {
		meta.Unlock()
		// The target may have moved on so that it can't find the source peer, e.g. it is
		// split after merge. The source peer destroys itself in that case.
		return r.GetRegionEpoch().GetVersion() > mergeTarget.GetRegionEpoch().GetVersion(), nil
	}
	meta.Unlock()

	// Check whether target peer is set to tombstone already.
	state := new(rspb.RegionLocalState)
	err := getMsg(d.ctx.engine.kv, RegionStateKey(targetID), state)
	if err != nil && err != badger.ErrKeyNotFound {
		return false, errors.Trace(err)
	}
	if err == nil && state.State == rspb.PeerState_Tombstone &&
		state.GetRegion().GetRegionEpoch().GetConfVer() >= mergeTarget.GetRegionEpoch().GetConfVer() {
		// Replica was destroyed.
		return true, nil
	}

	log.S().Infof("%s no replica of target region %d exists, check pd", d.tag(), targetID)
	// We can't know whether the peer is destroyed or not for sure locally, ask pd for help.
	targetPeer := findPeer(mergeTarget, d.storeID())
	if targetPeer == nil {
		return false, errors.Errorf("merge target %d has no peer on store %d", targetID, d.storeID())
	}
	mergeSource := regionID
	scheduleTask(d.ctx.pdTaskSender, task{
		tp: taskTypePDValidatePeer,
		data: &pdValidatePeerTask{
			region:      mergeTarget,
			peer:        targetPeer,
			mergeSource: &mergeSource,
		},
	}, "pd")
	return false, nil
}
