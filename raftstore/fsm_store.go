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
	"time"

	"github.com/ngaut/raftpeer/metrics"
	"github.com/ngaut/raftpeer/pd"
	"github.com/ngaut/raftpeer/regiontree"
	"github.com/pingcap/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/pdpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pingcap/log"
	"github.com/uber-go/atomic"
	"go.uber.org/zap"
)

const pendingVotesCap = 20

// storeMeta is the registry of the regions on this store, shared by every peer
// fsm. It must be accessed with the lock held, and the critical sections never
// do I/O.
type storeMeta struct {
	sync.Mutex

	// region end key -> region
	regionTree *regiontree.RegionTree
	// region_id -> region
	regions map[uint64]*metapb.Region
	// region_id -> reader
	readers map[uint64]*readDelegate
	// `MsgRequestPreVote` or `MsgRequestVote` messages from newly split Regions shouldn't be dropped if there is no
	// such Region in this store now. So the messages are recorded temporarily and will be handled later.
	pendingVotes []*rspb.RaftMessage
	// The regions with pending snapshots.
	pendingSnapshotRegions []*metapb.Region
	// A marker used to indicate the peer of a Region has received a merge target message and waits to be destroyed.
	// target_region_id -> (source_region_id -> merge_target_epoch)
	pendingMergeTargets map[uint64]map[uint64]*metapb.RegionEpoch
	// An inverse mapping of `pendingMergeTargets` used to let source peer help target peer to clean up related entry.
	// source_region_id -> target_region_id
	targetsMap map[uint64]uint64
	// `PrepareMerge` on the source and `CommitMerge` on the target are applied by
	// different fsms, the lock makes the target wait for its source.
	// source_region_id -> lock
	mergeLocks map[uint64]*mergeLock
	// A marker used to indicate if the peer of a region is going to apply a snapshot
	// with different range.
	// region_id -> snapshot region epoch
	pendingCrossSnap map[uint64]*metapb.RegionEpoch
}

func newStoreMeta() *storeMeta {
	return &storeMeta{
		regionTree:          regiontree.NewRegionTree(),
		regions:             map[uint64]*metapb.Region{},
		readers:             map[uint64]*readDelegate{},
		pendingMergeTargets: map[uint64]map[uint64]*metapb.RegionEpoch{},
		targetsMap:          map[uint64]uint64{},
		mergeLocks:          map[uint64]*mergeLock{},
		pendingCrossSnap:    map[uint64]*metapb.RegionEpoch{},
	}
}

// setRegion replaces the region of an existing peer.
func (m *storeMeta) setRegion(region *metapb.Region, peer *Peer) {
	prev := m.regions[region.Id]
	m.regions[region.Id] = region
	if prev == nil || prev.Id != region.Id {
		panic(fmt.Sprintf("%s region corrupted", peer.Tag))
	}
	peer.SetRegion(region)
	if reader, ok := m.readers[region.Id]; ok {
		reader.update(peer)
	}
}

func (m *storeMeta) pushPendingVote(msg *rspb.RaftMessage) {
	if len(m.pendingVotes) >= pendingVotesCap {
		m.pendingVotes[0] = nil
		m.pendingVotes = m.pendingVotes[1:]
	}
	m.pendingVotes = append(m.pendingVotes, msg)
}

// takePendingVote removes the first pending vote addressed to the peer.
func (m *storeMeta) takePendingVote(peer *metapb.Peer) *rspb.RaftMessage {
	for i, msg := range m.pendingVotes {
		if PeerEqual(msg.ToPeer, peer) {
			m.pendingVotes = append(m.pendingVotes[:i], m.pendingVotes[i+1:]...)
			return msg
		}
	}
	return nil
}

func (m *storeMeta) updateRegionCount() {
	metrics.RaftstoreRegionCount.WithLabelValues("region").Set(float64(len(m.regions)))
}

// readDelegate is a read-only view of a peer that serves leader lookups
// without going through the fsm.
type readDelegate struct {
	region   *metapb.Region
	peerID   uint64
	term     uint64
	leaderID uint64
}

func newReadDelegate(peer *Peer) *readDelegate {
	r := &readDelegate{}
	r.update(peer)
	return r
}

func (r *readDelegate) update(peer *Peer) {
	r.region = peer.Region()
	r.peerID = peer.PeerID()
	r.term = peer.Term()
	r.leaderID = peer.LeaderID()
}

// mergeLock is the rendezvous between the PrepareMerge of a source and the
// CommitMerge of its target. readyToMerge is nil when the source arrives first.
type mergeLock struct {
	version      uint64
	readyToMerge *atomic.Bool
}

// Transport sends raft messages to other stores.
type Transport interface {
	Send(msg *rspb.RaftMessage) error
}

// GlobalContext is shared by the raft workers and the store worker.
type GlobalContext struct {
	cfg        *Config
	engine     *Engines
	store      *metapb.Store
	storeMeta  *storeMeta
	snapMgr    *SnapManager
	router     *router
	trans      Transport
	pdClient   pd.Client
	applySched ApplyScheduler

	pdTaskSender          chan<- task
	regionTaskSender      chan<- task
	raftLogGCTaskSender   chan<- task
	splitCheckTaskSender  chan<- task
	computeHashTaskSender chan<- task
}

func (ctx *GlobalContext) storeID() uint64 {
	return ctx.store.Id
}

// RaftContext is owned by one raft worker, the write batches collect the
// ready states of its peers in a loop.
type RaftContext struct {
	*GlobalContext
	kvWB     *WriteBatch
	raftWB   *WriteBatch
	ReadyRes []*ReadyICPair

	// The regions whose snapshots are accepted in this loop, they are removed
	// from pendingSnapshotRegions once the loop is done.
	queuedSnapshot map[uint64]struct{}
}

func newRaftContext(ctx *GlobalContext) *RaftContext {
	return &RaftContext{
		GlobalContext:  ctx,
		kvWB:           new(WriteBatch),
		raftWB:         new(WriteBatch),
		queuedSnapshot: make(map[uint64]struct{}),
	}
}

// StoreContext is owned by the store worker.
type StoreContext struct {
	*GlobalContext
}

// handleStaleMsg tells the sender of a stale message to gc itself, or to
// check the merge target when targetRegion is set.
func handleStaleMsg(trans Transport, msg *rspb.RaftMessage, curEpoch *metapb.RegionEpoch,
	needGC bool, targetRegion *metapb.Region) {
	regionID := msg.RegionId
	fromPeer := msg.FromPeer
	toPeer := msg.ToPeer
	msgType := msg.Message.GetMsgType()

	if !needGC {
		log.S().Infof("[region %d] raft message %s is stale, current %v ignore it",
			regionID, msgType, curEpoch)
		metrics.RaftDroppedStaleMsg.Inc()
		return
	}
	gcMsg := &rspb.RaftMessage{
		RegionId:    regionID,
		FromPeer:    toPeer,
		ToPeer:      fromPeer,
		RegionEpoch: curEpoch,
	}
	if targetRegion != nil {
		gcMsg.MergeTarget = targetRegion
	} else {
		gcMsg.IsTombstone = true
	}
	if err := trans.Send(gcMsg); err != nil {
		log.S().Errorf("[region %d] send message failed %v", regionID, err)
	}
}

type storeFsm struct {
	id       uint64
	ticker   *ticker
	receiver <-chan Msg
	// region_id -> last consistency check time
	consistencyCheckTime map[uint64]time.Time
	startTime            time.Time
}

func newStoreFsm(cfg *Config) (chan<- Msg, *storeFsm) {
	ch := make(chan Msg, cfg.PeerMsgChanSize)
	fsm := &storeFsm{
		ticker:               newStoreTicker(cfg),
		receiver:             ch,
		consistencyCheckTime: map[uint64]time.Time{},
	}
	return ch, fsm
}

type storeMsgHandler struct {
	*storeFsm
	ctx *StoreContext
}

func newStoreFsmDelegate(store *storeFsm, ctx *StoreContext) *storeMsgHandler {
	return &storeMsgHandler{storeFsm: store, ctx: ctx}
}

func (d *storeMsgHandler) handleMsg(msg Msg) {
	switch msg.Type {
	case MsgTypeStoreRaftMessage:
		if err := d.onRaftMessage(msg.Data.(*rspb.RaftMessage)); err != nil {
			log.Error("handle raft message failed", zap.Uint64("store id", d.id), zap.Error(err))
		}
	case MsgTypeStoreTick:
		d.onTick(msg.Data.(StoreTick))
	case MsgTypeStoreStart:
		d.start(msg.Data.(*metapb.Store))
	case MsgTypeStoreClearRegionSizeInRange:
		data := msg.Data.(*MsgStoreClearRegionSizeInRange)
		d.clearRegionSizeInRange(data.StartKey, data.EndKey)
	}
}

func (d *storeMsgHandler) start(store *metapb.Store) {
	if d.id != 0 {
		panic(fmt.Sprintf("store %d unable to start again with meta %s", d.id, store))
	}
	d.id = store.Id
	d.startTime = time.Now()
	d.ticker.scheduleStore(StoreTickPdStoreHeartbeat)
	d.ticker.scheduleStore(StoreTickSnapGC)
	d.ticker.scheduleStore(StoreTickConsistencyCheck)
}

func (d *storeMsgHandler) onTick(tick StoreTick) {
	switch tick {
	case StoreTickPdStoreHeartbeat:
		d.onPDStoreHeartbeatTick()
	case StoreTickSnapGC:
		d.onSnapMgrGC()
	case StoreTickConsistencyCheck:
		d.onConsistencyCheckTick()
	}
}

// checkMsg checks the message addressed to a region that has no peer on this
// store. It returns true when the message is handled and can be dropped.
func (d *storeMsgHandler) checkMsg(msg *rspb.RaftMessage) (bool, error) {
	regionID := msg.GetRegionId()
	fromEpoch := msg.GetRegionEpoch()
	msgType := msg.GetMessage().GetMsgType()
	isVoteMsg := isVoteMessage(msg.GetMessage())
	fromStoreID := msg.GetFromPeer().GetStoreId()

	// Check if the target peer is tombstone.
	localState := new(rspb.RegionLocalState)
	if err := getMsg(d.ctx.engine.kv, RegionStateKey(regionID), localState); err != nil {
		if err == badger.ErrKeyNotFound {
			return false, nil
		}
		return false, err
	}
	if localState.State != rspb.PeerState_Tombstone {
		// Maybe split, but not registered yet.
		metrics.RaftDroppedRegionNonexistent.Inc()
		if isFirstVoteMessage(msg.GetMessage()) {
			meta := d.ctx.storeMeta
			meta.Lock()
			defer meta.Unlock()
			// Last check on whether target peer is created, otherwise, the
			// vote message will never be consumed.
			if _, ok := meta.regions[regionID]; ok {
				return false, nil
			}
			meta.pushPendingVote(msg)
			log.S().Infof("[region %d] doesn't exist yet, wait for it to be split", regionID)
			return true, nil
		}
		return false, errors.Errorf("[region %d] region not exist but not tombstone: %s", regionID, localState)
	}
	log.S().Debugf("[region %d] is in tombstone state: %s", regionID, localState)
	region := localState.GetRegion()
	regionEpoch := region.GetRegionEpoch()
	if localState.MergeState != nil {
		log.S().Infof("[region %d] merged peer receives a stale message %s, current epoch %s",
			regionID, msgType, regionEpoch)
		var mergeTarget *metapb.Region
		if peer := findPeer(region, fromStoreID); peer != nil {
			// Maybe the target is promoted from learner to voter, but the follower
			// doesn't know it. So we only compare peer id.
			if peer.Id != msg.GetFromPeer().GetId() {
				panic(fmt.Sprintf("[region %d] peer %d doesn't match %s", regionID, peer.Id, msg.GetFromPeer()))
			}
			// Let stale peer decides whether it should wait for merging or just remove itself.
			mergeTarget = localState.GetMergeState().GetTarget()
		}
		handleStaleMsg(d.ctx.trans, msg, regionEpoch, true, mergeTarget)
		return true, nil
	}
	// The region in this peer is already destroyed
	if IsEpochStale(fromEpoch, regionEpoch) {
		log.S().Infof("[region %d] tombstone peer receives a stale message %s, from epoch %s, current epoch %s",
			regionID, msgType, fromEpoch, regionEpoch)
		notExist := findPeer(region, fromStoreID) == nil
		handleStaleMsg(d.ctx.trans, msg, regionEpoch, isVoteMsg && notExist, nil)
		return true, nil
	}
	if fromEpoch.ConfVer == regionEpoch.ConfVer {
		metrics.RaftDroppedRegionTombstonePeer.Inc()
		return true, errors.Errorf("tombstone peer [epoch: %s] receive an invalid message %s, ignore it",
			regionEpoch, msgType)
	}
	return false, nil
}

func (d *storeMsgHandler) onRaftMessage(msg *rspb.RaftMessage) error {
	regionID := msg.RegionId
	if err := d.ctx.router.send(regionID, NewPeerMsg(MsgTypeRaftMessage, regionID, msg)); err == nil {
		return nil
	}
	log.S().Debugf("[region %d] handle raft message %s from %d to %d", regionID,
		msg.GetMessage().GetMsgType(), msg.GetFromPeer().GetId(), msg.GetToPeer().GetId())
	if msg.GetToPeer().GetStoreId() != d.ctx.storeID() {
		log.S().Warnf("[region %d] store not match, to store id %d, mine %d, ignore it",
			regionID, msg.GetToPeer().GetStoreId(), d.ctx.storeID())
		metrics.RaftDroppedMismatchStoreID.Inc()
		return nil
	}
	if msg.RegionEpoch == nil {
		log.S().Errorf("[region %d] missing epoch in raft message, ignore it", regionID)
		metrics.RaftDroppedMismatchRegionEpoch.Inc()
		return nil
	}
	if msg.IsTombstone || msg.MergeTarget != nil {
		// Target tombstone peer doesn't exist, so ignore it.
		return nil
	}
	handled, err := d.checkMsg(msg)
	if err != nil {
		return err
	}
	if handled {
		return nil
	}
	created, err := d.maybeCreatePeer(regionID, msg)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	_ = d.ctx.router.send(regionID, NewPeerMsg(MsgTypeRaftMessage, regionID, msg))
	return nil
}

// maybeCreatePeer creates the target peer if it doesn't exist. It returns false
// when the target peer is in an invalid state or can't be created.
func (d *storeMsgHandler) maybeCreatePeer(regionID uint64, msg *rspb.RaftMessage) (bool, error) {
	target := msg.GetToPeer()
	meta := d.ctx.storeMeta
	meta.Lock()
	defer meta.Unlock()
	if _, ok := meta.regions[regionID]; ok {
		return true, nil
	}
	if !isInitialMsg(msg.GetMessage()) {
		log.S().Debugf("[region %d] target peer %s doesn't exist, stale message %s",
			regionID, target, msg.GetMessage().GetMsgType())
		metrics.RaftDroppedStaleMsg.Inc()
		return false, nil
	}

	var regionsToDestroy []uint64
	var overlapped bool
	meta.regionTree.Iterate(msg.StartKey, msg.EndKey, func(existRegion *metapb.Region) bool {
		log.S().Debugf("[region %d] msg is overlapped with exist region %s", regionID, existRegion)
		if isFirstVoteMessage(msg.GetMessage()) {
			meta.pushPendingVote(msg)
		}
		// Make sure the range of region from msg is covered by existing regions.
		// If so, means that the region may be generated by some kinds of split
		// and merge by catching logs. So there is no need to accept a snapshot.
		if !isRangeCovered(meta.regionTree, msg.StartKey, msg.EndKey) &&
			maybeDestroySource(meta, regionID, existRegion.Id, msg.RegionEpoch) {
			regionsToDestroy = append(regionsToDestroy, existRegion.Id)
			return true
		}
		overlapped = true
		return false
	})
	if overlapped {
		metrics.RaftDroppedRegionOverlap.Inc()
		return false, nil
	}
	for _, id := range regionsToDestroy {
		_ = d.ctx.router.send(id, NewPeerMsg(MsgTypeMergeResult, id, &MsgMergeResult{
			TargetPeer: target,
			Stale:      true,
		}))
	}

	// New created peers should know it's learner or not.
	peer, err := replicatePeerFsm(d.ctx.storeID(), d.ctx.cfg, d.ctx.regionTaskSender, d.ctx.engine, regionID, target)
	if err != nil {
		return false, err
	}
	// following snapshot may overlap, should insert into regionTree after
	// snapshot is applied.
	meta.regions[regionID] = peer.region()
	meta.readers[regionID] = newReadDelegate(peer.peer)
	meta.updateRegionCount()
	d.ctx.router.register(peer)
	_ = d.ctx.router.send(regionID, NewPeerMsg(MsgTypeStart, regionID, nil))
	return true, nil
}

// isRangeCovered checks whether [startKey, endKey) is covered by the regions
// of the tree without any gap.
func isRangeCovered(tree *regiontree.RegionTree, startKey, endKey []byte) bool {
	covered := false
	next := startKey
	tree.Iterate(startKey, endKey, func(region *metapb.Region) bool {
		if bytes.Compare(region.StartKey, next) > 0 {
			return false
		}
		if len(region.EndKey) == 0 || (len(endKey) > 0 && bytes.Compare(region.EndKey, endKey) >= 0) {
			covered = true
			return false
		}
		next = region.EndKey
		return true
	})
	return covered
}

func (d *storeMsgHandler) onPDStoreHeartbeatTick() {
	d.storeHeartbeatPD()
	d.ticker.scheduleStore(StoreTickPdStoreHeartbeat)
}

func (d *storeMsgHandler) storeHeartbeatPD() {
	stats := new(pdpb.StoreStats)
	stats.StoreId = d.ctx.storeID()
	meta := d.ctx.storeMeta
	meta.Lock()
	stats.RegionCount = uint32(len(meta.regions))
	meta.Unlock()
	stats.StartTime = uint32(d.startTime.Unix())
	if scheduleTask(d.ctx.pdTaskSender, task{
		tp: taskTypePDStoreHeartbeat,
		data: &pdStoreHeartbeatTask{
			stats:    stats,
			capacity: d.ctx.cfg.Capacity,
		},
	}, "pd") {
		metrics.PDHeartbeatCounter.WithLabelValues("store").Inc()
	}
}

func (d *storeMsgHandler) onSnapMgrGC() {
	if err := d.handleSnapMgrGC(); err != nil {
		log.Error("handle gc snap failed", zap.Uint64("store id", d.id), zap.Error(err))
	}
	d.ticker.scheduleStore(StoreTickSnapGC)
}

// handleSnapMgrGC groups the idle snapshots by region and asks each peer to
// gc its own.
func (d *storeMsgHandler) handleSnapMgrGC() error {
	snapKeys, err := d.ctx.snapMgr.ListIdleSnap()
	if err != nil {
		return err
	}
	if len(snapKeys) == 0 {
		return nil
	}
	var (
		lastRegionID uint64
		keys         []SnapKeyWithSending
	)
	scheduleGCSnap := func(regionID uint64, snaps []SnapKeyWithSending) {
		log.S().Debugf("[region %d] schedule snap gc, store %d", regionID, d.id)
		gcSnap := NewPeerMsg(MsgTypeGcSnap, regionID, &MsgGCSnap{Snaps: snaps})
		if d.ctx.router.send(regionID, gcSnap) != nil {
			// The snapshot exists because MsgAppend has been rejected. So the
			// peer must have been exist. But now it's disconnected, so the peer
			// has to be destroyed instead of being created.
			log.S().Infof("[region %d] is disconnected, remove snaps %v", regionID, snaps)
			for _, snap := range snaps {
				d.ctx.snapMgr.DeleteSnapshot(snap.SnapKey, snap.IsSending)
			}
		}
	}
	for _, snapKey := range snapKeys {
		if lastRegionID == snapKey.SnapKey.RegionID {
			keys = append(keys, snapKey)
			continue
		}
		if len(keys) > 0 {
			scheduleGCSnap(lastRegionID, keys)
			keys = nil
		}
		lastRegionID = snapKey.SnapKey.RegionID
		keys = append(keys, snapKey)
	}
	if len(keys) > 0 {
		scheduleGCSnap(lastRegionID, keys)
	}
	return nil
}

// onConsistencyCheckTick proposes a ComputeHash to the region that has not
// been checked for the longest time.
func (d *storeMsgHandler) onConsistencyCheckTick() {
	d.ticker.scheduleStore(StoreTickConsistencyCheck)
	if len(d.ctx.computeHashTaskSender) > 0 {
		return
	}
	var (
		targetRegionID uint64
		oldest         = time.Now()
		targetPeer     *metapb.Peer
		targetRegion   *metapb.Region
	)
	meta := d.ctx.storeMeta
	meta.Lock()
	for regionID := range meta.regions {
		checkTime, ok := d.consistencyCheckTime[regionID]
		if !ok {
			targetRegionID = regionID
			break
		}
		if checkTime.Before(oldest) {
			oldest = checkTime
			targetRegionID = regionID
		}
	}
	if targetRegionID != 0 {
		targetRegion = cloneRegion(meta.regions[targetRegionID])
		targetPeer = findPeer(targetRegion, d.ctx.storeID())
	}
	meta.Unlock()
	if targetPeer == nil {
		return
	}
	log.S().Infof("[region %d] scheduling consistency check, store %d", targetRegionID, d.id)
	d.consistencyCheckTime[targetRegionID] = time.Now()
	_ = d.ctx.router.sendRaftCommand(&MsgRaftCmd{
		SendTime: time.Now(),
		Request:  newComputeHashRequest(targetRegion, targetPeer),
	})
}

// clearRegionSizeInRange asks the regions in [startKey, endKey] to forget
// their approximate size so it will be calculated again.
func (d *storeMsgHandler) clearRegionSizeInRange(startKey, endKey []byte) {
	var regions []uint64
	meta := d.ctx.storeMeta
	meta.Lock()
	meta.regionTree.Iterate(startKey, endKey, func(region *metapb.Region) bool {
		regions = append(regions, region.Id)
		return true
	})
	meta.Unlock()
	for _, regionID := range regions {
		_ = d.ctx.router.send(regionID, NewPeerMsg(MsgTypeClearRegionSize, regionID, nil))
	}
}
