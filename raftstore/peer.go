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
	"fmt"
	"math"
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
	"go.etcd.io/etcd/raft/raftpb"
	"go.etcd.io/etcd/raft/tracker"
)

// StaleState is the result of the leader missing check.
type StaleState int

const (
	StaleStateValid StaleState = 0 + iota
	StaleStateToValidate
	StaleStateLeaderMissing
)

// ReadyICPair is a ready whose states are staged in the write batches of the
// raft worker, waiting to be persisted.
type ReadyICPair struct {
	Ready raft.Ready
	IC    *InvokeContext
}

// ProposalContext flags the admin proposals the peer must remember until
// they are committed.
type ProposalContext byte

const (
	ProposalContext_Split        ProposalContext = 1 << 1
	ProposalContext_PrepareMerge ProposalContext = 1 << 2
)

func (c ProposalContext) contains(flag ProposalContext) bool {
	return byte(c)&byte(flag) != 0
}

func (c *ProposalContext) insert(flag ProposalContext) {
	*c |= flag
}

// ProposalMeta records where a proposal of this term was appended.
type ProposalMeta struct {
	Index uint64
	Term  uint64
	Ctx   ProposalContext
}

// ProposalQueue holds the metas of the proposals not committed yet, in index order.
type ProposalQueue struct {
	queue []*ProposalMeta
}

// Push appends a meta, its index must be larger than the last one.
func (q *ProposalQueue) Push(meta *ProposalMeta) {
	if l := len(q.queue); l > 0 && q.queue[l-1].Index >= meta.Index {
		panic(fmt.Sprintf("proposal index %d is not increasing after %d", meta.Index, q.queue[l-1].Index))
	}
	q.queue = append(q.queue, meta)
}

// Pop removes the metas up to the committed entry, and returns the meta of the entry.
func (q *ProposalQueue) Pop(term, index uint64) *ProposalMeta {
	for len(q.queue) > 0 {
		meta := q.queue[0]
		if meta.Term > term || (meta.Term == term && meta.Index > index) {
			return nil
		}
		q.queue[0] = nil
		q.queue = q.queue[1:]
		if meta.Term == term && meta.Index == index {
			return meta
		}
	}
	return nil
}

// Clear drops every meta.
func (q *ProposalQueue) Clear() {
	for i := range q.queue {
		q.queue[i] = nil
	}
	q.queue = q.queue[:0]
}

// PeerStat is the write statistic reported to PD.
type PeerStat struct {
	WrittenBytes uint64
	WrittenKeys  uint64
}

// WaitApplyResultState buffers the apply results behind a CommitMerge that
// waits for its source region.
type WaitApplyResultState struct {
	// The following apply results waiting to be handled, including the
	// CommitMerge. These will be handled once readyToMerge is true.
	results []*ApplyTaskRes
	// It is used by the target peer to check whether the apply result of
	// its source peer is in a ready state.
	readyToMerge *atomic.Bool
}

// RecentAddedPeer tracks the last added peer, it can't become the transferee
// of leader transfer for a while.
type RecentAddedPeer struct {
	RejectDuration time.Duration
	ID             uint64
	AddedTime      time.Time
}

// NewRecentAddedPeer creates a RecentAddedPeer.
func NewRecentAddedPeer(rejectDuration time.Duration) *RecentAddedPeer {
	return &RecentAddedPeer{RejectDuration: rejectDuration}
}

// Update records the peer.
func (r *RecentAddedPeer) Update(id uint64, now time.Time) {
	r.ID = id
	r.AddedTime = now
}

// Contains checks whether the peer was added recently.
func (r *RecentAddedPeer) Contains(id uint64) bool {
	if r.ID == id {
		return time.Since(r.AddedTime) < r.RejectDuration
	}
	return false
}

// ConsistencyState is used for consistency check.
type ConsistencyState struct {
	LastCheckTime time.Time
	// (computed_result_or_to_be_verified, index)
	Index uint64
	Hash  []byte
}

// DestroyPeerJob describes how a peer is going to be destroyed.
type DestroyPeerJob struct {
	Initialized bool
	AsyncRemove bool
	RegionID    uint64
	Peer        *metapb.Peer
}

// Peer is one replica of a region, it owns the raft core and the storage of the region.
type Peer struct {
	Meta      *metapb.Peer
	regionID  uint64
	RaftGroup RaftCore
	peerStore PeerStorage
	cfg       *Config

	proposals      ProposalQueue
	applyProposals []*Proposal

	pendingMessages  []raftpb.Message
	snapshotDeferred bool
	// The soft state taken with a ready whose snapshot was deferred.
	deferredSoftState *raft.SoftState

	pendingConfIndex uint64

	// Cache the peers information from other stores.
	// When we receive a raft message from other peer, we cache the peer information,
	// then when we want to send a raft message back, we can get the peer information
	// from the cache instead of looking it up from the region.
	peerCache map[uint64]*metapb.Peer
	// Record the last instant of each peer's heartbeat response.
	PeerHeartbeats map[uint64]time.Time

	// Record the instants of peers being added into the configuration.
	// Remove them after they are not pending any more.
	PeersStartPendingTime map[uint64]time.Time
	RecentAddedPeer       *RecentAddedPeer

	// An inaccurate difference in region size since last reset.
	SizeDiffHint uint64
	// An inaccurate difference in region size after compaction.
	// It is used to trigger check split to update approximate size and keys after space reclamation
	// of deleted entries.
	CompactionDeclinedBytes uint64
	// Approximate size of deleted keys.
	DeleteKeysHint uint64
	// Approximate size of the region.
	ApproximateSize *uint64
	// Approximate keys of the region.
	ApproximateKeys *uint64

	ConsistencyState *ConsistencyState

	Tag string

	// Index of last scheduled committed raft log.
	LastApplyingIdx  uint64
	LastCompactedIdx uint64
	// The index of the latest committed split command.
	lastCommittedSplitIdx uint64
	// The index of the latest committed prepare merge command.
	lastCommittedPrepareMergeIdx uint64
	// Approximate size of logs that is applied but not compacted yet.
	RaftLogSizeHint uint64

	PendingRemove bool

	// The state of the merge in progress, nil when not merging.
	PendingMergeState *rspb.MergeState
	// The apply results waiting for the source region of a CommitMerge.
	PendingMergeApplyResult *WaitApplyResultState

	leaderMissingTime *time.Time

	PeerStat PeerStat
}

// NewPeer creates a Peer over the storage of the region on this store.
func NewPeer(storeID uint64, cfg *Config, engines *Engines, region *metapb.Region, regionSched chan<- task,
	meta *metapb.Peer) (*Peer, error) {
	if meta.GetId() == InvalidID {
		return nil, errors.Errorf("invalid peer id")
	}
	tag := fmt.Sprintf("[region %v] %v", region.GetId(), meta.GetId())

	ps, err := NewPeerStorage(engines, region, regionSched, meta.GetId(), tag)
	if err != nil {
		return nil, err
	}

	appliedIndex := ps.AppliedIndex()
	raftGroup, err := newRaftCore(cfg, meta.GetId(), appliedIndex, ps)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	p := &Peer{
		Meta:                  meta,
		regionID:              region.GetId(),
		RaftGroup:             raftGroup,
		peerStore:             ps,
		cfg:                   cfg,
		peerCache:             make(map[uint64]*metapb.Peer),
		PeerHeartbeats:        make(map[uint64]time.Time),
		PeersStartPendingTime: make(map[uint64]time.Time),
		RecentAddedPeer:       NewRecentAddedPeer(cfg.RaftRejectTransferLeaderDuration),
		ConsistencyState: &ConsistencyState{
			LastCheckTime: now,
			Index:         RaftInvalidIndex,
		},
		leaderMissingTime: &now,
		Tag:               tag,
		LastApplyingIdx:   appliedIndex,
	}

	// If this region has only one peer and I am the one, campaign directly.
	if len(region.GetPeers()) == 1 && region.GetPeers()[0].GetStoreId() == storeID {
		if err = p.RaftGroup.Campaign(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Peer) insertPeerCache(peer *metapb.Peer) {
	p.peerCache[peer.GetId()] = peer
}

func (p *Peer) removePeerCache(peerID uint64) {
	delete(p.peerCache, peerID)
}

func (p *Peer) getPeerFromCache(peerID uint64) *metapb.Peer {
	if peer, ok := p.peerCache[peerID]; ok {
		return peer
	}
	if peer := findPeerByID(p.Region(), peerID); peer != nil {
		p.insertPeerCache(peer)
		return peer
	}
	return nil
}

// Activate registers the peer to the apply pipeline, it is called when the
// peer is created or a snapshot is persisted.
func (p *Peer) Activate(applySched ApplyScheduler) {
	applySched.ScheduleTask(p.regionID, &ApplyTask{
		Type:     ApplyTaskRegistration,
		RegionID: p.regionID,
		Registration: &ApplyRegistration{
			ID:               p.PeerID(),
			Term:             p.Term(),
			ApplyState:       p.Store().ApplyState(),
			AppliedIndexTerm: p.Store().AppliedIndexTerm(),
			Region:           cloneRegion(p.Region()),
		},
	})
}

func (p *Peer) nextProposalIndex() uint64 {
	return p.raftLastIndex() + 1
}

// raftLastIndex is the last index of the leader's log, including the entries
// not persisted yet.
func (p *Peer) raftLastIndex() uint64 {
	var last uint64
	p.RaftGroup.WithProgress(func(id uint64, _ raft.ProgressType, pr tracker.Progress) {
		if id == p.Meta.Id {
			last = pr.Match
		}
	})
	return last
}

// MaybeDestroy tries to mark the peer as pending remove. It returns nil when
// the peer can't be destroyed now.
func (p *Peer) MaybeDestroy() *DestroyPeerJob {
	if p.PendingRemove {
		log.S().Infof("%v is being destroyed, skip", p.Tag)
		return nil
	}
	initialized := p.Store().IsInitialized()
	asyncRemove := false
	if p.IsApplyingSnapshot() {
		if !p.Store().CancelApplyingSnap() {
			log.S().Infof("%v stale peer %v is applying snapshot, will destroy next time", p.Tag, p.PeerID())
			return nil
		}
		// There is no task in the apply pipeline for a peer applying snapshot.
		asyncRemove = false
	} else {
		asyncRemove = initialized
	}
	p.PendingRemove = true

	return &DestroyPeerJob{
		AsyncRemove: asyncRemove,
		Initialized: initialized,
		RegionID:    p.regionID,
		Peer:        p.Meta,
	}
}

// Destroy writes the tombstone state and clears the raft meta of the region.
// The data is kept when the region is merged by the target.
func (p *Peer) Destroy(engine *Engines, keepData bool) error {
	if p.IsApplyingSnapshot() {
		panic(fmt.Sprintf("%v can't destroy while applying snapshot", p.Tag))
	}
	start := time.Now()
	region := p.Region()
	log.S().Infof("%v begin to destroy", p.Tag)

	// Set Tombstone state explicitly
	kvWB := new(WriteBatch)
	raftWB := new(WriteBatch)
	if err := p.Store().ClearMeta(kvWB, raftWB); err != nil {
		return err
	}
	if err := WritePeerState(kvWB, region, rspb.PeerState_Tombstone, p.PendingMergeState); err != nil {
		return err
	}
	// write kv badger first in case of restart happen between two write
	if err := engine.WriteKV(kvWB); err != nil {
		return err
	}
	if err := engine.WriteRaft(raftWB); err != nil {
		return err
	}

	if p.Store().IsInitialized() && !keepData {
		// If we meet panic when deleting data and raft log, the dirty data
		// will be cleared by a newer snapshot applying or restart.
		p.Store().ClearData()
	}

	for _, prop := range p.applyProposals {
		NotifyReqRegionRemoved(region.Id, prop.Cb)
	}
	p.applyProposals = nil

	log.S().Infof("%v destroy itself, takes %v", p.Tag, time.Since(start))
	return nil
}

func (p *Peer) isInitialized() bool {
	return p.Store().IsInitialized()
}

// Region returns the region of the peer.
func (p *Peer) Region() *metapb.Region {
	return p.Store().Region()
}

// SetRegion sets the region of the peer.
//
// This will update the region of the peer, caller must ensure the region
// has been preserved in a durable device.
func (p *Peer) SetRegion(region *metapb.Region) {
	p.Store().SetRegion(region)
}

// PeerID returns the id of the peer.
func (p *Peer) PeerID() uint64 {
	return p.Meta.GetId()
}

// LeaderID returns the id of the leader known by the raft core.
func (p *Peer) LeaderID() uint64 {
	return p.RaftGroup.BasicStatus().Lead
}

// IsLeader checks whether the peer is the leader.
func (p *Peer) IsLeader() bool {
	return p.RaftGroup.BasicStatus().RaftState == raft.StateLeader
}

// Term returns the current term.
func (p *Peer) Term() uint64 {
	return p.RaftGroup.BasicStatus().Term
}

// Store returns the storage of the peer.
func (p *Peer) Store() PeerStorage {
	return p.peerStore
}

// IsApplyingSnapshot checks whether a snapshot is being applied by the region worker.
func (p *Peer) IsApplyingSnapshot() bool {
	return p.Store().IsApplyingSnapshot()
}

// HasPendingSnapshot returns whether a snapshot is waiting to be persisted.
func (p *Peer) HasPendingSnapshot() bool {
	return p.snapshotDeferred
}

// ReadyToHandlePendingSnap checks whether every scheduled committed entry has been applied.
func (p *Peer) ReadyToHandlePendingSnap() bool {
	// If apply worker is still working, written apply state may be overwritten
	// by apply worker. So we have to wait here.
	return p.LastApplyingIdx == p.Store().AppliedIndex()
}

func (p *Peer) isSplitting() bool {
	return p.lastCommittedSplitIdx > p.Store().AppliedIndex()
}

func (p *Peer) isMerging() bool {
	return p.lastCommittedPrepareMergeIdx > p.Store().AppliedIndex() || p.PendingMergeState != nil
}

// Step feeds an inbound raft message to the raft core.
func (p *Peer) Step(m *eraftpb.Message) error {
	if p.IsLeader() && m.GetFrom() != InvalidID {
		p.PeerHeartbeats[m.GetFrom()] = time.Now()
		// As the leader we know we are not missing.
		p.leaderMissingTime = nil
	} else if m.GetFrom() == p.LeaderID() {
		// As another role know we're not missing.
		p.leaderMissingTime = nil
	}
	return p.RaftGroup.Step(toRaftMessage(m))
}

// CheckPeers checks and updates PeerHeartbeats for the peer.
func (p *Peer) CheckPeers() {
	if !p.IsLeader() {
		if len(p.PeerHeartbeats) > 0 {
			p.PeerHeartbeats = make(map[uint64]time.Time)
		}
		return
	}
	if len(p.PeerHeartbeats) == len(p.Region().GetPeers()) {
		return
	}

	// Insert heartbeats in case that some peers never respond heartbeats.
	now := time.Now()
	for _, peer := range p.Region().GetPeers() {
		if _, ok := p.PeerHeartbeats[peer.GetId()]; !ok {
			p.PeerHeartbeats[peer.GetId()] = now
		}
	}
}

// CollectDownPeers collects the peers not responding for longer than maxDuration.
func (p *Peer) CollectDownPeers(maxDuration time.Duration) []*pdpb.PeerStats {
	downPeers := make([]*pdpb.PeerStats, 0)
	for _, peer := range p.Region().GetPeers() {
		if peer.GetId() == p.Meta.GetId() {
			continue
		}
		if hb, ok := p.PeerHeartbeats[peer.GetId()]; ok {
			if elapsed := time.Since(hb); elapsed > maxDuration {
				downPeers = append(downPeers, &pdpb.PeerStats{
					Peer:        peer,
					DownSeconds: uint64(elapsed.Seconds()),
				})
			}
		}
	}
	return downPeers
}

// CollectPendingPeers returns the peers whose matched index is behind the
// truncated index, they can only catch up by snapshot.
func (p *Peer) CollectPendingPeers() []*metapb.Peer {
	pendingPeers := make([]*metapb.Peer, 0)
	truncatedIdx := p.Store().TruncatedIndex()
	p.RaftGroup.WithProgress(func(id uint64, _ raft.ProgressType, pr tracker.Progress) {
		if id == p.Meta.GetId() || pr.Match >= truncatedIdx {
			return
		}
		if peer := p.getPeerFromCache(id); peer != nil {
			pendingPeers = append(pendingPeers, peer)
			if _, ok := p.PeersStartPendingTime[id]; !ok {
				log.S().Debugf("%v peer %v start pending at %v", p.Tag, id, time.Now())
				p.PeersStartPendingTime[id] = time.Now()
			}
		}
	})
	return pendingPeers
}

func (p *Peer) clearPeersStartPendingTime() {
	for id := range p.PeersStartPendingTime {
		delete(p.PeersStartPendingTime, id)
	}
}

// AnyNewPeerCatchUp returns true if the pending peer has caught up with the leader.
func (p *Peer) AnyNewPeerCatchUp(peerID uint64) bool {
	if len(p.PeersStartPendingTime) == 0 {
		return false
	}
	if !p.IsLeader() {
		p.clearPeersStartPendingTime()
		return false
	}
	startPendingTime, ok := p.PeersStartPendingTime[peerID]
	if !ok {
		return false
	}
	truncatedIdx := p.Store().TruncatedIndex()
	caughtUp := false
	p.RaftGroup.WithProgress(func(id uint64, _ raft.ProgressType, pr tracker.Progress) {
		if id == peerID && pr.Match >= truncatedIdx {
			caughtUp = true
		}
	})
	if !caughtUp {
		return false
	}
	delete(p.PeersStartPendingTime, peerID)
	log.S().Debugf("%v peer %v has caught up logs, elapsed: %v", p.Tag, peerID, time.Since(startPendingTime))
	return true
}

// CheckStaleState checks how long the leader has been missing.
func (p *Peer) CheckStaleState(cfg *Config) StaleState {
	if p.IsLeader() {
		// Leaders always have valid state.
		//
		// We update the leader_missing_time in the `func Step`. However one peer region
		// does not send any raft messages, so we have to check and update it before
		// reporting stale states.
		p.leaderMissingTime = nil
		return StaleStateValid
	}
	naivePeer := !p.isInitialized() || isLearner(p.Meta)
	// Updates the `leader_missing_time` according to the current state.
	//
	// If we are checking this it means we suspect the leader might be missing.
	// Mark down the time when we are called, so we can check later if it's been longer than it
	// should be.
	if p.leaderMissingTime == nil {
		now := time.Now()
		p.leaderMissingTime = &now
		return StaleStateValid
	}
	elapsed := time.Since(*p.leaderMissingTime)
	if elapsed >= cfg.MaxLeaderMissingDuration {
		// Resets the `leader_missing_time` to avoid sending the same tasks to
		// PD worker continuously during the leader missing timeout.
		now := time.Now()
		p.leaderMissingTime = &now
		return StaleStateToValidate
	}
	if elapsed >= cfg.AbnormalLeaderMissingDuration && !naivePeer {
		// A peer is considered as in the leader missing state
		// if it's initialized but is isolated from its leader or
		// something bad happens that the raft group can not elect a leader.
		return StaleStateLeaderMissing
	}
	return StaleStateValid
}

func (p *Peer) onRoleChanged(ctx *RaftContext, ss *raft.SoftState) {
	if ss.RaftState == raft.StateLeader {
		// The local read can only be performed after a new leader has applied
		// the first empty entry on its term.
		p.leaderMissingTime = nil
		// A conf change is not allowed until the entries of previous terms are applied.
		p.pendingConfIndex = p.raftLastIndex()
		p.HeartbeatPd(ctx.pdTaskSender)
	} else if ss.RaftState == raft.StateFollower {
		p.proposals.Clear()
	}
	ctx.storeMeta.Lock()
	if reader, ok := ctx.storeMeta.readers[p.regionID]; ok {
		reader.update(p)
	}
	ctx.storeMeta.Unlock()
}

// HandleRaftReadyAppend takes the ready from the raft core and stages its
// states into the write batches of the context.
func (p *Peer) HandleRaftReadyAppend(ctx *RaftContext) *ReadyICPair {
	if p.PendingRemove {
		return nil
	}
	if p.Store().CheckApplyingSnap() {
		// If we continue to handle all the messages, it may cause too many messages because
		// leader will send all the remaining messages to this follower, which can lead
		// to full message queue under high load.
		log.S().Debugf("%v still applying snapshot, skip further handling", p.Tag)
		return nil
	}

	// The messages of a deferred snapshot ready wait until the snapshot is persisted.
	if len(p.pendingMessages) > 0 && !p.snapshotDeferred {
		messages := p.pendingMessages
		p.pendingMessages = nil
		p.Send(ctx.trans, messages)
	}

	if !p.RaftGroup.HasReady() {
		return nil
	}

	metrics.RaftReadyHandled.WithLabelValues("ready").Inc()
	rd := p.RaftGroup.Ready()
	if !raft.IsEmptySnap(rd.Snapshot) && !p.ReadyToHandlePendingSnap() {
		// The snapshot is delivered again by the next ready since the raft core is not advanced.
		log.S().Infof("%v [apply_id: %v, last_applying_idx: %v] is not ready to apply snapshot",
			p.Tag, p.Store().AppliedIndex(), p.LastApplyingIdx)
		p.pendingMessages = append(p.pendingMessages, rd.Messages...)
		if rd.SoftState != nil {
			p.deferredSoftState = rd.SoftState
		}
		p.snapshotDeferred = true
		return nil
	}
	if p.snapshotDeferred {
		rd.Messages = append(p.pendingMessages, rd.Messages...)
		p.pendingMessages = nil
		if rd.SoftState == nil {
			rd.SoftState = p.deferredSoftState
		}
		p.deferredSoftState = nil
		p.snapshotDeferred = false
	}

	if rd.SoftState != nil {
		p.onRoleChanged(ctx, rd.SoftState)
	}

	// The leader can write to disk and replicate to the followers concurrently
	// For more details, check raft thesis 10.2.1.
	if p.IsLeader() {
		p.Send(ctx.trans, rd.Messages)
		rd.Messages = nil
	}

	if !raft.IsEmptySnap(rd.Snapshot) {
		metrics.RaftReadyHandled.WithLabelValues("snapshot").Inc()
	}
	if len(rd.Entries) > 0 {
		metrics.RaftReadyHandled.WithLabelValues("append").Inc()
	}

	invokeCtx, err := p.Store().SaveReadyState(ctx.kvWB, ctx.raftWB, &rd)
	if err != nil {
		panic(fmt.Sprintf("failed to handle raft ready, error: %v", err))
	}
	return &ReadyICPair{Ready: rd, IC: invokeCtx}
}

// PostRaftReadyAppend updates the memory states after the write batches are
// persisted, it returns the result when a snapshot is persisted.
func (p *Peer) PostRaftReadyAppend(ctx *RaftContext, ready *raft.Ready, invokeCtx *InvokeContext) *ApplySnapResult {
	if invokeCtx.hasSnapshot() {
		// When apply snapshot, there is no log applied and not compacted yet.
		p.RaftLogSizeHint = 0
	}

	applySnapResult := p.Store().PostReadyPersisted(invokeCtx)
	if applySnapResult != nil && isLearner(p.Meta) {
		// The peer may be promoted from learner to voter after snapshot applied.
		if peer := findPeerByID(p.Region(), p.Meta.GetId()); peer != nil && !PeerEqual(peer, p.Meta) {
			p.Meta = peer
		}
	}

	if !p.IsLeader() {
		if p.IsApplyingSnapshot() {
			p.pendingMessages = ready.Messages
		} else {
			p.Send(ctx.trans, ready.Messages)
		}
		ready.Messages = nil
	}

	if applySnapResult != nil {
		p.Activate(ctx.applySched)
	}
	return applySnapResult
}

// HandleRaftReadyApply hands the committed entries to the apply pipeline and
// advances the raft core.
func (p *Peer) HandleRaftReadyApply(ctx *RaftContext, ready *raft.Ready) {
	// Call `HandleRaftReadyApply` after `HandleRaftReadyAppend` to ensure the
	// snapshot state is updated.
	if p.IsApplyingSnapshot() {
		// Snapshot's metadata has been applied.
		p.LastApplyingIdx = p.Store().TruncatedIndex()
	} else {
		committedEntries := ready.CommittedEntries
		leader := p.IsLeader()
		if !leader {
			p.proposals.Clear()
		}
		for i := range committedEntries {
			entry := &committedEntries[i]
			// raft meta is very small, can be ignored.
			p.RaftLogSizeHint += uint64(len(entry.Data))
			if !leader {
				continue
			}
			meta := p.proposals.Pop(entry.Term, entry.Index)
			if meta == nil {
				continue
			}
			if meta.Ctx.contains(ProposalContext_Split) {
				p.lastCommittedSplitIdx = entry.Index
			}
			if meta.Ctx.contains(ProposalContext_PrepareMerge) {
				p.lastCommittedPrepareMergeIdx = entry.Index
			}
		}
		if l := len(committedEntries); l > 0 {
			p.LastApplyingIdx = committedEntries[l-1].Index
			entries := make([]*eraftpb.Entry, 0, l)
			for i := range committedEntries {
				entries = append(entries, fromRaftEntry(&committedEntries[i]))
			}
			ctx.applySched.ScheduleTask(p.regionID, &ApplyTask{
				Type:     ApplyTaskApply,
				RegionID: p.regionID,
				Apply: &ApplyCommitted{
					PeerID:   p.PeerID(),
					RegionID: p.regionID,
					Term:     p.Term(),
					Entries:  entries,
				},
			})
		}
	}
	p.RaftGroup.Advance(*ready)
}

// TakeApplyProposals returns the proposals waiting to be handed to the apply pipeline.
func (p *Peer) TakeApplyProposals() *RegionProposal {
	if len(p.applyProposals) == 0 {
		return nil
	}
	props := p.applyProposals
	p.applyProposals = nil
	return &RegionProposal{
		ID:       p.PeerID(),
		RegionID: p.regionID,
		Props:    props,
	}
}

// PostApply updates the states after committed entries are applied, it
// returns whether the pending snapshot can be handled now.
func (p *Peer) PostApply(res *ApplyResult) bool {
	if p.IsApplyingSnapshot() {
		panic(fmt.Sprintf("%v should not applying snapshot", p.Tag))
	}
	p.Store().PostApply(res.ApplyState, res.AppliedIndexTerm)

	p.PeerStat.WrittenBytes += res.Metrics.WrittenBytes
	p.PeerStat.WrittenKeys += res.Metrics.WrittenKeys
	p.DeleteKeysHint += res.Metrics.DeleteKeysHint
	diff := int64(p.SizeDiffHint) + res.Metrics.SizeDiffHint
	if diff < 0 {
		diff = 0
	}
	p.SizeDiffHint = uint64(diff)

	return p.HasPendingSnapshot() && p.ReadyToHandlePendingSnap()
}

// PostSplit resets the hints after the region is split.
func (p *Peer) PostSplit() {
	// Reset delete_keys_hint and size_diff_hint.
	p.DeleteKeysHint = 0
	p.SizeDiffHint = 0
}

// MaybeCampaign campaigns for the new region created by split, if the parent was leader.
func (p *Peer) MaybeCampaign(parentIsLeader bool) bool {
	// The peer campaigned when it was created, no need to do it again.
	if len(p.Region().GetPeers()) <= 1 || !parentIsLeader {
		return false
	}

	// If last peer is the leader of the region before split, it's intuitional for
	// it to become the leader of new split region.
	if err := p.RaftGroup.Campaign(); err != nil {
		log.S().Warnf("%v failed to campaign: %v", p.Tag, err)
		return false
	}
	return true
}

// HeartbeatPd reports the region to PD, only the leader does it.
func (p *Peer) HeartbeatPd(pdScheduler chan<- task) {
	if !p.IsLeader() {
		return
	}
	scheduleTask(pdScheduler, task{
		tp: taskTypePDHeartbeat,
		data: &pdRegionHeartbeatTask{
			region:          cloneRegion(p.Region()),
			peer:            p.Meta,
			downPeers:       p.CollectDownPeers(p.cfg.MaxPeerDownDuration),
			pendingPeers:    p.CollectPendingPeers(),
			writtenBytes:    p.PeerStat.WrittenBytes,
			writtenKeys:     p.PeerStat.WrittenKeys,
			approximateSize: p.ApproximateSize,
			approximateKeys: p.ApproximateKeys,
		},
	}, "pd")
	metrics.PDHeartbeatCounter.WithLabelValues("region").Inc()
}

// Send sends the raft messages through the transport.
func (p *Peer) Send(trans Transport, msgs []raftpb.Message) {
	for i := range msgs {
		msg := &msgs[i]
		msgType := msg.Type
		err := p.sendRaftMessage(msg, trans)
		if err != nil {
			log.S().Debugf("%v send message err: %v", p.Tag, err)
			p.RaftGroup.ReportUnreachable(msg.To)
			if msgType == raftpb.MsgSnap {
				p.RaftGroup.ReportSnapshot(msg.To, raft.SnapshotFailure)
			}
			continue
		}
		metrics.RaftSentMessages.WithLabelValues(msgType.String()).Inc()
	}
}

func (p *Peer) sendRaftMessage(msg *raftpb.Message, trans Transport) error {
	sendMsg := &rspb.RaftMessage{
		RegionId:    p.regionID,
		RegionEpoch: cloneRegion(p.Region()).RegionEpoch,
		FromPeer:    p.Meta,
	}

	toPeer := p.getPeerFromCache(msg.To)
	if toPeer == nil {
		return errors.Errorf("failed to lookup recipient peer %v in region %v", msg.To, p.regionID)
	}
	log.S().Debugf("%v send raft msg %v from %v to %v", p.Tag, msg.Type, msg.From, msg.To)
	sendMsg.ToPeer = toPeer

	eMsg := fromRaftMessage(msg)
	// There could be two cases:
	// 1. Target peer already exists but has not established communication with leader yet
	// 2. Target peer is added newly due to member change or region split, but it's not
	//    created yet
	// For both cases the region start key and end key are attached in RequestVote and
	// Heartbeat message for the store of that peer to check whether to create a new peer
	// when receiving these messages, or just to wait for a pending region split to perform
	// later.
	if p.isInitialized() && isInitialMsg(eMsg) {
		sendMsg.StartKey = append([]byte{}, p.Region().StartKey...)
		sendMsg.EndKey = append([]byte{}, p.Region().EndKey...)
	}
	sendMsg.Message = eMsg
	return trans.Send(sendMsg)
}

// Propose proposes the request to the raft group. The callback is invoked
// with an error response when the proposal is rejected, the return value
// tells whether a ready should be produced.
func (p *Peer) Propose(ctx *RaftContext, cb *Callback, req *raft_cmdpb.RaftCmdRequest, errResp *raft_cmdpb.RaftCmdResponse) bool {
	if p.PendingRemove {
		NotifyReqRegionRemoved(p.regionID, cb)
		return false
	}

	metrics.ProposalCounter.WithLabelValues("all").Inc()

	isConfChange := false
	var idx uint64
	var err error
	switch {
	case getChangePeerCmd(req) != nil:
		isConfChange = true
		metrics.ProposalCounter.WithLabelValues("conf_change").Inc()
		idx, err = p.ProposeConfChange(ctx.cfg, req)
	case getTransferLeaderCmd(req) != nil:
		metrics.ProposalCounter.WithLabelValues("transfer_leader").Inc()
		return p.ProposeTransferLeader(ctx.cfg, req, cb)
	default:
		metrics.ProposalCounter.WithLabelValues("normal").Inc()
		idx, err = p.ProposeNormal(ctx.cfg, req)
	}

	if err != nil {
		BindRespError(errResp, err)
		cb.Done(errResp)
		return false
	}

	p.PostPropose(idx, p.Term(), isConfChange, cb)
	return true
}

// PostPropose queues the callback of an accepted proposal.
func (p *Peer) PostPropose(index, term uint64, isConfChange bool, cb *Callback) {
	p.applyProposals = append(p.applyProposals, &Proposal{
		IsConfChange: isConfChange,
		Index:        index,
		Term:         term,
		Cb:           cb,
	})
}

// countHealthyNode counts the nodes whose matched index is not behind the truncated index.
func (p *Peer) countHealthyNode(progress map[uint64]tracker.Progress) int {
	healthy := 0
	for _, pr := range progress {
		if pr.Match >= p.Store().TruncatedIndex() {
			healthy++
		}
	}
	return healthy
}

// Quorum returns the majority of the voters.
func Quorum(total int) int {
	return total/2 + 1
}

// checkConfChange validates a conf change: the changed peer must have a
// proper role, the leader must not remove itself unless allowed, and the
// group must keep a healthy quorum.
func (p *Peer) checkConfChange(cfg *Config, cmd *raft_cmdpb.RaftCmdRequest) error {
	changePeer := getChangePeerCmd(cmd)
	changeType := changePeer.GetChangeType()
	peer := changePeer.GetPeer()

	switch changeType {
	case eraftpb.ConfChangeType_AddNode:
		if isLearner(peer) {
			return errors.Errorf("%v invalid conf change request %v, can not add a learner as voter", p.Tag, changePeer)
		}
	case eraftpb.ConfChangeType_AddLearnerNode:
		if !isLearner(peer) {
			return errors.Errorf("%v invalid conf change request %v, can not add a voter as learner", p.Tag, changePeer)
		}
	case eraftpb.ConfChangeType_RemoveNode:
		if peer.GetId() == p.PeerID() && p.IsLeader() && !cfg.AllowRemoveLeader {
			return errors.Errorf("%v ignore remove leader", p.Tag)
		}
	}

	// Check whether it's safe to propose the specified conf change request.
	// It's safe iff at least the quorum of the Raft group is still healthy
	// right after that conf change is applied.
	// Define the total number of nodes in current Raft cluster to be `total`.
	// To ensure the above safety, if the cmd is
	// 1. A `AddNode` request
	//    Then at least '(total + 1)/2 + 1' nodes need to be up to date for now.
	// 2. A `RemoveNode` request
	//    Then at least '(total - 1)/2 + 1' other nodes (the node about to be removed is excluded)
	//    need to be up to date for now. If 'allow_remove_leader' is false then
	//    the peer to be removed should not be the leader.
	status := p.RaftGroup.Status()
	total := len(status.Progress)
	if total == 1 {
		// It's always safe if there is only one node in the cluster.
		return nil
	}
	progress := make(map[uint64]tracker.Progress, total)
	for id, pr := range status.Progress {
		if !pr.IsLearner {
			progress[id] = pr
		}
	}

	switch changeType {
	case eraftpb.ConfChangeType_AddNode:
		if pr, ok := status.Progress[peer.GetId()]; ok {
			pr.IsLearner = false
			progress[peer.GetId()] = pr
		} else {
			progress[peer.GetId()] = tracker.Progress{}
		}
	case eraftpb.ConfChangeType_RemoveNode:
		if isLearner(peer) {
			// A learner can be removed directly.
			return nil
		}
		if _, ok := progress[peer.GetId()]; !ok {
			return nil
		}
		// It's always safe to remove a unhealthy node.
		delete(progress, peer.GetId())
	case eraftpb.ConfChangeType_AddLearnerNode:
		return nil
	}

	healthy := p.countHealthyNode(progress)
	quorumAfterChange := Quorum(len(progress))
	if healthy >= quorumAfterChange {
		return nil
	}

	log.S().Infof("%v rejects unsafe conf change request %v, total %v, healthy %v, quorum after change %v",
		p.Tag, changePeer, total, healthy, quorumAfterChange)

	metrics.RaftInvalidProposal.WithLabelValues("unsafe_conf_change").Inc()
	return errors.Errorf("unsafe to perform conf change %v, total %v, healthy %v, quorum after change %v",
		changePeer, total, healthy, quorumAfterChange)
}

func (p *Peer) transferLeader(peer *metapb.Peer) {
	log.S().Infof("%v transfer leader to %v", p.Tag, peer)

	p.RaftGroup.TransferLeader(peer.GetId())
}

func (p *Peer) readyToTransferLeader(cfg *Config, peer *metapb.Peer) bool {
	peerID := peer.GetId()
	var (
		found        bool
		match        uint64
		snapshotting bool
	)
	p.RaftGroup.WithProgress(func(id uint64, _ raft.ProgressType, pr tracker.Progress) {
		if pr.State == tracker.StateSnapshot {
			snapshotting = true
		}
		if id == peerID {
			found = true
			match = pr.Match
		}
	})
	if !found || snapshotting {
		return false
	}
	if p.RecentAddedPeer.Contains(peerID) {
		log.S().Debugf("%v reject transfer leader to %v due to the peer was added recently", p.Tag, peer)
		return false
	}
	lastIndex := p.raftLastIndex()
	return lastIndex <= match+cfg.LeaderTransferMaxLogLag
}

// GetMinProgress returns the smallest matched index of the group.
func (p *Peer) GetMinProgress() uint64 {
	var minMatch uint64
	first := true
	p.RaftGroup.WithProgress(func(_ uint64, _ raft.ProgressType, pr tracker.Progress) {
		if first || pr.Match < minMatch {
			minMatch = pr.Match
			first = false
		}
	})
	return minMatch
}

func (p *Peer) preProposePrepareMerge(cfg *Config, req *raft_cmdpb.RaftCmdRequest) error {
	lastIndex := p.raftLastIndex()
	minProgress := p.GetMinProgress()
	minIndex := minProgress + 1
	if minProgress == 0 || lastIndex-minProgress > cfg.MergeMaxLogGap {
		return errors.Errorf("log gap (%v, %v] is too large, skip merge", minProgress, lastIndex)
	}

	var entrySize uint64
	storeLast, err := p.Store().LastIndex()
	if err != nil {
		return err
	}
	if minIndex <= storeLast {
		entries, err := p.Store().Entries(minIndex, storeLast+1, math.MaxUint64)
		if err != nil {
			return errors.Errorf("failed to read log gap (%v, %v]: %v", minProgress, storeLast, err)
		}
		for i := range entries {
			entry := &entries[i]
			entrySize += uint64(len(entry.Data))
			if entry.Type == raftpb.EntryConfChange || entry.Type == raftpb.EntryConfChangeV2 {
				return errors.Errorf("log gap contains conf change, skip merging")
			}
			if len(entry.Data) == 0 {
				continue
			}
			cmd := new(raft_cmdpb.RaftCmdRequest)
			if err = cmd.Unmarshal(entry.Data); err != nil {
				panic(fmt.Sprintf("%v data is corrupted at %v, error: %v", p.Tag, entry.Index, err))
			}
			if cmd.AdminRequest == nil {
				continue
			}
			switch cmd.AdminRequest.CmdType {
			case raft_cmdpb.AdminCmdType_TransferLeader, raft_cmdpb.AdminCmdType_ComputeHash,
				raft_cmdpb.AdminCmdType_VerifyHash, raft_cmdpb.AdminCmdType_InvalidAdmin:
				continue
			}
			return errors.Errorf("log gap contains admin request %v, skip merging", cmd.AdminRequest.CmdType)
		}
	}

	if float64(entrySize) > float64(cfg.RaftEntryMaxSize)*0.9 {
		return errors.Errorf("log gap size exceed entry size limit, skip merging")
	}
	req.AdminRequest.PrepareMerge.MinIndex = minIndex
	return nil
}

// PrePropose checks the request and returns the context to remember until
// the proposal is committed.
func (p *Peer) PrePropose(cfg *Config, req *raft_cmdpb.RaftCmdRequest) (ProposalContext, error) {
	var ctx ProposalContext
	if req.AdminRequest == nil {
		return ctx, nil
	}
	switch req.AdminRequest.CmdType {
	case raft_cmdpb.AdminCmdType_Split, raft_cmdpb.AdminCmdType_BatchSplit:
		ctx.insert(ProposalContext_Split)
	case raft_cmdpb.AdminCmdType_PrepareMerge:
		if err := p.preProposePrepareMerge(cfg, req); err != nil {
			return ctx, err
		}
		ctx.insert(ProposalContext_PrepareMerge)
	}
	return ctx, nil
}

func (p *Peer) notLeaderError() error {
	return &ErrNotLeader{RegionID: p.regionID, Leader: p.getPeerFromCache(p.LeaderID())}
}

// ProposeNormal proposes a normal request or an admin request other than
// conf change and transfer leader, it returns the index of the proposal.
func (p *Peer) ProposeNormal(cfg *Config, req *raft_cmdpb.RaftCmdRequest) (uint64, error) {
	if p.PendingMergeState != nil && req.GetAdminRequest().GetCmdType() != raft_cmdpb.AdminCmdType_RollbackMerge {
		return 0, errInMergingMode
	}

	ctx, err := p.PrePropose(cfg, req)
	if err != nil {
		log.S().Warnf("%v skip proposal: %v", p.Tag, err)
		return 0, err
	}
	data, err := req.Marshal()
	if err != nil {
		return 0, err
	}

	if uint64(len(data)) > cfg.RaftEntryMaxSize {
		log.S().Errorf("entry is too large, entry size %v", len(data))
		return 0, &ErrRaftEntryTooLarge{RegionID: p.regionID, EntrySize: uint64(len(data))}
	}

	proposeIndex := p.nextProposalIndex()
	err = p.RaftGroup.Propose(data)
	if err == raft.ErrProposalDropped {
		return 0, p.notLeaderError()
	} else if err != nil {
		return 0, err
	}
	if proposeIndex == p.nextProposalIndex() {
		// The message is dropped silently, this usually due to leader absence
		// or transferring leader. Both cases can be considered as NotLeader error.
		return 0, p.notLeaderError()
	}

	p.proposals.Push(&ProposalMeta{Index: proposeIndex, Term: p.Term(), Ctx: ctx})
	return proposeIndex, nil
}

// ProposeTransferLeader returns true if the transfer leader request is accepted.
func (p *Peer) ProposeTransferLeader(cfg *Config, req *raft_cmdpb.RaftCmdRequest, cb *Callback) bool {
	transferLeader := getTransferLeaderCmd(req)
	peer := transferLeader.Peer

	transferred := false
	if p.readyToTransferLeader(cfg, peer) {
		p.transferLeader(peer)
		transferred = true
	} else {
		log.S().Infof("%v transfer leader message %v ignored directly", p.Tag, req)
	}

	// transfer leader command doesn't need to replicate log and apply, so we
	// return immediately. Note that this command may fail, we can view it just as an advice
	cb.Done(makeTransferLeaderResponse())

	return transferred
}

// ProposeConfChange proposes a conf change.
//
// Fails in such cases:
// 1. A pending conf change has not been applied yet;
// 2. Removing the leader is not allowed in the configuration;
// 3. The conf change makes the raft group not healthy;
// 4. The conf change is dropped by raft group internally.
func (p *Peer) ProposeConfChange(cfg *Config, req *raft_cmdpb.RaftCmdRequest) (uint64, error) {
	if p.PendingMergeState != nil {
		return 0, errInMergingMode
	}

	if p.pendingConfIndex > p.Store().AppliedIndex() {
		log.S().Infof("%v there is a pending conf change, try later", p.Tag)
		return 0, errPendingConfChange
	}

	if err := p.checkConfChange(cfg, req); err != nil {
		return 0, err
	}

	data, err := req.Marshal()
	if err != nil {
		return 0, err
	}

	changePeer := getChangePeerCmd(req)
	cc := raftpb.ConfChange{
		Type:    toRaftConfChangeType(changePeer.ChangeType),
		NodeID:  changePeer.Peer.Id,
		Context: data,
	}

	log.S().Infof("%v propose conf change %v peer %v", p.Tag, cc.Type, cc.NodeID)

	proposeIndex := p.nextProposalIndex()
	if err = p.RaftGroup.ProposeConfChange(cc); err == raft.ErrProposalDropped {
		return 0, p.notLeaderError()
	} else if err != nil {
		return 0, err
	}
	if p.nextProposalIndex() == proposeIndex {
		// The message is dropped silently, this usually due to leader absence
		// or transferring leader. Both cases can be considered as NotLeader error.
		return 0, p.notLeaderError()
	}
	p.pendingConfIndex = proposeIndex

	return proposeIndex, nil
}

func makeTransferLeaderResponse() *raft_cmdpb.RaftCmdResponse {
	adminResp := &raft_cmdpb.AdminResponse{}
	adminResp.CmdType = raft_cmdpb.AdminCmdType_TransferLeader
	adminResp.TransferLeader = &raft_cmdpb.TransferLeaderResponse{}
	resp := &raft_cmdpb.RaftCmdResponse{Header: &raft_cmdpb.RaftResponseHeader{}}
	resp.AdminResponse = adminResp
	return resp
}
