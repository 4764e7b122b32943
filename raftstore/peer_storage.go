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
	"sync/atomic"

	"github.com/pingcap/badger"
	"github.com/pingcap/badger/y"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pingcap/log"
	"go.etcd.io/etcd/raft"
	"go.etcd.io/etcd/raft/raftpb"
)

type JobStatus = uint32

const (
	JobStatus_Pending JobStatus = 0 + iota
	JobStatus_Running
	JobStatus_Cancelling
	JobStatus_Cancelled
	JobStatus_Finished
	JobStatus_Failed
)

type SnapStateType int

const (
	SnapState_Relax SnapStateType = 0 + iota
	SnapState_Generating
	SnapState_Applying
	SnapState_ApplyAborted
)

type SnapState struct {
	StateType SnapStateType
	Status    *JobStatus
	Receiver  chan *eraftpb.Snapshot
}

const (
	MaxSnapRetryCnt = 5

	MaxCacheCapacity = 128
)

// PeerStorage is the persistent log and state store of a region replica. It is
// exclusively owned by one Peer.
type PeerStorage interface {
	raft.Storage

	Region() *metapb.Region
	SetRegion(region *metapb.Region)
	IsInitialized() bool

	AppliedIndex() uint64
	AppliedIndexTerm() uint64
	ApplyState() *rspb.RaftApplyState
	TruncatedIndex() uint64
	TruncatedTerm() uint64
	CompactTo(idx uint64)
	MaybeGCCache(replicatedIdx, appliedIdx uint64)

	IsApplyingSnapshot() bool
	CheckApplyingSnap() bool
	CancelApplyingSnap() bool

	// SaveReadyState stages the ready into the write batches, nothing is written to disk.
	SaveReadyState(kvWB, raftWB *WriteBatch, ready *raft.Ready) (*InvokeContext, error)
	// PostReadyPersisted updates the memory states after the write batches are
	// persisted, and schedules the snapshot apply if the ready has one.
	PostReadyPersisted(ctx *InvokeContext) *ApplySnapResult
	PostApply(applyState *rspb.RaftApplyState, appliedIndexTerm uint64)

	ClearMeta(kvWB, raftWB *WriteBatch) error
	ClearData()
}

// raftState is the memory form of rspb.RaftLocalState.
type raftState struct {
	lastIndex uint64
	term      uint64
	vote      uint64
	commit    uint64
}

func (s raftState) toPB() *rspb.RaftLocalState {
	return &rspb.RaftLocalState{
		HardState: &eraftpb.HardState{Term: s.term, Vote: s.vote, Commit: s.commit},
		LastIndex: s.lastIndex,
	}
}

func raftStateFromPB(pb *rspb.RaftLocalState) raftState {
	return raftState{
		lastIndex: pb.LastIndex,
		term:      pb.GetHardState().GetTerm(),
		vote:      pb.GetHardState().GetVote(),
		commit:    pb.GetHardState().GetCommit(),
	}
}

// applyState is the memory form of rspb.RaftApplyState.
type applyState struct {
	appliedIndex   uint64
	truncatedIndex uint64
	truncatedTerm  uint64
}

func (s applyState) toPB() *rspb.RaftApplyState {
	return &rspb.RaftApplyState{
		AppliedIndex: s.appliedIndex,
		TruncatedState: &rspb.RaftTruncatedState{
			Index: s.truncatedIndex,
			Term:  s.truncatedTerm,
		},
	}
}

func applyStateFromPB(pb *rspb.RaftApplyState) applyState {
	return applyState{
		appliedIndex:   pb.AppliedIndex,
		truncatedIndex: pb.GetTruncatedState().GetIndex(),
		truncatedTerm:  pb.GetTruncatedState().GetTerm(),
	}
}

func newInitialApplyState() applyState {
	return applyState{
		appliedIndex:   RaftInitLogIndex,
		truncatedIndex: RaftInitLogIndex,
		truncatedTerm:  RaftInitLogTerm,
	}
}

type EntryCache struct {
	cache []raftpb.Entry
}

func (ec *EntryCache) front() *raftpb.Entry {
	return &ec.cache[0]
}

func (ec *EntryCache) back() *raftpb.Entry {
	return &ec.cache[len(ec.cache)-1]
}

func (ec *EntryCache) length() int {
	return len(ec.cache)
}

func (ec *EntryCache) fetchEntriesTo(begin, end, maxSize uint64, fetchSize *uint64, ents []raftpb.Entry) []raftpb.Entry {
	if begin >= end {
		return ents
	}
	y.Assert(ec.length() > 0)
	cacheLow := ec.front().Index
	y.Assert(begin >= cacheLow)
	cacheStart := int(begin - cacheLow)
	cacheEnd := int(end - cacheLow)
	if cacheEnd > ec.length() {
		cacheEnd = ec.length()
	}
	for i := cacheStart; i < cacheEnd; i++ {
		entry := ec.cache[i]
		y.AssertTruef(entry.Index == cacheLow+uint64(i), "%d %d %d", entry.Index, cacheLow, i)
		entrySize := uint64(entry.Size())
		*fetchSize += entrySize
		if *fetchSize != entrySize && *fetchSize > maxSize {
			break
		}
		ents = append(ents, entry)
	}
	return ents
}

func (ec *EntryCache) append(tag string, entries []raftpb.Entry) {
	if len(entries) == 0 {
		return
	}
	if ec.length() > 0 {
		firstIndex := entries[0].Index
		cacheLastIndex := ec.back().Index
		if cacheLastIndex >= firstIndex {
			if ec.front().Index >= firstIndex {
				ec.cache = ec.cache[:0]
			} else {
				left := ec.length() - int(cacheLastIndex-firstIndex+1)
				ec.cache = ec.cache[:left]
			}
		} else if cacheLastIndex+1 < firstIndex {
			panic(fmt.Sprintf("%s unexpected hole %d < %d", tag, cacheLastIndex, firstIndex))
		}
	}
	ec.cache = append(ec.cache, entries...)
	if ec.length() > MaxCacheCapacity {
		extraSize := ec.length() - MaxCacheCapacity
		ec.cache = ec.cache[extraSize:]
	}
}

func (ec *EntryCache) compactTo(idx uint64) {
	if ec.length() == 0 {
		return
	}
	firstIdx := ec.front().Index
	if firstIdx > idx {
		return
	}
	pos := int(idx - firstIdx)
	if pos > ec.length() {
		pos = ec.length()
	}
	ec.cache = ec.cache[pos:]
}

// ApplySnapResult is returned when a snapshot is persisted and scheduled to apply.
type ApplySnapResult struct {
	// PrevRegion is the region before snapshot applied.
	PrevRegion *metapb.Region
	Region     *metapb.Region
}

// InvokeContext carries the states staged by SaveReadyState until the write
// batches are persisted.
type InvokeContext struct {
	RegionID   uint64
	RaftState  raftState
	ApplyState applyState
	lastTerm   uint64
	SnapRegion *metapb.Region
	snapData   *rspb.RaftSnapshotData
}

func newInvokeContext(store *badgerPeerStorage) *InvokeContext {
	return &InvokeContext{
		RegionID:   store.region.Id,
		RaftState:  store.raftState,
		ApplyState: store.applyState,
		lastTerm:   store.lastTerm,
	}
}

func (ic *InvokeContext) hasSnapshot() bool {
	return ic.snapData != nil
}

func (ic *InvokeContext) saveRaftStateTo(wb *WriteBatch) error {
	return wb.SetMsg(y.KeyWithTs(RaftStateKey(ic.RegionID), RaftTS), ic.RaftState.toPB())
}

func (ic *InvokeContext) saveApplyStateTo(wb *WriteBatch) error {
	return wb.SetMsg(y.KeyWithTs(ApplyStateKey(ic.RegionID), KvTS), ic.ApplyState.toPB())
}

var _ PeerStorage = new(badgerPeerStorage)

type badgerPeerStorage struct {
	Engines *Engines

	peerID           uint64
	region           *metapb.Region
	raftState        raftState
	applyState       applyState
	appliedIndexTerm uint64
	lastTerm         uint64

	snapState    SnapState
	regionSched  chan<- task
	snapTriedCnt int

	cache *EntryCache
	stats *CacheQueryStats

	Tag string
}

// NewPeerStorage loads the states of the region from the engines.
func NewPeerStorage(engines *Engines, region *metapb.Region, regionSched chan<- task, peerID uint64, tag string) (*badgerPeerStorage, error) {
	log.S().Debugf("%s creating storage for %s", tag, region.String())
	raftState, err := initRaftState(engines.raft, region)
	if err != nil {
		return nil, err
	}
	applyState, err := initApplyState(engines.kv, region)
	if err != nil {
		return nil, err
	}
	if raftState.lastIndex < applyState.appliedIndex {
		panic(fmt.Sprintf("%s unexpected raft log index: lastIndex %d < appliedIndex %d",
			tag, raftState.lastIndex, applyState.appliedIndex))
	}
	lastTerm, err := initLastTerm(engines.raft, region, raftState, applyState)
	if err != nil {
		return nil, err
	}
	appliedIndexTerm, err := initAppliedIndexTerm(engines.raft, region, applyState)
	if err != nil {
		return nil, err
	}
	return &badgerPeerStorage{
		Engines:          engines,
		peerID:           peerID,
		region:           region,
		Tag:              tag,
		raftState:        raftState,
		applyState:       applyState,
		appliedIndexTerm: appliedIndexTerm,
		lastTerm:         lastTerm,
		regionSched:      regionSched,
		cache:            &EntryCache{},
		stats:            &CacheQueryStats{},
	}, nil
}

func initRaftState(raftEngine *badger.DB, region *metapb.Region) (raftState, error) {
	state := raftState{}
	pb := new(rspb.RaftLocalState)
	err := getMsg(raftEngine, RaftStateKey(region.Id), pb)
	if err == nil {
		return raftStateFromPB(pb), nil
	}
	if err != badger.ErrKeyNotFound {
		return state, errors.WithStack(err)
	}
	if len(region.Peers) > 0 {
		// new split region
		state.lastIndex = RaftInitLogIndex
		state.term = RaftInitLogTerm
		state.commit = RaftInitLogIndex
		wb := new(WriteBatch)
		if err = wb.SetMsg(y.KeyWithTs(RaftStateKey(region.Id), RaftTS), state.toPB()); err != nil {
			return state, err
		}
		if err = wb.WriteToDB(raftEngine, nil); err != nil {
			return state, err
		}
	}
	return state, nil
}

func initApplyState(kvEngine *badger.DB, region *metapb.Region) (applyState, error) {
	pb := new(rspb.RaftApplyState)
	err := getMsg(kvEngine, ApplyStateKey(region.Id), pb)
	if err == nil {
		return applyStateFromPB(pb), nil
	}
	if err != badger.ErrKeyNotFound {
		return applyState{}, errors.WithStack(err)
	}
	if len(region.Peers) > 0 {
		return newInitialApplyState(), nil
	}
	return applyState{}, nil
}

func getRaftEntry(raftEngine *badger.DB, regionID, idx uint64) (*eraftpb.Entry, error) {
	entry := new(eraftpb.Entry)
	if err := getMsg(raftEngine, RaftLogKey(regionID, idx), entry); err != nil {
		return nil, err
	}
	if entry.Index != idx {
		return nil, errors.Errorf("raft log index not match, expect %d, got %d", idx, entry.Index)
	}
	return entry, nil
}

func initLastTerm(raftEngine *badger.DB, region *metapb.Region,
	raftState raftState, applyState applyState) (uint64, error) {
	lastIdx := raftState.lastIndex
	if lastIdx == 0 {
		return 0, nil
	} else if lastIdx == RaftInitLogIndex {
		return RaftInitLogTerm, nil
	} else if lastIdx == applyState.truncatedIndex {
		return applyState.truncatedTerm, nil
	} else {
		y.Assert(lastIdx > RaftInitLogIndex)
	}
	entry, err := getRaftEntry(raftEngine, region.Id, lastIdx)
	if err != nil {
		return 0, errors.Errorf("[region %s] entry at %d doesn't exist, may lost data.", region, lastIdx)
	}
	return entry.Term, nil
}

func initAppliedIndexTerm(raftEngine *badger.DB, region *metapb.Region, applyState applyState) (uint64, error) {
	if applyState.appliedIndex == RaftInitLogIndex {
		return RaftInitLogTerm, nil
	}
	if applyState.appliedIndex == applyState.truncatedIndex {
		return applyState.truncatedTerm, nil
	}
	entry, err := getRaftEntry(raftEngine, region.Id, applyState.appliedIndex)
	if err != nil {
		return 0, errors.Errorf("[region %s] entry at apply index %d doesn't exist, may lost data.",
			region, applyState.appliedIndex)
	}
	return entry.Term, nil
}

func (ps *badgerPeerStorage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	raftState := ps.raftState
	if raftState.commit == 0 && raftState.term == 0 && raftState.vote == 0 {
		y.AssertTruef(!ps.IsInitialized(),
			"peer for region %s is initialized but local state %+v has empty hard state",
			ps.region, ps.raftState)
		return raftpb.HardState{}, raftpb.ConfState{}, nil
	}
	return raftpb.HardState{
		Term:   raftState.term,
		Vote:   raftState.vote,
		Commit: raftState.commit,
	}, confStateFromRegion(ps.region), nil
}

func confStateFromRegion(region *metapb.Region) (confState raftpb.ConfState) {
	for _, p := range region.Peers {
		if p.Role == metapb.PeerRole_Learner {
			confState.Learners = append(confState.Learners, p.GetId())
		} else {
			confState.Voters = append(confState.Voters, p.GetId())
		}
	}
	return
}

func (ps *badgerPeerStorage) IsInitialized() bool {
	return len(ps.region.Peers) > 0
}

func (ps *badgerPeerStorage) Region() *metapb.Region {
	return ps.region
}

func (ps *badgerPeerStorage) SetRegion(region *metapb.Region) {
	ps.region = region
}

func (ps *badgerPeerStorage) IsApplyingSnapshot() bool {
	return ps.snapState.StateType == SnapState_Applying
}

func (ps *badgerPeerStorage) Entries(low, high, maxSize uint64) ([]raftpb.Entry, error) {
	err := ps.checkRange(low, high)
	if err != nil {
		return nil, err
	}
	ents := make([]raftpb.Entry, 0, high-low)
	if low == high {
		return ents, nil
	}
	cacheLow := uint64(math.MaxUint64)
	if ps.cache.length() > 0 {
		cacheLow = ps.cache.front().Index
	}
	regionID := ps.region.Id
	if high <= cacheLow {
		// not overlap
		ps.stats.miss++
		ents, _, err = fetchEntriesTo(ps.Engines.raft, regionID, low, high, maxSize, ents)
		if err != nil {
			return ents, err
		}
		return ents, nil
	}
	var fetchedSize, beginIdx uint64
	if low < cacheLow {
		ps.stats.miss++
		ents, fetchedSize, err = fetchEntriesTo(ps.Engines.raft, regionID, low, cacheLow, maxSize, ents)
		if err != nil {
			return ents, err
		}
		if fetchedSize > maxSize {
			// maxSize exceed.
			return ents, nil
		}
		beginIdx = cacheLow
	} else {
		beginIdx = low
	}
	ps.stats.hit++
	return ps.cache.fetchEntriesTo(beginIdx, high, maxSize, &fetchedSize, ents), nil
}

func (ps *badgerPeerStorage) Term(idx uint64) (uint64, error) {
	if idx == ps.TruncatedIndex() {
		return ps.TruncatedTerm(), nil
	}
	err := ps.checkRange(idx, idx+1)
	if err != nil {
		return 0, err
	}
	if ps.TruncatedTerm() == ps.lastTerm || idx == ps.raftState.lastIndex {
		return ps.lastTerm, nil
	}
	entries, err := ps.Entries(idx, idx+1, math.MaxUint64)
	if err != nil {
		return 0, err
	}
	return entries[0].Term, nil
}

func (ps *badgerPeerStorage) checkRange(low, high uint64) error {
	if low > high {
		return errors.Errorf("low %d is greater than high %d", low, high)
	} else if low <= ps.TruncatedIndex() {
		return raft.ErrCompacted
	} else if high > ps.raftState.lastIndex+1 {
		return errors.Errorf("entries' high %d is out of bound, lastIndex %d",
			high, ps.raftState.lastIndex)
	}
	return nil
}

func (ps *badgerPeerStorage) TruncatedIndex() uint64 {
	return ps.applyState.truncatedIndex
}

func (ps *badgerPeerStorage) TruncatedTerm() uint64 {
	return ps.applyState.truncatedTerm
}

func (ps *badgerPeerStorage) LastIndex() (uint64, error) {
	return ps.raftState.lastIndex, nil
}

func (ps *badgerPeerStorage) AppliedIndex() uint64 {
	return ps.applyState.appliedIndex
}

func (ps *badgerPeerStorage) AppliedIndexTerm() uint64 {
	return ps.appliedIndexTerm
}

func (ps *badgerPeerStorage) ApplyState() *rspb.RaftApplyState {
	return ps.applyState.toPB()
}

func (ps *badgerPeerStorage) FirstIndex() (uint64, error) {
	return firstIndex(ps.applyState), nil
}

func firstIndex(applyState applyState) uint64 {
	return applyState.truncatedIndex + 1
}

func (ps *badgerPeerStorage) validateSnap(snap *eraftpb.Snapshot) bool {
	idx := snap.GetMetadata().GetIndex()
	if idx < ps.TruncatedIndex() {
		log.S().Infof("snapshot is stale, generate again, regionID: %d, peerID: %d, snapIndex: %d, truncatedIndex: %d",
			ps.region.GetId(), ps.peerID, idx, ps.TruncatedIndex())
		return false
	}
	snapData := new(rspb.RaftSnapshotData)
	if err := snapData.Unmarshal(snap.GetData()); err != nil {
		log.S().Errorf("failed to decode snapshot, it may be corrupted, regionID: %d, peerID: %d, err: %v",
			ps.region.GetId(), ps.peerID, err)
		return false
	}
	snapEpoch := snapData.GetRegion().GetRegionEpoch()
	latestEpoch := ps.region.GetRegionEpoch()
	if snapEpoch.GetConfVer() < latestEpoch.GetConfVer() {
		log.S().Infof("snapshot epoch is stale, regionID: %d, peerID: %d, snapEpoch: %s, latestEpoch: %s",
			ps.region.GetId(), ps.peerID, snapEpoch, latestEpoch)
		return false
	}
	return true
}

// Snapshot asks the region worker to generate a snapshot, and returns
// ErrSnapshotTemporarilyUnavailable until it is ready.
func (ps *badgerPeerStorage) Snapshot() (raftpb.Snapshot, error) {
	if ps.snapState.StateType == SnapState_Generating {
		select {
		case s := <-ps.snapState.Receiver:
			ps.snapState = SnapState{StateType: SnapState_Relax}
			if s != nil && ps.validateSnap(s) {
				ps.snapTriedCnt = 0
				return toRaftSnapshot(s), nil
			}
		default:
			return raftpb.Snapshot{}, raft.ErrSnapshotTemporarilyUnavailable
		}
	}
	if ps.snapTriedCnt >= MaxSnapRetryCnt {
		cnt := ps.snapTriedCnt
		ps.snapTriedCnt = 0
		return raftpb.Snapshot{}, errors.Errorf("failed to get snapshot after %d times", cnt)
	}
	log.S().Infof("%s requesting snapshot", ps.Tag)
	ps.snapTriedCnt++
	ch := make(chan *eraftpb.Snapshot, 1)
	ps.snapState = SnapState{
		StateType: SnapState_Generating,
		Receiver:  ch,
	}
	ps.regionSched <- task{
		tp: taskTypeRegionGen,
		data: &regionTask{
			regionID: ps.region.Id,
			notifier: ch,
		},
	}
	return raftpb.Snapshot{}, raft.ErrSnapshotTemporarilyUnavailable
}

// Append the given entries to the raft log using previous last index or self.last_index.
// Return the new last index for later update. After we commit in the kv engine, we can set last_index
// to the return one.
func (ps *badgerPeerStorage) Append(invokeCtx *InvokeContext, entries []raftpb.Entry, raftWB *WriteBatch) error {
	log.S().Debugf("%s append %d entries", ps.Tag, len(entries))
	prevLastIndex := invokeCtx.RaftState.lastIndex
	if len(entries) == 0 {
		return nil
	}
	lastEntry := entries[len(entries)-1]
	lastIndex := lastEntry.Index
	lastTerm := lastEntry.Term
	for i := range entries {
		if err := raftWB.SetMsg(y.KeyWithTs(RaftLogKey(ps.region.Id, entries[i].Index), RaftTS), fromRaftEntry(&entries[i])); err != nil {
			return err
		}
	}
	// Delete any previously appended log entries which never committed.
	for i := lastIndex + 1; i <= prevLastIndex; i++ {
		raftWB.Delete(y.KeyWithTs(RaftLogKey(ps.region.Id, i), RaftTS))
	}
	invokeCtx.RaftState.lastIndex = lastIndex
	invokeCtx.lastTerm = lastTerm

	// TODO: if the writebatch is failed to commit, the cache will be wrong.
	ps.cache.append(ps.Tag, entries)
	return nil
}

func (ps *badgerPeerStorage) CompactTo(idx uint64) {
	ps.cache.compactTo(idx)
}

func (ps *badgerPeerStorage) MaybeGCCache(replicatedIdx, appliedIdx uint64) {
	if replicatedIdx == appliedIdx {
		// The region is inactive, clear the cache immediately.
		ps.cache.compactTo(appliedIdx + 1)
	} else {
		if ps.cache.length() == 0 {
			return
		}
		cacheFirstIdx := ps.cache.front().Index
		if cacheFirstIdx > replicatedIdx+1 {
			// Catching up log requires accessing fs already, let's optimize for
			// the common case.
			// Maybe gc to second least replicated_idx is better.
			ps.cache.compactTo(appliedIdx + 1)
		}
	}
}

type CacheQueryStats struct {
	hit  uint64
	miss uint64
}

func fetchEntriesTo(engine *badger.DB, regionID, low, high, maxSize uint64, buf []raftpb.Entry) ([]raftpb.Entry, uint64, error) {
	var totalSize uint64
	exceededMaxSize := false
	err := engine.View(func(txn *badger.Txn) error {
		for i := low; i < high; i++ {
			val, err := getValueTxn(txn, RaftLogKey(regionID, i))
			if err == badger.ErrKeyNotFound {
				return raft.ErrUnavailable
			} else if err != nil {
				return err
			}
			var entry eraftpb.Entry
			if err = entry.Unmarshal(val); err != nil {
				return err
			}
			// May meet gap or has been compacted.
			if entry.Index != i {
				return raft.ErrUnavailable
			}
			totalSize += uint64(len(entry.Data))
			exceededMaxSize = totalSize > maxSize
			if !exceededMaxSize || len(buf) == 0 {
				buf = append(buf, toRaftEntry(&entry))
			}
			if exceededMaxSize {
				break
			}
		}
		return nil
	})
	if err == raft.ErrUnavailable {
		log.S().Infof("raft log unavailable region %d request low %d high %d", regionID, low, high)
		return nil, 0, err
	}
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	return buf, totalSize, nil
}

// ClearMeta deletes the raft log, the raft state and the apply state of the region.
func (ps *badgerPeerStorage) ClearMeta(kvWB, raftWB *WriteBatch) error {
	return ClearMeta(ps.Engines, kvWB, raftWB, ps.region.Id, ps.raftState.lastIndex)
}

func ClearMeta(engines *Engines, kvWB, raftWB *WriteBatch, regionID uint64, lastIndex uint64) error {
	firstIndex := lastIndex + 1
	beginLogKey := RaftLogKey(regionID, 0)
	endLogKey := RaftLogKey(regionID, firstIndex)
	err := engines.raft.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		it.Seek(beginLogKey)
		if it.Valid() && bytes.Compare(it.Item().Key(), endLogKey) < 0 {
			firstIndex = RaftLogIndex(it.Item().Key())
		}
		return nil
	})
	if err != nil {
		return errors.WithStack(err)
	}
	for i := firstIndex; i <= lastIndex; i++ {
		raftWB.Delete(y.KeyWithTs(RaftLogKey(regionID, i), RaftTS))
	}
	raftWB.Delete(y.KeyWithTs(RaftStateKey(regionID), RaftTS))
	kvWB.Delete(y.KeyWithTs(ApplyStateKey(regionID), KvTS))
	return nil
}

// WritePeerState stages the RegionLocalState of the region.
func WritePeerState(kvWB *WriteBatch, region *metapb.Region, state rspb.PeerState, mergeState *rspb.MergeState) error {
	regionState := new(rspb.RegionLocalState)
	regionState.State = state
	regionState.Region = region
	if mergeState != nil {
		regionState.MergeState = mergeState
	}
	return kvWB.SetMsg(y.KeyWithTs(RegionStateKey(region.Id), KvTS), regionState)
}

// ApplySnapshot stages the snapshot into the write batches.
func (ps *badgerPeerStorage) ApplySnapshot(ctx *InvokeContext, snap *raftpb.Snapshot, kvWB, raftWB *WriteBatch) error {
	log.S().Infof("%v begin to apply snapshot", ps.Tag)

	snapData := new(rspb.RaftSnapshotData)
	if err := snapData.Unmarshal(snap.Data); err != nil {
		return errors.WithStack(err)
	}

	if snapData.Region.Id != ps.region.Id {
		return errors.Errorf("mismatch region id %v != %v", snapData.Region.Id, ps.region.Id)
	}

	if ps.IsInitialized() {
		// we can only delete the old data when the peer is initialized.
		if err := ps.ClearMeta(kvWB, raftWB); err != nil {
			return err
		}
	}

	if err := WritePeerState(kvWB, snapData.Region, rspb.PeerState_Applying, nil); err != nil {
		return err
	}

	lastIdx := snap.Metadata.Index

	ctx.RaftState.lastIndex = lastIdx
	ctx.lastTerm = snap.Metadata.Term
	ctx.ApplyState.appliedIndex = lastIdx

	// The snapshot only contains log which index > applied index, so
	// here the truncate state's (index, term) is in snapshot metadata.
	ctx.ApplyState.truncatedIndex = lastIdx
	ctx.ApplyState.truncatedTerm = snap.Metadata.Term

	log.S().Debugf("%v apply snapshot for region %v with state %+v ok", ps.Tag, snapData.Region, ctx.ApplyState)
	ctx.SnapRegion = snapData.Region
	ctx.snapData = snapData
	return nil
}

// SaveReadyState saves memory states to the write batches.
//
// This function only write data to the WriteBatch. It's caller's duty to write
// it explicitly to disk. If it's flushed to disk successfully, PostReadyPersisted should be called
// to update the memory states properly.
// Do not modify ready in this function, this is a requirement to advance the ready object properly later.
func (ps *badgerPeerStorage) SaveReadyState(kvWB, raftWB *WriteBatch, ready *raft.Ready) (*InvokeContext, error) {
	ctx := newInvokeContext(ps)
	if !raft.IsEmptySnap(ready.Snapshot) {
		if err := ps.ApplySnapshot(ctx, &ready.Snapshot, kvWB, raftWB); err != nil {
			return nil, err
		}
	}

	if len(ready.Entries) != 0 {
		if err := ps.Append(ctx, ready.Entries, raftWB); err != nil {
			return nil, err
		}
	}

	// Last index is 0 means the peer is created from raft message
	// and has not applied snapshot yet, so skip persistent hard state.
	if ctx.RaftState.lastIndex > 0 {
		if !raft.IsEmptyHardState(ready.HardState) {
			ctx.RaftState.commit = ready.HardState.Commit
			ctx.RaftState.term = ready.HardState.Term
			ctx.RaftState.vote = ready.HardState.Vote
		}
	}

	if ctx.RaftState != ps.raftState {
		if err := ctx.saveRaftStateTo(raftWB); err != nil {
			return nil, err
		}
	}
	if ctx.ApplyState != ps.applyState {
		if err := ctx.saveApplyStateTo(kvWB); err != nil {
			return nil, err
		}
	}
	return ctx, nil
}

func (ps *badgerPeerStorage) PostReadyPersisted(ctx *InvokeContext) *ApplySnapResult {
	ps.raftState = ctx.RaftState
	ps.applyState = ctx.ApplyState
	ps.lastTerm = ctx.lastTerm
	snapData := ctx.snapData
	ctx.snapData = nil
	if snapData == nil {
		return nil
	}
	// If we apply snapshot ok, we should update some infos like applied index too.
	ps.appliedIndexTerm = ctx.ApplyState.truncatedTerm
	ps.cache.compactTo(ctx.ApplyState.truncatedIndex + 1)
	ps.ScheduleApplyingSnapshot(snapData)
	prevRegion := ps.region
	ps.region = snapData.Region
	return &ApplySnapResult{
		PrevRegion: prevRegion,
		Region:     ps.region,
	}
}

func (ps *badgerPeerStorage) PostApply(applyState *rspb.RaftApplyState, appliedIndexTerm uint64) {
	ps.applyState = applyStateFromPB(applyState)
	ps.appliedIndexTerm = appliedIndexTerm
}

func (ps *badgerPeerStorage) ScheduleApplyingSnapshot(snapData *rspb.RaftSnapshotData) {
	status := JobStatus_Pending
	ps.snapState = SnapState{
		StateType: SnapState_Applying,
		Status:    &status,
	}
	ps.regionSched <- task{
		tp: taskTypeRegionApply,
		data: &regionTask{
			regionID: ps.region.Id,
			status:   &status,
			snapData: snapData,
		},
	}
}

// ClearData schedules the deletion of the region data.
func (ps *badgerPeerStorage) ClearData() {
	ps.regionSched <- task{
		tp: taskTypeRegionDestroy,
		data: &regionTask{
			regionID: ps.region.Id,
			startKey: DataKey(ps.region.StartKey),
			endKey:   DataEndKey(ps.region.EndKey),
		},
	}
}

// CancelApplyingSnap tries to cancel the scheduled snapshot apply. It returns
// false when the apply is already running.
func (ps *badgerPeerStorage) CancelApplyingSnap() bool {
	if ps.snapState.StateType != SnapState_Applying {
		return false
	}
	status := ps.snapState.Status
	if atomic.CompareAndSwapUint32(status, JobStatus_Pending, JobStatus_Cancelling) {
		ps.snapState = SnapState{StateType: SnapState_ApplyAborted}
		return true
	}
	if atomic.CompareAndSwapUint32(status, JobStatus_Running, JobStatus_Cancelling) {
		return false
	}
	// now status can only be Finished, Failed or Cancelled.
	return !ps.CheckApplyingSnap()
}

// CheckApplyingSnap checks if the storage is applying a snapshot.
func (ps *badgerPeerStorage) CheckApplyingSnap() bool {
	switch ps.snapState.StateType {
	case SnapState_Applying:
		switch atomic.LoadUint32(ps.snapState.Status) {
		case JobStatus_Finished:
			ps.snapState = SnapState{StateType: SnapState_Relax}
		case JobStatus_Cancelled:
			ps.snapState = SnapState{StateType: SnapState_ApplyAborted}
		case JobStatus_Failed:
			panic(fmt.Sprintf("%v applying snapshot failed", ps.Tag))
		default:
			return true
		}
	}
	return false
}
