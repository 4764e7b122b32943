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
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/import_sstpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/pdpb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"go.etcd.io/etcd/raft"
)

// MsgType represents a msg type.
type MsgType int64

// Msg
const (
	MsgTypeNull                   MsgType = 0
	MsgTypeRaftMessage            MsgType = 1
	MsgTypeRaftCmd                MsgType = 2
	MsgTypeSplitRegion            MsgType = 3
	MsgTypeComputeResult          MsgType = 4
	MsgTypeRegionApproximateSize  MsgType = 5
	MsgTypeRegionApproximateKeys  MsgType = 6
	MsgTypeCompactionDeclineBytes MsgType = 7
	MsgTypeHalfSplitRegion        MsgType = 8
	MsgTypeMergeResult            MsgType = 9
	MsgTypeGcSnap                 MsgType = 10
	MsgTypeClearRegionSize        MsgType = 11
	MsgTypeTick                   MsgType = 12
	MsgTypeSignificantMsg         MsgType = 13
	MsgTypeStart                  MsgType = 14
	MsgTypeApplyRes               MsgType = 15
	MsgTypeNoop                   MsgType = 16

	MsgTypeStoreRaftMessage MsgType = 101
	// Clear region size and keys for all regions in the range, so we can force them to re-calculate
	// their size later.
	MsgTypeStoreClearRegionSizeInRange MsgType = 104
	MsgTypeStoreTick                   MsgType = 106
	MsgTypeStoreStart                  MsgType = 107
)

var msgTypeNames = map[MsgType]string{
	MsgTypeNull:                        "Null",
	MsgTypeRaftMessage:                 "RaftMessage",
	MsgTypeRaftCmd:                     "RaftCmd",
	MsgTypeSplitRegion:                 "SplitRegion",
	MsgTypeComputeResult:               "ComputeResult",
	MsgTypeRegionApproximateSize:       "RegionApproximateSize",
	MsgTypeRegionApproximateKeys:       "RegionApproximateKeys",
	MsgTypeCompactionDeclineBytes:      "CompactionDeclineBytes",
	MsgTypeHalfSplitRegion:             "HalfSplitRegion",
	MsgTypeMergeResult:                 "MergeResult",
	MsgTypeGcSnap:                      "GcSnap",
	MsgTypeClearRegionSize:             "ClearRegionSize",
	MsgTypeTick:                        "Tick",
	MsgTypeSignificantMsg:              "SignificantMsg",
	MsgTypeStart:                       "Start",
	MsgTypeApplyRes:                    "ApplyRes",
	MsgTypeNoop:                        "Noop",
	MsgTypeStoreRaftMessage:            "StoreRaftMessage",
	MsgTypeStoreClearRegionSizeInRange: "StoreClearRegionSizeInRange",
	MsgTypeStoreTick:                   "StoreTick",
	MsgTypeStoreStart:                  "StoreStart",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MsgType(%d)", int64(t))
}

// Msg represents a message.
type Msg struct {
	Type     MsgType
	RegionID uint64
	Data     interface{}
}

// NewPeerMsg creates a peer msg.
func NewPeerMsg(tp MsgType, regionID uint64, data interface{}) Msg {
	return Msg{Type: tp, RegionID: regionID, Data: data}
}

// NewMsg creates a msg.
func NewMsg(tp MsgType, data interface{}) Msg {
	return Msg{Type: tp, Data: data}
}

// Callback is a one-shot sink for the response of a raft command.
type Callback struct {
	resp    *raft_cmdpb.RaftCmdResponse
	wg      sync.WaitGroup
	invoked uint32

	raftBeginTime time.Time
}

// Done sets the RaftCmdResponse and calls Done() on the WaitGroup.
// A callback must be invoked exactly once.
func (cb *Callback) Done(resp *raft_cmdpb.RaftCmdResponse) {
	if cb == nil {
		return
	}
	if !atomic.CompareAndSwapUint32(&cb.invoked, 0, 1) {
		panic("callback invoked more than once")
	}
	cb.resp = resp
	cb.wg.Done()
}

// Wait blocks until the callback is invoked and returns the response.
func (cb *Callback) Wait() *raft_cmdpb.RaftCmdResponse {
	cb.wg.Wait()
	return cb.resp
}

// Invoked reports whether the callback has been invoked.
func (cb *Callback) Invoked() bool {
	return atomic.LoadUint32(&cb.invoked) == 1
}

// NewCallback creates a new Callback.
func NewCallback() *Callback {
	cb := &Callback{}
	cb.wg.Add(1)
	return cb
}

// PeerTick represents a peer tick.
type PeerTick int

// PeerTick
const (
	PeerTickRaft             PeerTick = 0
	PeerTickRaftLogGC        PeerTick = 1
	PeerTickSplitRegionCheck PeerTick = 2
	PeerTickPdHeartbeat      PeerTick = 3
	PeerTickCheckMerge       PeerTick = 4
	PeerTickPeerStaleState   PeerTick = 5

	peerTickCount = 6
)

// StoreTick represents a store tick.
type StoreTick int

// StoreTick
const (
	StoreTickPdStoreHeartbeat StoreTick = 0
	StoreTickSnapGC           StoreTick = 1
	StoreTickConsistencyCheck StoreTick = 2

	storeTickCount = 3
)

// MsgSignificantType represents a significant type of msg.
type MsgSignificantType int

// MsgSignificantType
const (
	MsgSignificantTypeStatus      MsgSignificantType = 1
	MsgSignificantTypeUnreachable MsgSignificantType = 2
)

// MsgSignificant represents a significant msg.
type MsgSignificant struct {
	Type           MsgSignificantType
	ToPeerID       uint64
	SnapshotStatus raft.SnapshotStatus
}

// MsgRaftCmd defines a message of raft command.
type MsgRaftCmd struct {
	SendTime time.Time
	Request  *raft_cmdpb.RaftCmdRequest
	Callback *Callback
}

// MsgSplitRegion defines a message which is used to split region.
type MsgSplitRegion struct {
	RegionEpoch *metapb.RegionEpoch
	SplitKeys   [][]byte
	Callback    *Callback
}

// MsgComputeHashResult defines a message which is used to compute hash result.
type MsgComputeHashResult struct {
	Index uint64
	Hash  []byte
}

// MsgHalfSplitRegion defines a message which is used to split region in half.
type MsgHalfSplitRegion struct {
	RegionEpoch *metapb.RegionEpoch
	Policy      pdpb.CheckPolicy
}

// MsgMergeResult defines a message which is used to merge result.
type MsgMergeResult struct {
	TargetPeer *metapb.Peer
	Stale      bool
}

// SnapKeyWithSending represents a snapshot key with sending.
type SnapKeyWithSending struct {
	SnapKey   SnapKey
	IsSending bool
}

// MsgGCSnap defines a message which is used to collect snapshot.
type MsgGCSnap struct {
	Snaps []SnapKeyWithSending
}

// MsgStoreClearRegionSizeInRange defines a message which is used to clear region size in range.
type MsgStoreClearRegionSizeInRange struct {
	StartKey []byte
	EndKey   []byte
}

// ApplyTaskType is the kind of an ApplyTask.
type ApplyTaskType int

// ApplyTaskType
const (
	ApplyTaskRegistration ApplyTaskType = 1
	ApplyTaskProposal     ApplyTaskType = 2
	ApplyTaskApply        ApplyTaskType = 3
	ApplyTaskDestroy      ApplyTaskType = 4
)

// Proposal is a pending client command waiting for its log entry to be applied.
type Proposal struct {
	IsConfChange bool
	Index        uint64
	Term         uint64
	Cb           *Callback
}

// RegionProposal carries the proposals of a peer to the apply pipeline.
type RegionProposal struct {
	ID       uint64
	RegionID uint64
	Props    []*Proposal
}

// ApplyRegistration registers a peer on the apply pipeline.
type ApplyRegistration struct {
	ID               uint64
	Term             uint64
	ApplyState       *rspb.RaftApplyState
	AppliedIndexTerm uint64
	Region           *metapb.Region
}

// ApplyCommitted carries committed entries to the apply pipeline.
type ApplyCommitted struct {
	PeerID   uint64
	RegionID uint64
	Term     uint64
	Entries  []*eraftpb.Entry
}

// ApplyDestroy asks the apply pipeline to drop a region.
type ApplyDestroy struct {
	RegionID          uint64
	MergeFromSnapshot bool
}

// ApplyTask is a unit of work handed to the apply pipeline.
type ApplyTask struct {
	Type         ApplyTaskType
	RegionID     uint64
	Registration *ApplyRegistration
	Proposals    *RegionProposal
	Apply        *ApplyCommitted
	Destroy      *ApplyDestroy
}

// ApplyScheduler is the capability of the external apply pipeline.
type ApplyScheduler interface {
	ScheduleTask(regionID uint64, task *ApplyTask)
}

// ApplyMetrics is the statistic of a batch of applied entries.
type ApplyMetrics struct {
	SizeDiffHint   int64
	DeleteKeysHint uint64
	WrittenBytes   uint64
	WrittenKeys    uint64
}

// ApplyResult is the result of applying committed entries.
type ApplyResult struct {
	RegionID         uint64
	ApplyState       *rspb.RaftApplyState
	AppliedIndexTerm uint64
	ExecResults      []ExecResult
	Metrics          ApplyMetrics
	Merged           bool
}

// ApplyDestroyResult reports that the apply pipeline has dropped a peer.
type ApplyDestroyResult struct {
	RegionID uint64
	PeerID   uint64
}

// ApplyTaskRes is delivered to a peer as MsgTypeApplyRes. Exactly one field is set.
type ApplyTaskRes struct {
	Apply   *ApplyResult
	Destroy *ApplyDestroyResult
}

// ExecResult is the side effect of a committed admin command.
type ExecResult interface{}

// ExecResultChangePeer is the result of a ChangePeer command.
type ExecResultChangePeer struct {
	ConfChange *eraftpb.ConfChange
	Peer       *metapb.Peer
	Region     *metapb.Region
}

// ExecResultCompactLog is the result of a CompactLog command.
type ExecResultCompactLog struct {
	TruncatedState *rspb.RaftTruncatedState
	FirstIndex     uint64
}

// ExecResultSplitRegion is the result of a Split or BatchSplit command.
type ExecResultSplitRegion struct {
	Regions []*metapb.Region
	Derived *metapb.Region
}

// ExecResultPrepareMerge is the result of a PrepareMerge command.
type ExecResultPrepareMerge struct {
	Region *metapb.Region
	State  *rspb.MergeState
}

// ExecResultCommitMerge is the result of a CommitMerge command.
type ExecResultCommitMerge struct {
	Region *metapb.Region
	Source *metapb.Region
}

// ExecResultRollbackMerge is the result of a RollbackMerge command.
type ExecResultRollbackMerge struct {
	Region *metapb.Region
	Commit uint64
}

// ExecResultComputeHash is the result of a ComputeHash command.
type ExecResultComputeHash struct {
	Region *metapb.Region
	Index  uint64
	Snap   RegionSnapshot
}

// ExecResultVerifyHash is the result of a VerifyHash command.
type ExecResultVerifyHash struct {
	Index uint64
	Hash  []byte
}

// KeyRange is a [StartKey, EndKey) range.
type KeyRange struct {
	StartKey []byte
	EndKey   []byte
}

// ExecResultDeleteRange is the result of a DeleteRange command.
type ExecResultDeleteRange struct {
	Ranges []KeyRange
}

// ExecResultIngestSST is the result of an IngestSST command.
type ExecResultIngestSST struct {
	SSTs []*import_sstpb.SSTMeta
}

// RegionSnapshot is a consistent view of a region's data used by the consistency check.
type RegionSnapshot interface {
	Scan(fn func(key, value []byte) error) error
}
