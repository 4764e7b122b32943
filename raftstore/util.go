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

	"github.com/gogo/protobuf/proto"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
)

// Size units.
const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

const (
	// InvalidID is the id of a peer or region that is not assigned yet.
	InvalidID uint64 = 0
	// RaftInvalidIndex is the raft index that is never used.
	RaftInvalidIndex uint64 = 0
	// RaftInitLogTerm is the term of the initial log of a region created by bootstrap or split.
	RaftInitLogTerm = 5
	// RaftInitLogIndex is the index of the initial log of a region created by bootstrap or split.
	RaftInitLogIndex = 5
)

// IsEpochStale returns true if either version or conf_ver of epoch is lower than checkEpoch.
func IsEpochStale(epoch *metapb.RegionEpoch, checkEpoch *metapb.RegionEpoch) bool {
	return epoch.Version < checkEpoch.Version || epoch.ConfVer < checkEpoch.ConfVer
}

func findPeer(region *metapb.Region, storeID uint64) *metapb.Peer {
	for _, peer := range region.Peers {
		if peer.StoreId == storeID {
			return peer
		}
	}
	return nil
}

func findPeerByID(region *metapb.Region, peerID uint64) *metapb.Peer {
	for _, peer := range region.Peers {
		if peer.Id == peerID {
			return peer
		}
	}
	return nil
}

func removePeer(region *metapb.Region, storeID uint64) *metapb.Peer {
	for i, peer := range region.Peers {
		if peer.StoreId == storeID {
			region.Peers = append(region.Peers[:i], region.Peers[i+1:]...)
			return peer
		}
	}
	return nil
}

func isLearner(peer *metapb.Peer) bool {
	return peer.GetRole() == metapb.PeerRole_Learner
}

// PeerEqual checks whether two peers are the same replica.
func PeerEqual(l, r *metapb.Peer) bool {
	return l.Id == r.Id && l.StoreId == r.StoreId && l.Role == r.Role
}

// RegionEqual checks whether two regions have the same id and epoch.
func RegionEqual(l, r *metapb.Region) bool {
	if l == nil || r == nil {
		return false
	}
	return l.Id == r.Id && l.RegionEpoch.Version == r.RegionEpoch.Version && l.RegionEpoch.ConfVer == r.RegionEpoch.ConfVer
}

func cloneRegion(region *metapb.Region) *metapb.Region {
	return proto.Clone(region).(*metapb.Region)
}

// isSibling returns true if the two regions are adjacent in key order.
func isSibling(l, r *metapb.Region) bool {
	if len(l.EndKey) > 0 && bytes.Equal(l.EndKey, r.StartKey) {
		return true
	}
	return len(r.EndKey) > 0 && bytes.Equal(r.EndKey, l.StartKey)
}

// isSameStores checks whether the peers of the two regions are placed on the
// same stores with the same roles.
func isSameStores(l, r *metapb.Region) bool {
	if len(l.Peers) != len(r.Peers) {
		return false
	}
	for _, lp := range l.Peers {
		rp := findPeer(r, lp.StoreId)
		if rp == nil || isLearner(rp) != isLearner(lp) {
			return false
		}
	}
	return true
}

// CheckKeyInRegion checks if key in region range [`start_key`, `end_key`).
func CheckKeyInRegion(key []byte, region *metapb.Region) error {
	if bytes.Compare(key, region.StartKey) >= 0 && (len(region.EndKey) == 0 || bytes.Compare(key, region.EndKey) < 0) {
		return nil
	}
	return &ErrKeyNotInRegion{Key: key, Region: region}
}

func isVoteMessage(msg *eraftpb.Message) bool {
	tp := msg.GetMsgType()
	return tp == eraftpb.MessageType_MsgRequestVote || tp == eraftpb.MessageType_MsgRequestPreVote
}

// isFirstVoteMessage checks whether the msg is a vote message sent by a peer that
// has not joined the group yet.
func isFirstVoteMessage(msg *eraftpb.Message) bool {
	return isVoteMessage(msg) && msg.Term == RaftInitLogTerm+1
}

// isInitialMsg checks whether the msg can be used to create a new peer.
func isInitialMsg(msg *eraftpb.Message) bool {
	return msg.MsgType == eraftpb.MessageType_MsgRequestVote ||
		msg.MsgType == eraftpb.MessageType_MsgRequestPreVote ||
		// the peer has not been known to this leader, it may exist or not.
		(msg.MsgType == eraftpb.MessageType_MsgHeartbeat && msg.Commit == RaftInvalidIndex)
}

type checkEpochFlag struct {
	checkVer     bool
	checkConfVer bool
}

func epochFlagForAdmin(cmdType raft_cmdpb.AdminCmdType) checkEpochFlag {
	switch cmdType {
	case raft_cmdpb.AdminCmdType_CompactLog, raft_cmdpb.AdminCmdType_InvalidAdmin,
		raft_cmdpb.AdminCmdType_ComputeHash, raft_cmdpb.AdminCmdType_VerifyHash:
		return checkEpochFlag{}
	case raft_cmdpb.AdminCmdType_Split, raft_cmdpb.AdminCmdType_BatchSplit:
		return checkEpochFlag{checkVer: true}
	case raft_cmdpb.AdminCmdType_ChangePeer:
		return checkEpochFlag{checkConfVer: true}
	case raft_cmdpb.AdminCmdType_PrepareMerge, raft_cmdpb.AdminCmdType_CommitMerge,
		raft_cmdpb.AdminCmdType_RollbackMerge, raft_cmdpb.AdminCmdType_TransferLeader:
		return checkEpochFlag{checkVer: true, checkConfVer: true}
	}
	return checkEpochFlag{}
}

// checkRegionEpoch checks the epoch carried by the request against the region. The
// region is attached to the returned error when includeRegion is set.
func checkRegionEpoch(req *raft_cmdpb.RaftCmdRequest, region *metapb.Region, includeRegion bool) error {
	var flag checkEpochFlag
	if req.AdminRequest != nil {
		flag = epochFlagForAdmin(req.AdminRequest.CmdType)
	} else {
		// for get/set/delete, we don't care conf_version.
		flag = checkEpochFlag{checkVer: true}
	}
	if !flag.checkVer && !flag.checkConfVer {
		return nil
	}
	fromEpoch := req.GetHeader().GetRegionEpoch()
	if fromEpoch == nil {
		return &ErrEpochNotMatch{Message: fmt.Sprintf("missing epoch for region %d", region.Id)}
	}
	currentEpoch := region.RegionEpoch
	// We must check epochs strictly to avoid key not in region error.
	if (flag.checkConfVer && fromEpoch.ConfVer != currentEpoch.ConfVer) ||
		(flag.checkVer && fromEpoch.Version != currentEpoch.Version) {
		err := &ErrEpochNotMatch{
			Message: fmt.Sprintf("current epoch of region %d is %s, but you sent %s",
				region.Id, currentEpoch, fromEpoch),
		}
		if includeRegion {
			err.Regions = []*metapb.Region{region}
		}
		return err
	}
	return nil
}

func checkStoreID(req *raft_cmdpb.RaftCmdRequest, storeID uint64) error {
	peer := req.Header.Peer
	if peer.StoreId == storeID {
		return nil
	}
	return &ErrStoreNotMatch{RequestStoreID: peer.StoreId, ActualStoreID: storeID}
}

func checkPeerID(req *raft_cmdpb.RaftCmdRequest, peerID uint64) error {
	peer := req.Header.Peer
	if peer.Id == peerID {
		return nil
	}
	return errors.Errorf("mismatch peer id %d != %d", peer.Id, peerID)
}

func checkTerm(req *raft_cmdpb.RaftCmdRequest, term uint64) error {
	header := req.Header
	if header.Term == 0 || term <= header.Term+1 {
		return nil
	}
	// If header's term is 2 verions behind current term,
	// leadership may have been changed away.
	return &ErrStaleCommand{}
}

func getChangePeerCmd(req *raft_cmdpb.RaftCmdRequest) *raft_cmdpb.ChangePeerRequest {
	if req.AdminRequest == nil || req.AdminRequest.ChangePeer == nil {
		return nil
	}
	return req.AdminRequest.ChangePeer
}

func getTransferLeaderCmd(req *raft_cmdpb.RaftCmdRequest) *raft_cmdpb.TransferLeaderRequest {
	if req.AdminRequest == nil {
		return nil
	}
	return req.AdminRequest.TransferLeader
}

func newAdminRequest(regionID uint64, peer *metapb.Peer) *raft_cmdpb.RaftCmdRequest {
	return &raft_cmdpb.RaftCmdRequest{
		Header: &raft_cmdpb.RaftRequestHeader{
			RegionId: regionID,
			Peer:     peer,
		},
	}
}

func newCompactLogRequest(regionID uint64, peer *metapb.Peer, compactIndex, compactTerm uint64) *raft_cmdpb.RaftCmdRequest {
	req := newAdminRequest(regionID, peer)
	req.AdminRequest = &raft_cmdpb.AdminRequest{
		CmdType: raft_cmdpb.AdminCmdType_CompactLog,
		CompactLog: &raft_cmdpb.CompactLogRequest{
			CompactIndex: compactIndex,
			CompactTerm:  compactTerm,
		},
	}
	return req
}

func newVerifyHashRequest(regionID uint64, peer *metapb.Peer, state *ConsistencyState) *raft_cmdpb.RaftCmdRequest {
	request := newAdminRequest(regionID, peer)
	request.AdminRequest = &raft_cmdpb.AdminRequest{
		CmdType: raft_cmdpb.AdminCmdType_VerifyHash,
		VerifyHash: &raft_cmdpb.VerifyHashRequest{
			Index: state.Index,
			Hash:  state.Hash,
		},
	}
	return request
}

func newComputeHashRequest(region *metapb.Region, peer *metapb.Peer) *raft_cmdpb.RaftCmdRequest {
	request := newAdminRequest(region.Id, peer)
	request.Header.RegionEpoch = region.RegionEpoch
	request.AdminRequest = &raft_cmdpb.AdminRequest{
		CmdType:     raft_cmdpb.AdminCmdType_ComputeHash,
		ComputeHash: &raft_cmdpb.ComputeHashRequest{},
	}
	return request
}

func newBatchSplitRequest(region *metapb.Region, peer *metapb.Peer, splitKeys [][]byte,
	ids []*newSplitID, rightDerive bool) *raft_cmdpb.RaftCmdRequest {
	req := newAdminRequest(region.Id, peer)
	req.Header.RegionEpoch = region.RegionEpoch
	requests := make([]*raft_cmdpb.SplitRequest, 0, len(splitKeys))
	for i, key := range splitKeys {
		requests = append(requests, &raft_cmdpb.SplitRequest{
			SplitKey:    key,
			NewRegionId: ids[i].regionID,
			NewPeerIds:  ids[i].peerIDs,
		})
	}
	req.AdminRequest = &raft_cmdpb.AdminRequest{
		CmdType: raft_cmdpb.AdminCmdType_BatchSplit,
		Splits: &raft_cmdpb.BatchSplitRequest{
			Requests:    requests,
			RightDerive: rightDerive,
		},
	}
	return req
}

type newSplitID struct {
	regionID uint64
	peerIDs  []uint64
}

func newTransferLeaderRequest(region *metapb.Region, peer, target *metapb.Peer) *raft_cmdpb.RaftCmdRequest {
	req := newAdminRequest(region.Id, peer)
	req.Header.RegionEpoch = region.RegionEpoch
	req.AdminRequest = &raft_cmdpb.AdminRequest{
		CmdType:        raft_cmdpb.AdminCmdType_TransferLeader,
		TransferLeader: &raft_cmdpb.TransferLeaderRequest{Peer: target},
	}
	return req
}

func newChangePeerRequest(region *metapb.Region, peer *metapb.Peer, changeType eraftpb.ConfChangeType,
	target *metapb.Peer) *raft_cmdpb.RaftCmdRequest {
	req := newAdminRequest(region.Id, peer)
	req.Header.RegionEpoch = region.RegionEpoch
	req.AdminRequest = &raft_cmdpb.AdminRequest{
		CmdType: raft_cmdpb.AdminCmdType_ChangePeer,
		ChangePeer: &raft_cmdpb.ChangePeerRequest{
			ChangeType: changeType,
			Peer:       target,
		},
	}
	return req
}
