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
	"context"
	"time"

	"github.com/ngaut/raftpeer/metrics"
	"github.com/ngaut/raftpeer/pd"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/pdpb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const pdRequestTimeout = 10 * time.Second

// peerWrittenStat is the written flow of a region reported by the last heartbeat.
type peerWrittenStat struct {
	lastWrittenBytes uint64
	lastWrittenKeys  uint64
}

type pdTaskHandler struct {
	storeID  uint64
	pdClient pd.Client
	router   *router

	regionStats map[uint64]*peerWrittenStat
}

func newPDTaskHandler(storeID uint64, pdClient pd.Client, router *router) *pdTaskHandler {
	return &pdTaskHandler{
		storeID:     storeID,
		pdClient:    pdClient,
		router:      router,
		regionStats: make(map[uint64]*peerWrittenStat),
	}
}

func (r *pdTaskHandler) start() {
	r.pdClient.SetRegionHeartbeatResponseHandler(r.onRegionHeartbeatResponse)
}

func (r *pdTaskHandler) handle(t task) {
	switch t.tp {
	case taskTypePDAskBatchSplit:
		r.onAskBatchSplit(t.data.(*pdAskBatchSplitTask))
	case taskTypePDHeartbeat:
		r.onHeartbeat(t.data.(*pdRegionHeartbeatTask))
	case taskTypePDStoreHeartbeat:
		r.onStoreHeartbeat(t.data.(*pdStoreHeartbeatTask))
	case taskTypePDReportBatchSplit:
		r.onReportBatchSplit(t.data.(*pdReportBatchSplitTask))
	case taskTypePDValidatePeer:
		r.onValidatePeer(t.data.(*pdValidatePeerTask))
	case taskTypePDDestroyPeer:
		r.onDestroyPeer(t.data.(*pdDestroyPeerTask))
	default:
		log.Error("unsupported pd task type", zap.Int64("type", int64(t.tp)))
	}
}

func (r *pdTaskHandler) onAskBatchSplit(t *pdAskBatchSplitTask) {
	ctx, cancel := context.WithTimeout(context.Background(), pdRequestTimeout)
	defer cancel()
	resp, err := r.pdClient.AskBatchSplit(ctx, t.region, len(t.splitKeys))
	if err != nil {
		log.Warn("ask batch split failed", zap.Uint64("region id", t.region.Id), zap.Error(err))
		t.callback.Done(ErrResp(err))
		return
	}
	ids := make([]*newSplitID, 0, len(resp.Ids))
	for _, id := range resp.Ids {
		ids = append(ids, &newSplitID{
			regionID: id.NewRegionId,
			peerIDs:  id.NewPeerIds,
		})
	}
	log.Info("try to batch split region",
		zap.Uint64("region id", t.region.Id), zap.Int("split count", len(t.splitKeys)))
	req := newBatchSplitRequest(t.region, t.peer, t.splitKeys, ids, t.rightDerive)
	if err = r.router.sendRaftCommand(&MsgRaftCmd{
		SendTime: time.Now(),
		Request:  req,
		Callback: t.callback,
	}); err != nil {
		t.callback.Done(ErrRespRegionNotFound(t.region.Id))
	}
}

func (r *pdTaskHandler) onHeartbeat(t *pdRegionHeartbeatTask) {
	stat, ok := r.regionStats[t.region.Id]
	if !ok {
		stat = new(peerWrittenStat)
		r.regionStats[t.region.Id] = stat
	}
	req := &pdpb.RegionHeartbeatRequest{
		Region:       t.region,
		Leader:       t.peer,
		DownPeers:    t.downPeers,
		PendingPeers: t.pendingPeers,
		BytesWritten: t.writtenBytes - stat.lastWrittenBytes,
		KeysWritten:  t.writtenKeys - stat.lastWrittenKeys,
	}
	if t.approximateSize != nil {
		req.ApproximateSize = *t.approximateSize
	}
	if t.approximateKeys != nil {
		req.ApproximateKeys = *t.approximateKeys
	}
	stat.lastWrittenBytes = t.writtenBytes
	stat.lastWrittenKeys = t.writtenKeys
	r.pdClient.ReportRegion(req)
	metrics.PDHeartbeatCounter.WithLabelValues("region").Inc()
}

func (r *pdTaskHandler) onStoreHeartbeat(t *pdStoreHeartbeatTask) {
	stats := t.stats
	stats.Capacity = t.capacity
	if stats.Available == 0 {
		stats.Available = t.capacity
	}
	ctx, cancel := context.WithTimeout(context.Background(), pdRequestTimeout)
	defer cancel()
	if err := r.pdClient.StoreHeartbeat(ctx, stats); err != nil {
		log.Warn("store heartbeat failed", zap.Uint64("store id", r.storeID), zap.Error(err))
	}
}

func (r *pdTaskHandler) onReportBatchSplit(t *pdReportBatchSplitTask) {
	ctx, cancel := context.WithTimeout(context.Background(), pdRequestTimeout)
	defer cancel()
	if err := r.pdClient.ReportBatchSplit(ctx, t.regions); err != nil {
		log.Warn("report batch split failed", zap.Error(err))
	}
}

// onValidatePeer checks whether the peer is still a member of the region, a
// removed peer is told to destroy itself.
func (r *pdTaskHandler) onValidatePeer(t *pdValidatePeerTask) {
	ctx, cancel := context.WithTimeout(context.Background(), pdRequestTimeout)
	defer cancel()
	pdRegion, _, err := r.pdClient.GetRegionByID(ctx, t.region.Id)
	if err != nil {
		log.Warn("get region failed", zap.Uint64("region id", t.region.Id), zap.Error(err))
		return
	}
	if pdRegion == nil {
		log.Info("region not found in pd", zap.Uint64("region id", t.region.Id))
		return
	}
	if IsEpochStale(pdRegion.RegionEpoch, t.region.RegionEpoch) {
		log.Info("local region epoch is greater than the region epoch in pd, ignore validate peer",
			zap.Uint64("region id", t.region.Id), zap.Stringer("peer", t.peer))
		return
	}
	if findPeerByID(pdRegion, t.peer.Id) != nil {
		log.Info("peer is still valid", zap.Uint64("region id", t.region.Id), zap.Stringer("peer", t.peer))
		return
	}
	if t.mergeSource != nil {
		// The target of the merge is gone, the source can't be merged.
		source := *t.mergeSource
		log.Info("merge target peer is removed, notify the merge source",
			zap.Uint64("target region id", t.region.Id), zap.Uint64("source region id", source))
		_ = r.router.send(source, NewPeerMsg(MsgTypeMergeResult, source, &MsgMergeResult{
			TargetPeer: t.peer,
			Stale:      true,
		}))
		return
	}
	log.Info("peer is removed from region, destroy it",
		zap.Uint64("region id", t.region.Id), zap.Stringer("peer", t.peer))
	r.sendDestroyPeerMessage(t.region, t.peer, pdRegion)
}

func (r *pdTaskHandler) sendDestroyPeerMessage(local *metapb.Region, peer *metapb.Peer, pdRegion *metapb.Region) {
	_ = r.router.sendRaftMessage(&rspb.RaftMessage{
		RegionId:    local.Id,
		FromPeer:    peer,
		ToPeer:      peer,
		RegionEpoch: pdRegion.RegionEpoch,
		IsTombstone: true,
	})
}

func (r *pdTaskHandler) onDestroyPeer(t *pdDestroyPeerTask) {
	delete(r.regionStats, t.regionID)
}

// onRegionHeartbeatResponse routes the operators scheduled by pd to the
// region leaders. It runs on the pd client goroutine.
func (r *pdTaskHandler) onRegionHeartbeatResponse(resp *pdpb.RegionHeartbeatResponse) {
	regionID := resp.RegionId
	ps := r.router.get(regionID)
	if ps == nil {
		log.Debug("heartbeat response for a region not on this store", zap.Uint64("region id", regionID))
		return
	}
	region := &metapb.Region{
		Id:          regionID,
		RegionEpoch: resp.RegionEpoch,
	}
	peer := resp.TargetPeer
	switch {
	case resp.ChangePeer != nil:
		changePeer := resp.ChangePeer
		metrics.PDHeartbeatCounter.WithLabelValues("change_peer").Inc()
		r.sendAdminRequest(newChangePeerRequest(region, peer, changePeer.ChangeType, changePeer.Peer))
	case resp.TransferLeader != nil:
		metrics.PDHeartbeatCounter.WithLabelValues("transfer_leader").Inc()
		r.sendAdminRequest(newTransferLeaderRequest(region, peer, resp.TransferLeader.Peer))
	case resp.SplitRegion != nil:
		metrics.PDHeartbeatCounter.WithLabelValues("split_region").Inc()
		_ = r.router.send(regionID, NewPeerMsg(MsgTypeHalfSplitRegion, regionID, &MsgHalfSplitRegion{
			RegionEpoch: resp.RegionEpoch,
			Policy:      resp.SplitRegion.Policy,
		}))
	case resp.Merge != nil:
		metrics.PDHeartbeatCounter.WithLabelValues("merge").Inc()
		req := newAdminRequest(regionID, peer)
		req.Header.RegionEpoch = resp.RegionEpoch
		req.AdminRequest = &raft_cmdpb.AdminRequest{
			CmdType:      raft_cmdpb.AdminCmdType_PrepareMerge,
			PrepareMerge: &raft_cmdpb.PrepareMergeRequest{Target: resp.Merge.Target},
		}
		r.sendAdminRequest(req)
	default:
		metrics.PDHeartbeatCounter.WithLabelValues("noop").Inc()
	}
}

func (r *pdTaskHandler) sendAdminRequest(req *raft_cmdpb.RaftCmdRequest) {
	regionID := req.Header.RegionId
	if err := r.router.sendRaftCommand(&MsgRaftCmd{
		SendTime: time.Now(),
		Request:  req,
	}); err != nil {
		log.Warn("send admin request failed", zap.Uint64("region id", regionID), zap.Error(err))
	}
}
