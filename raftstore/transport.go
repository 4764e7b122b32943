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
	"github.com/ngaut/raftpeer/metrics"
	"github.com/ngaut/raftpeer/pd"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pingcap/log"
	"go.etcd.io/etcd/raft"
	"go.uber.org/zap"
)

// ServerTransport sends the raft messages of the peers to other stores.
type ServerTransport struct {
	raftClient *RaftClient
	router     *router
}

// NewServerTransport creates a transport over a gRPC raft client.
func NewServerTransport(cfg *Config, pdClient pd.Client, router *router) *ServerTransport {
	t := &ServerTransport{router: router}
	t.raftClient = newRaftClient(cfg, pdClient, t.reportSendResult)
	return t
}

// Send implements Transport.
func (t *ServerTransport) Send(msg *rspb.RaftMessage) error {
	metrics.RaftSentMessages.WithLabelValues(msg.GetMessage().GetMsgType().String()).Inc()
	if err := t.raftClient.Send(msg); err != nil {
		t.ReportUnreachable(msg)
		return err
	}
	return nil
}

func (t *ServerTransport) reportSendResult(msg *rspb.RaftMessage, err error) {
	if msg.GetMessage().GetSnapshot() != nil {
		if err != nil {
			t.ReportSnapshotStatus(msg, raft.SnapshotFailure)
		} else {
			t.ReportSnapshotStatus(msg, raft.SnapshotFinish)
		}
		return
	}
	if err != nil {
		t.ReportUnreachable(msg)
	}
}

// ReportSnapshotStatus tells the sending peer the result of a snapshot.
func (t *ServerTransport) ReportSnapshotStatus(msg *rspb.RaftMessage, status raft.SnapshotStatus) {
	regionID := msg.GetRegionId()
	toPeerID := msg.GetToPeer().GetId()
	toStoreID := msg.GetToPeer().GetStoreId()
	log.Debug("send snapshot", zap.Uint64("to peer", toPeerID), zap.Uint64("region id", regionID), zap.Int("status", int(status)))
	if err := t.router.send(regionID, NewPeerMsg(MsgTypeSignificantMsg, regionID, &MsgSignificant{
		Type:           MsgSignificantTypeStatus,
		ToPeerID:       toPeerID,
		SnapshotStatus: status,
	})); err != nil {
		log.Error("report snapshot to peer fails", zap.Uint64("to peer", toPeerID), zap.Uint64("to store", toStoreID), zap.Uint64("region id", regionID), zap.Error(err))
	}
}

// ReportUnreachable tells the sending peer the target can't be reached.
func (t *ServerTransport) ReportUnreachable(msg *rspb.RaftMessage) {
	regionID := msg.GetRegionId()
	toPeerID := msg.GetToPeer().GetId()
	toStoreID := msg.GetToPeer().GetStoreId()
	if msg.GetMessage().GetMsgType() == eraftpb.MessageType_MsgSnapshot {
		t.ReportSnapshotStatus(msg, raft.SnapshotFailure)
		return
	}
	if err := t.router.send(regionID, NewPeerMsg(MsgTypeSignificantMsg, regionID, &MsgSignificant{
		Type:     MsgSignificantTypeUnreachable,
		ToPeerID: toPeerID,
	})); err != nil {
		log.Error("report peer unreachable failed", zap.Uint64("to peer", toPeerID), zap.Uint64("to store", toStoreID), zap.Uint64("region id", regionID), zap.Error(err))
	}
}

// Stop closes the connections to other stores.
func (t *ServerTransport) Stop() {
	t.raftClient.Stop()
}
