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
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/log"
	"go.etcd.io/etcd/raft"
	"go.etcd.io/etcd/raft/raftpb"
	"go.etcd.io/etcd/raft/tracker"
	"go.uber.org/zap"
)

// RaftCore is the consensus engine driven by a Peer. *raft.RawNode implements it.
type RaftCore interface {
	Tick()
	Campaign() error
	Propose(data []byte) error
	ProposeConfChange(cc raftpb.ConfChangeI) error
	ApplyConfChange(cc raftpb.ConfChangeI) *raftpb.ConfState
	Step(m raftpb.Message) error
	Ready() raft.Ready
	HasReady() bool
	Advance(rd raft.Ready)
	Status() raft.Status
	BasicStatus() raft.BasicStatus
	ReportUnreachable(id uint64)
	ReportSnapshot(id uint64, status raft.SnapshotStatus)
	TransferLeader(transferee uint64)
	WithProgress(visitor func(id uint64, typ raft.ProgressType, pr tracker.Progress))
}

var _ RaftCore = (*raft.RawNode)(nil)

// raftLogger routes the raft library's logs to the process logger.
type raftLogger struct {
	*zap.SugaredLogger
}

func (l raftLogger) Warning(v ...interface{}) {
	l.Warn(v...)
}

func (l raftLogger) Warningf(format string, v ...interface{}) {
	l.Warnf(format, v...)
}

func newRaftCore(cfg *Config, peerID, applied uint64, storage raft.Storage) (RaftCore, error) {
	raftCfg := &raft.Config{
		ID:              peerID,
		ElectionTick:    cfg.RaftElectionTimeoutTicks,
		HeartbeatTick:   cfg.RaftHeartbeatTicks,
		MaxSizePerMsg:   cfg.RaftMaxSizePerMsg,
		MaxInflightMsgs: cfg.RaftMaxInflightMsgs,
		Applied:         applied,
		CheckQuorum:     true,
		PreVote:         cfg.Prevote,
		Storage:         storage,
		Logger:          raftLogger{log.S().With(zap.Uint64("raft id", peerID))},
	}
	// Followers drop proposals instead of forwarding them, so a proposer
	// always learns the index its entry was appended at.
	raftCfg.DisableProposalForwarding = true
	return raft.NewRawNode(raftCfg)
}

func toRaftMessage(m *eraftpb.Message) raftpb.Message {
	msg := raftpb.Message{
		Type:       raftpb.MessageType(m.MsgType),
		To:         m.To,
		From:       m.From,
		Term:       m.Term,
		LogTerm:    m.LogTerm,
		Index:      m.Index,
		Commit:     m.Commit,
		Reject:     m.Reject,
		RejectHint: m.RejectHint,
		Context:    m.Context,
	}
	if len(m.Entries) > 0 {
		msg.Entries = make([]raftpb.Entry, 0, len(m.Entries))
		for _, e := range m.Entries {
			msg.Entries = append(msg.Entries, toRaftEntry(e))
		}
	}
	if m.Snapshot != nil {
		msg.Snapshot = toRaftSnapshot(m.Snapshot)
	}
	return msg
}

func fromRaftMessage(m *raftpb.Message) *eraftpb.Message {
	msg := &eraftpb.Message{
		MsgType:    eraftpb.MessageType(m.Type),
		To:         m.To,
		From:       m.From,
		Term:       m.Term,
		LogTerm:    m.LogTerm,
		Index:      m.Index,
		Commit:     m.Commit,
		Reject:     m.Reject,
		RejectHint: m.RejectHint,
		Context:    m.Context,
	}
	if len(m.Entries) > 0 {
		msg.Entries = make([]*eraftpb.Entry, 0, len(m.Entries))
		for i := range m.Entries {
			msg.Entries = append(msg.Entries, fromRaftEntry(&m.Entries[i]))
		}
	}
	if !raft.IsEmptySnap(m.Snapshot) {
		msg.Snapshot = fromRaftSnapshot(&m.Snapshot)
	}
	return msg
}

func toRaftEntry(e *eraftpb.Entry) raftpb.Entry {
	return raftpb.Entry{
		Type:  raftpb.EntryType(e.EntryType),
		Term:  e.Term,
		Index: e.Index,
		Data:  e.Data,
	}
}

func fromRaftEntry(e *raftpb.Entry) *eraftpb.Entry {
	return &eraftpb.Entry{
		EntryType: eraftpb.EntryType(e.Type),
		Term:      e.Term,
		Index:     e.Index,
		Data:      e.Data,
	}
}

func toRaftSnapshot(s *eraftpb.Snapshot) raftpb.Snapshot {
	snap := raftpb.Snapshot{Data: s.Data}
	if meta := s.Metadata; meta != nil {
		snap.Metadata.Index = meta.Index
		snap.Metadata.Term = meta.Term
		if cs := meta.ConfState; cs != nil {
			snap.Metadata.ConfState = raftpb.ConfState{
				Voters:   cs.Voters,
				Learners: cs.Learners,
			}
		}
	}
	return snap
}

func fromRaftSnapshot(s *raftpb.Snapshot) *eraftpb.Snapshot {
	return &eraftpb.Snapshot{
		Data: s.Data,
		Metadata: &eraftpb.SnapshotMetadata{
			ConfState: fromRaftConfState(&s.Metadata.ConfState),
			Index:     s.Metadata.Index,
			Term:      s.Metadata.Term,
		},
	}
}

func fromRaftConfState(cs *raftpb.ConfState) *eraftpb.ConfState {
	return &eraftpb.ConfState{
		Voters:   cs.Voters,
		Learners: cs.Learners,
	}
}

func toRaftConfChangeType(tp eraftpb.ConfChangeType) raftpb.ConfChangeType {
	switch tp {
	case eraftpb.ConfChangeType_AddNode:
		return raftpb.ConfChangeAddNode
	case eraftpb.ConfChangeType_RemoveNode:
		return raftpb.ConfChangeRemoveNode
	case eraftpb.ConfChangeType_AddLearnerNode:
		return raftpb.ConfChangeAddLearnerNode
	}
	panic("unknown conf change type " + tp.String())
}

func toRaftConfChange(cc *eraftpb.ConfChange) raftpb.ConfChange {
	return raftpb.ConfChange{
		Type:    toRaftConfChangeType(cc.ChangeType),
		NodeID:  cc.NodeId,
		Context: cc.Context,
	}
}

func fromRaftConfChange(cc *raftpb.ConfChange) *eraftpb.ConfChange {
	cct := eraftpb.ConfChangeType_AddNode
	switch cc.Type {
	case raftpb.ConfChangeRemoveNode:
		cct = eraftpb.ConfChangeType_RemoveNode
	case raftpb.ConfChangeAddLearnerNode:
		cct = eraftpb.ConfChangeType_AddLearnerNode
	}
	return &eraftpb.ConfChange{
		ChangeType: cct,
		NodeId:     cc.NodeID,
		Context:    cc.Context,
	}
}

func toRaftHardState(hs *eraftpb.HardState) raftpb.HardState {
	return raftpb.HardState{Term: hs.Term, Vote: hs.Vote, Commit: hs.Commit}
}

func fromRaftHardState(hs *raftpb.HardState) *eraftpb.HardState {
	return &eraftpb.HardState{Term: hs.Term, Vote: hs.Vote, Commit: hs.Commit}
}
