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
	"time"

	"github.com/ngaut/raftpeer/config"
)

// Config is the runtime configuration of the raftstore.
type Config struct {
	// store capacity. 0 means no limit.
	Capacity uint64

	Addr          string
	AdvertiseAddr string

	// raft_base_tick_interval is a base tick interval (ms).
	RaftBaseTickInterval     time.Duration
	RaftHeartbeatTicks       int
	RaftElectionTimeoutTicks int
	RaftMaxSizePerMsg        uint64
	RaftMaxInflightMsgs      int
	Prevote                  bool

	// When the entry exceed the max size, reject to propose it.
	RaftEntryMaxSize uint64

	// Interval to gc unnecessary raft log (ms).
	RaftLogGCTickInterval time.Duration
	// A threshold to gc stale raft log, must >= 1.
	RaftLogGcThreshold uint64
	// When entry count exceed this value, gc will be forced trigger.
	RaftLogGcCountLimit uint64
	// When the approximate size of raft log entries exceed this value,
	// gc will be forced trigger.
	RaftLogGcSizeLimit uint64
	// Entries of the followers heard within this duration stay in the cache.
	RaftEntryCacheLifeTime time.Duration

	// Interval (ms) to check region whether need to be split or not.
	SplitRegionCheckTickInterval time.Duration
	// When size change of region exceed the diff since last check, it
	// will be checked again whether it should be split.
	RegionSplitCheckDiff uint64
	// Region larger than this is split by the split check worker.
	RegionMaxSize   uint64
	RegionSplitSize uint64

	PdHeartbeatTickInterval      time.Duration
	PdStoreHeartbeatTickInterval time.Duration
	SnapMgrGcTickInterval        time.Duration
	SnapGcTimeout                time.Duration
	ConsistencyCheckInterval     time.Duration

	// The lease provided by a successfully proposed and applied entry.
	RaftStoreMaxLeaderLease time.Duration

	// Right region derive origin region id when split.
	RightDeriveWhenSplit bool

	AllowRemoveLeader bool

	// A peer added recently can not be the transferee of leader transfer.
	RaftRejectTransferLeaderDuration time.Duration
	// Max log gap allowed to propose a leader transfer.
	LeaderTransferMaxLogLag uint64

	MergeMaxLogGap         uint64
	MergeCheckTickInterval time.Duration

	// When a peer is not responding for this time, leader will not keep entry cache for it.
	MaxPeerDownDuration time.Duration

	// If the leader of a peer is missing for longer than max_leader_missing_duration,
	// the peer would ask pd to confirm whether it is valid in any region.
	// If the peer is stale and is not valid in any region, it will destroy itself.
	MaxLeaderMissingDuration time.Duration
	// Similar to the max_leader_missing_duration, instead it will log warnings and
	// try to alert monitoring systems, if there is any.
	AbnormalLeaderMissingDuration time.Duration
	PeerStaleStateCheckInterval   time.Duration

	SnapPath string
	// Zero means the snapshot sending is not throttled.
	SnapMaxWriteBytesPerSec int

	RaftWorkerCnt int

	ApplyMaxBatchSize uint64
	PeerMsgChanSize   int

	GrpcKeepAliveTime     time.Duration
	GrpcKeepAliveTimeout  time.Duration
	GrpcRaftConnNum       uint64
	GrpcInitialWindowSize int32
}

// NewDefaultConfig returns the default raftstore configuration.
func NewDefaultConfig() *Config {
	splitSize := 64 * MB
	return &Config{
		RaftBaseTickInterval:             1 * time.Second,
		RaftHeartbeatTicks:               2,
		RaftElectionTimeoutTicks:         10,
		RaftMaxSizePerMsg:                1 * MB,
		RaftMaxInflightMsgs:              256,
		Prevote:                          true,
		RaftEntryMaxSize:                 8 * MB,
		RaftLogGCTickInterval:            10 * time.Second,
		RaftLogGcThreshold:               50,
		RaftLogGcCountLimit:              splitSize * 3 / 4 / KB,
		RaftLogGcSizeLimit:               splitSize * 3 / 4,
		RaftEntryCacheLifeTime:           30 * time.Second,
		SplitRegionCheckTickInterval:     10 * time.Second,
		RegionSplitCheckDiff:             splitSize / 8,
		RegionMaxSize:                    splitSize / 2 * 3,
		RegionSplitSize:                  splitSize,
		PdHeartbeatTickInterval:          20 * time.Second,
		PdStoreHeartbeatTickInterval:     10 * time.Second,
		SnapMgrGcTickInterval:            time.Minute,
		SnapGcTimeout:                    4 * time.Hour,
		ConsistencyCheckInterval:         0,
		RaftStoreMaxLeaderLease:          9 * time.Second,
		RightDeriveWhenSplit:             true,
		AllowRemoveLeader:                false,
		RaftRejectTransferLeaderDuration: 3 * time.Second,
		LeaderTransferMaxLogLag:          10,
		MergeMaxLogGap:                   10,
		MergeCheckTickInterval:           10 * time.Second,
		MaxPeerDownDuration:              5 * time.Minute,
		MaxLeaderMissingDuration:         2 * time.Hour,
		AbnormalLeaderMissingDuration:    10 * time.Minute,
		PeerStaleStateCheckInterval:      5 * time.Minute,
		SnapPath:                         "snap",
		SnapMaxWriteBytesPerSec:          100 * 1024 * 1024,
		RaftWorkerCnt:                    2,
		ApplyMaxBatchSize:                256,
		PeerMsgChanSize:                  4096,
		GrpcKeepAliveTime:                3 * time.Second,
		GrpcKeepAliveTimeout:             60 * time.Second,
		GrpcRaftConnNum:                  1,
		GrpcInitialWindowSize:            2 * 1024 * 1024,
	}
}

// NewConfigFromFile maps a loaded configuration file onto the raftstore defaults.
func NewConfigFromFile(conf *config.Config) *Config {
	cfg := NewDefaultConfig()
	rs := &conf.RaftStore
	cfg.Addr = conf.Server.StoreAddr
	cfg.AdvertiseAddr = conf.Server.StoreAddr
	cfg.PdHeartbeatTickInterval = config.ParseDuration(rs.PdHeartbeatTickInterval)
	cfg.RaftStoreMaxLeaderLease = config.ParseDuration(rs.RaftStoreMaxLeaderLease)
	cfg.RaftBaseTickInterval = config.ParseDuration(rs.RaftBaseTickInterval)
	cfg.RaftHeartbeatTicks = rs.RaftHeartbeatTicks
	cfg.RaftElectionTimeoutTicks = rs.RaftElectionTimeoutTicks
	cfg.RaftLogGCTickInterval = config.ParseDuration(rs.RaftLogGCTickInterval)
	cfg.RaftLogGcThreshold = rs.RaftLogGCThreshold
	cfg.RaftLogGcCountLimit = rs.RaftLogGCCountLimit
	cfg.RaftLogGcSizeLimit = rs.RaftLogGCSizeLimit
	cfg.SplitRegionCheckTickInterval = config.ParseDuration(rs.SplitRegionCheckTickInterval)
	cfg.RegionSplitCheckDiff = rs.RegionSplitCheckDiff
	cfg.MergeCheckTickInterval = config.ParseDuration(rs.MergeCheckTickInterval)
	cfg.PeerStaleStateCheckInterval = config.ParseDuration(rs.PeerStaleStateCheckInterval)
	cfg.AbnormalLeaderMissingDuration = config.ParseDuration(rs.AbnormalLeaderMissingDuration)
	cfg.MaxLeaderMissingDuration = config.ParseDuration(rs.MaxLeaderMissingDuration)
	cfg.SnapGcTimeout = config.ParseDuration(rs.SnapGCTimeout)
	cfg.SnapMaxWriteBytesPerSec = rs.SnapMaxWriteBytesPerSec
	cfg.RaftWorkerCnt = rs.RaftWorkerCnt
	cfg.GrpcKeepAliveTime = config.ParseDuration(conf.Server.GrpcKeepAliveTime)
	cfg.GrpcKeepAliveTimeout = config.ParseDuration(conf.Server.GrpcKeepAliveTimeout)
	cfg.GrpcRaftConnNum = uint64(conf.Server.GrpcRaftConnNum)
	cfg.GrpcInitialWindowSize = int32(conf.Server.GrpcInitialWindowSize)
	return cfg
}
