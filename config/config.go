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

package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
)

// Config contains configuration options.
type Config struct {
	Server    Server    `toml:"server"`    // Server configs
	Engine    Engine    `toml:"engine"`    // Engine configs
	RaftStore RaftStore `toml:"raftstore"` // RaftStore configs
	PD        PD        `toml:"pd"`        // PD configs
}

// Server is the config for the store process.
type Server struct {
	StoreAddr string `toml:"store-addr"`
	LogLevel  string `toml:"log-level"`
	LogFile   string `toml:"log-file"`

	GrpcKeepAliveTime     string `toml:"grpc-keepalive-time"`
	GrpcKeepAliveTimeout  string `toml:"grpc-keepalive-timeout"`
	GrpcRaftConnNum       int    `toml:"grpc-raft-conn-num"`
	GrpcInitialWindowSize int    `toml:"grpc-initial-window-size"`
}

// Engine is the config for the badger engines.
type Engine struct {
	DBPath          string `toml:"db-path"`            // Directory to store the data in. Should exist and be writable.
	ValueThreshold  int    `toml:"value-threshold"`    // If value size >= this threshold, only store value offsets in tree.
	MaxMemTableSize int64  `toml:"max-mem-table-size"` // Each mem table is at most this size.
	SyncWrite       bool   `toml:"sync-write"`         // Sync all writes to disk. Setting this to true would slow down data loading significantly.
}

// RaftStore is the config for raft store.
type RaftStore struct {
	PdHeartbeatTickInterval       string `toml:"pd-heartbeat-tick-interval"`       // pd-heartbeat-tick-interval in seconds
	RaftStoreMaxLeaderLease       string `toml:"raft-store-max-leader-lease"`      // raft-store-max-leader-lease in milliseconds
	RaftBaseTickInterval          string `toml:"raft-base-tick-interval"`          // raft-base-tick-interval in milliseconds
	RaftHeartbeatTicks            int    `toml:"raft-heartbeat-ticks"`             // raft-heartbeat-ticks times
	RaftElectionTimeoutTicks      int    `toml:"raft-election-timeout-ticks"`      // raft-election-timeout-ticks times
	RaftLogGCTickInterval         string `toml:"raft-log-gc-tick-interval"`        // raft-log-gc-tick-interval in seconds
	RaftLogGCThreshold            uint64 `toml:"raft-log-gc-threshold"`            // raft-log-gc-threshold entries
	RaftLogGCCountLimit           uint64 `toml:"raft-log-gc-count-limit"`          // raft-log-gc-count-limit entries
	RaftLogGCSizeLimit            uint64 `toml:"raft-log-gc-size-limit"`           // raft-log-gc-size-limit in bytes
	SplitRegionCheckTickInterval  string `toml:"split-region-check-tick-interval"` // split-region-check-tick-interval in seconds
	RegionSplitCheckDiff          uint64 `toml:"region-split-check-diff"`          // region-split-check-diff in bytes
	MergeCheckTickInterval        string `toml:"merge-check-tick-interval"`        // merge-check-tick-interval in seconds
	PeerStaleStateCheckInterval   string `toml:"peer-stale-state-check-interval"`  // peer-stale-state-check-interval in seconds
	AbnormalLeaderMissingDuration string `toml:"abnormal-leader-missing-duration"`
	MaxLeaderMissingDuration      string `toml:"max-leader-missing-duration"`
	SnapGCTimeout                 string `toml:"snap-gc-timeout"`
	SnapMaxWriteBytesPerSec       int    `toml:"snap-max-write-bytes-per-sec"`
	RaftWorkerCnt                 int    `toml:"raft-worker-cnt"`
}

// PD is the config for the placement driver client.
type PD struct {
	Endpoints []string `toml:"endpoints"`
}

// MB represents the MB size.
const MB = 1024 * 1024

// DefaultConf returns the default configuration.
var DefaultConf = Config{
	Server: Server{
		StoreAddr:             "127.0.0.1:20160",
		LogLevel:              "info",
		GrpcKeepAliveTime:     "3s",
		GrpcKeepAliveTimeout:  "60s",
		GrpcRaftConnNum:       1,
		GrpcInitialWindowSize: 2 * MB,
	},
	Engine: Engine{
		DBPath:          "/tmp/raftpeer",
		ValueThreshold:  256,
		MaxMemTableSize: 64 * MB,
		SyncWrite:       true,
	},
	RaftStore: RaftStore{
		PdHeartbeatTickInterval:       "20s",
		RaftStoreMaxLeaderLease:       "9s",
		RaftBaseTickInterval:          "1s",
		RaftHeartbeatTicks:            2,
		RaftElectionTimeoutTicks:      10,
		RaftLogGCTickInterval:         "10s",
		RaftLogGCThreshold:            50,
		RaftLogGCCountLimit:           72 * 1024,
		RaftLogGCSizeLimit:            72 * MB,
		SplitRegionCheckTickInterval:  "10s",
		RegionSplitCheckDiff:          6 * MB,
		MergeCheckTickInterval:        "10s",
		PeerStaleStateCheckInterval:   "5m",
		AbnormalLeaderMissingDuration: "10m",
		MaxLeaderMissingDuration:      "2h",
		SnapGCTimeout:                 "4h",
		SnapMaxWriteBytesPerSec:       100 * MB,
		RaftWorkerCnt:                 2,
	},
	PD: PD{
		Endpoints: []string{"127.0.0.1:2379"},
	},
}

// LoadFile decodes the toml file at path on top of the default configuration.
func LoadFile(path string) (*Config, error) {
	conf := DefaultConf
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		return nil, errors.Trace(err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Validate checks the configuration values that can not be corrected at runtime.
func (c *Config) Validate() error {
	rs := &c.RaftStore
	if rs.RaftHeartbeatTicks <= 0 {
		return errors.Errorf("raft-heartbeat-ticks must be greater than 0, got %d", rs.RaftHeartbeatTicks)
	}
	if rs.RaftElectionTimeoutTicks <= rs.RaftHeartbeatTicks {
		return errors.Errorf("raft-election-timeout-ticks %d must be greater than raft-heartbeat-ticks %d",
			rs.RaftElectionTimeoutTicks, rs.RaftHeartbeatTicks)
	}
	if rs.RaftWorkerCnt <= 0 {
		return errors.Errorf("raft-worker-cnt must be greater than 0, got %d", rs.RaftWorkerCnt)
	}
	durations := []string{
		rs.PdHeartbeatTickInterval, rs.RaftStoreMaxLeaderLease, rs.RaftBaseTickInterval,
		rs.RaftLogGCTickInterval, rs.SplitRegionCheckTickInterval, rs.MergeCheckTickInterval,
		rs.PeerStaleStateCheckInterval, rs.AbnormalLeaderMissingDuration, rs.MaxLeaderMissingDuration,
		rs.SnapGCTimeout, c.Server.GrpcKeepAliveTime, c.Server.GrpcKeepAliveTimeout,
	}
	for _, d := range durations {
		if _, err := parseDuration(d); err != nil {
			return err
		}
	}
	return nil
}

// InitLogger replaces the global logger with one writing to the configured
// file at the configured level. An empty LogFile logs to stderr.
func (s *Server) InitLogger() error {
	cfg := &log.Config{Level: s.LogLevel}
	cfg.File.Filename = s.LogFile
	lg, props, err := log.InitLogger(cfg)
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(lg, props)
	return nil
}

func parseDuration(durationStr string) (time.Duration, error) {
	dur, err := time.ParseDuration(durationStr)
	if err != nil {
		dur, err = time.ParseDuration(durationStr + "s")
	}
	if err != nil {
		return 0, errors.Errorf("invalid duration=%v", durationStr)
	}
	if dur < 0 {
		return 0, errors.Errorf("negative duration=%v", durationStr)
	}
	return dur, nil
}

// ParseDuration parses duration argument string.
func ParseDuration(durationStr string) time.Duration {
	dur, err := parseDuration(durationStr)
	if err != nil {
		log.S().Fatalf("invalid duration=%v", durationStr)
	}
	return dur
}
