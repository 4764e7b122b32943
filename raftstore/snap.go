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
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	snapGenPrefix  = "gen"
	snapRevPrefix  = "rev"
	snapFileSuffix = ".snap"
)

// SnapKey identifies a snapshot of a region.
type SnapKey struct {
	RegionID uint64
	Term     uint64
	Index    uint64
}

func (k SnapKey) String() string {
	return fmt.Sprintf("%d_%d_%d", k.RegionID, k.Term, k.Index)
}

// SnapKeyFromRegionSnap builds the key of a raft snapshot of the region.
func SnapKeyFromRegionSnap(regionID uint64, snap *eraftpb.Snapshot) SnapKey {
	return SnapKey{
		RegionID: regionID,
		Term:     snap.GetMetadata().GetTerm(),
		Index:    snap.GetMetadata().GetIndex(),
	}
}

func parseSnapFileName(name string) (key SnapKey, isSending bool, ok bool) {
	if !strings.HasSuffix(name, snapFileSuffix) {
		return
	}
	name = strings.TrimSuffix(name, snapFileSuffix)
	parts := strings.SplitN(name, "_", 2)
	if len(parts) != 2 {
		return
	}
	prefix := parts[0]
	if prefix != snapGenPrefix && prefix != snapRevPrefix {
		return
	}
	if _, err := fmt.Sscanf(parts[1], "%d_%d_%d", &key.RegionID, &key.Term, &key.Index); err != nil {
		return
	}
	return key, prefix == snapGenPrefix, true
}

// SnapManager keeps the snapshot files generated for sending and the ones
// received from other stores.
type SnapManager struct {
	base string

	mu       sync.Mutex
	registry map[SnapKey]bool
}

// NewSnapManager creates a SnapManager rooted at path.
func NewSnapManager(path string) *SnapManager {
	return &SnapManager{
		base:     path,
		registry: map[SnapKey]bool{},
	}
}

// Init creates the snapshot directory.
func (sm *SnapManager) Init() error {
	fi, err := os.Stat(sm.base)
	if os.IsNotExist(err) {
		return errors.WithStack(os.MkdirAll(sm.base, 0700))
	} else if err != nil {
		return errors.WithStack(err)
	}
	if !fi.IsDir() {
		return errors.Errorf("%s should be a directory", sm.base)
	}
	return nil
}

func (sm *SnapManager) path(key SnapKey, isSending bool) string {
	prefix := snapRevPrefix
	if isSending {
		prefix = snapGenPrefix
	}
	return filepath.Join(sm.base, fmt.Sprintf("%s_%s%s", prefix, key, snapFileSuffix))
}

// Register marks the snapshot as in use, it will not be collected by GC.
func (sm *SnapManager) Register(key SnapKey) {
	sm.mu.Lock()
	sm.registry[key] = true
	sm.mu.Unlock()
}

// Deregister releases the snapshot.
func (sm *SnapManager) Deregister(key SnapKey) {
	sm.mu.Lock()
	delete(sm.registry, key)
	sm.mu.Unlock()
}

// HasRegistered checks whether the snapshot is in use.
func (sm *SnapManager) HasRegistered(key SnapKey) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.registry[key]
}

// Save writes the snapshot data to a file.
func (sm *SnapManager) Save(key SnapKey, isSending bool, data *rspb.RaftSnapshotData) error {
	buf, err := data.Marshal()
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(ioutil.WriteFile(sm.path(key, isSending), buf, 0600))
}

// Load reads the snapshot data of the key.
func (sm *SnapManager) Load(key SnapKey, isSending bool) (*rspb.RaftSnapshotData, error) {
	buf, err := ioutil.ReadFile(sm.path(key, isSending))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	data := new(rspb.RaftSnapshotData)
	if err = data.Unmarshal(buf); err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

// Exists checks whether the snapshot file exists.
func (sm *SnapManager) Exists(key SnapKey, isSending bool) bool {
	_, err := os.Stat(sm.path(key, isSending))
	return err == nil
}

// ModifiedSince returns how long ago the snapshot file was written.
func (sm *SnapManager) ModifiedSince(key SnapKey, isSending bool) (time.Duration, error) {
	fi, err := os.Stat(sm.path(key, isSending))
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return time.Since(fi.ModTime()), nil
}

// DeleteSnapshot removes the snapshot file unless it is registered.
func (sm *SnapManager) DeleteSnapshot(key SnapKey, isSending bool) bool {
	if sm.HasRegistered(key) {
		log.Info("skip to delete snapshot since it's registered", zap.Stringer("key", key))
		return false
	}
	if err := os.Remove(sm.path(key, isSending)); err != nil && !os.IsNotExist(err) {
		log.Error("failed to delete snapshot", zap.Stringer("key", key), zap.Error(err))
		return false
	}
	return true
}

// ListIdleSnap lists the snapshots that are not in use, sorted by region.
func (sm *SnapManager) ListIdleSnap() ([]SnapKeyWithSending, error) {
	infos, err := ioutil.ReadDir(sm.base)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var keys []SnapKeyWithSending
	for _, fi := range infos {
		if fi.IsDir() {
			continue
		}
		key, isSending, ok := parseSnapFileName(fi.Name())
		if !ok {
			continue
		}
		if sm.HasRegistered(key) {
			continue
		}
		keys = append(keys, SnapKeyWithSending{SnapKey: key, IsSending: isSending})
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i].SnapKey, keys[j].SnapKey
		if a.RegionID != b.RegionID {
			return a.RegionID < b.RegionID
		}
		if a.Term != b.Term {
			return a.Term < b.Term
		}
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return keys[i].IsSending && !keys[j].IsSending
	})
	return keys, nil
}
