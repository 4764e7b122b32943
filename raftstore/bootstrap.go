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

	"github.com/pingcap/badger"
	"github.com/pingcap/badger/y"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
)

const (
	InitEpochVer     uint64 = 1
	InitEpochConfVer uint64 = 1
)

func isRangeEmpty(engine *badger.DB, startKey, endKey []byte) (bool, error) {
	var hasData bool
	err := engine.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		it.Seek(startKey)
		if it.Valid() && bytes.Compare(it.Item().Key(), endKey) < 0 {
			hasData = true
		}
		return nil
	})
	if err != nil {
		return false, errors.WithStack(err)
	}
	return !hasData, nil
}

// BootstrapStore writes the store ident to an empty store.
func BootstrapStore(engines *Engines, clusterID, storeID uint64) error {
	empty, err := isRangeEmpty(engines.kv, MinKey, DataMaxKey)
	if err != nil {
		return err
	}
	if !empty {
		return errors.New("kv store is not empty and has already had data")
	}
	empty, err = isRangeEmpty(engines.raft, MinKey, DataMaxKey)
	if err != nil {
		return err
	}
	if !empty {
		return errors.New("raft store is not empty and has already had data")
	}
	ident := &rspb.StoreIdent{
		ClusterId: clusterID,
		StoreId:   storeID,
	}
	wb := new(WriteBatch)
	if err = wb.SetMsg(y.KeyWithTs(StoreIdentKey(), KvTS), ident); err != nil {
		return err
	}
	return engines.WriteKV(wb)
}

func loadStoreIdent(kv *badger.DB) (*rspb.StoreIdent, error) {
	ident := new(rspb.StoreIdent)
	if err := getMsg(kv, StoreIdentKey(), ident); err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	return ident, nil
}

// NewBootstrapRegion builds the first region of a cluster, it covers the
// whole key space and has one peer.
func NewBootstrapRegion(storeID, regionID, peerID uint64) *metapb.Region {
	return &metapb.Region{
		Id:       regionID,
		StartKey: []byte{},
		EndKey:   []byte{},
		RegionEpoch: &metapb.RegionEpoch{
			Version: InitEpochVer,
			ConfVer: InitEpochConfVer,
		},
		Peers: []*metapb.Peer{{Id: peerID, StoreId: storeID}},
	}
}

// BootstrapRegion writes the initial states of a region, the peer is created
// from them when the node starts.
func BootstrapRegion(engines *Engines, region *metapb.Region) error {
	state := new(rspb.RegionLocalState)
	if err := getMsg(engines.kv, RegionStateKey(region.Id), state); err == nil {
		return errors.Errorf("region %d is already bootstrapped: %s", region.Id, state)
	} else if err != badger.ErrKeyNotFound {
		return err
	}
	kvWB := new(WriteBatch)
	if err := WritePeerState(kvWB, region, rspb.PeerState_Normal, nil); err != nil {
		return err
	}
	if err := kvWB.SetMsg(y.KeyWithTs(ApplyStateKey(region.Id), KvTS), newInitialApplyState().toPB()); err != nil {
		return err
	}
	if err := engines.WriteKV(kvWB); err != nil {
		return err
	}
	raftWB := new(WriteBatch)
	raftState := raftState{
		lastIndex: RaftInitLogIndex,
		term:      RaftInitLogTerm,
		commit:    RaftInitLogIndex,
	}
	if err := raftWB.SetMsg(y.KeyWithTs(RaftStateKey(region.Id), RaftTS), raftState.toPB()); err != nil {
		return err
	}
	return engines.WriteRaft(raftWB)
}
