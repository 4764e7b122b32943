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
	"encoding/binary"

	"github.com/pingcap/badger/y"
)

const (
	LocalPrefix byte = 0x01

	// We save two types region data in DB, for raft and other meta data.
	// When the store starts, we should iterate all region meta data to
	// construct peer, no need to travel large raft data, so we separate them
	// with different prefixes.
	RegionRaftPrefix byte = 0x02
	RegionMetaPrefix byte = 0x03

	RegionRaftPrefixLen = 11 // REGION_RAFT_PREFIX_KEY + region_id + suffix
	RegionRaftLogLen    = 19 // REGION_RAFT_PREFIX_KEY + region_id + suffix + index

	// Following are the suffix after the local prefix.
	// For region id
	RaftLogSuffix    byte = 0x01
	RaftStateSuffix  byte = 0x02
	ApplyStateSuffix byte = 0x03

	// For region meta
	RegionStateSuffix byte = 0x01

	// For store
	StoreIdentKeyByte       byte = 0x01
	PrepareBootstrapKeyByte byte = 0x02

	DataPrefix byte = 'z'
)

var (
	MinKey           = []byte{}
	LocalMinKey      = []byte{LocalPrefix}
	RegionMetaMinKey = []byte{LocalPrefix, RegionMetaPrefix}
	RegionMetaMaxKey = []byte{LocalPrefix, RegionMetaPrefix + 1}
	DataMinKey       = []byte{DataPrefix}
	DataMaxKey       = []byte{DataPrefix + 1}
)

// DataKey prefixes a user key so it sorts after every local key.
func DataKey(key []byte) []byte {
	return append([]byte{DataPrefix}, key...)
}

// DataEndKey returns the data key of a region end key, an empty end key maps to DataMaxKey.
func DataEndKey(regionEndKey []byte) []byte {
	if len(regionEndKey) == 0 {
		return DataMaxKey
	}
	return DataKey(regionEndKey)
}

// OriginKey strips the data prefix.
func OriginKey(key []byte) []byte {
	y.Assert(len(key) > 0 && key[0] == DataPrefix)
	return key[1:]
}

// StoreIdentKey is the key of the store ident.
func StoreIdentKey() []byte {
	return []byte{LocalPrefix, StoreIdentKeyByte}
}

// PrepareBootstrapKey is the key of the region being bootstrapped.
func PrepareBootstrapKey() []byte {
	return []byte{LocalPrefix, PrepareBootstrapKeyByte}
}

func makeRegionPrefix(regionID uint64, suffix byte) []byte {
	key := make([]byte, 11)
	key[0] = LocalPrefix
	key[1] = RegionRaftPrefix
	binary.BigEndian.PutUint64(key[2:], regionID)
	key[10] = suffix
	return key
}

func makeRegionKey(regionID uint64, suffix byte, subID uint64) []byte {
	key := make([]byte, 19)
	key[0] = LocalPrefix
	key[1] = RegionRaftPrefix
	binary.BigEndian.PutUint64(key[2:], regionID)
	key[10] = suffix
	binary.BigEndian.PutUint64(key[11:], subID)
	return key
}

// RegionRaftPrefixKey returns the prefix of all raft keys of the region.
func RegionRaftPrefixKey(regionID uint64) []byte {
	key := make([]byte, 10)
	key[0] = LocalPrefix
	key[1] = RegionRaftPrefix
	binary.BigEndian.PutUint64(key[2:], regionID)
	return key
}

// RaftLogKey is the key of the raft log entry at index.
func RaftLogKey(regionID, index uint64) []byte {
	return makeRegionKey(regionID, RaftLogSuffix, index)
}

// RaftStateKey is the key of the RaftLocalState of the region.
func RaftStateKey(regionID uint64) []byte {
	return makeRegionPrefix(regionID, RaftStateSuffix)
}

// ApplyStateKey is the key of the RaftApplyState of the region.
func ApplyStateKey(regionID uint64) []byte {
	return makeRegionPrefix(regionID, ApplyStateSuffix)
}

// IsRaftStateKey checks whether the key is a raft state key.
func IsRaftStateKey(key []byte) bool {
	y.Assert(len(key) >= 2)
	return len(key) == 11 && key[0] == LocalPrefix && key[1] == RegionRaftPrefix && key[10] == RaftStateSuffix
}

// DecodeRegionMetaKey decodes a region meta key into region id and suffix.
func DecodeRegionMetaKey(key []byte) (uint64, byte) {
	if len(RegionMetaMinKey)+8+1 != len(key) {
		panic("invalid region meta key length")
	}
	if key[0] != LocalPrefix || key[1] != RegionMetaPrefix {
		panic("invalid region meta prefix")
	}
	return binary.BigEndian.Uint64(key[len(RegionMetaMinKey):]), key[len(key)-1]
}

// RegionMetaPrefixKey returns the prefix of all meta keys of the region.
func RegionMetaPrefixKey(regionID uint64) []byte {
	key := make([]byte, 10)
	key[0] = LocalPrefix
	key[1] = RegionMetaPrefix
	binary.BigEndian.PutUint64(key[2:], regionID)
	return key
}

// RegionStateKey is the key of the RegionLocalState of the region.
func RegionStateKey(regionID uint64) []byte {
	key := make([]byte, 11)
	key[0] = LocalPrefix
	key[1] = RegionMetaPrefix
	binary.BigEndian.PutUint64(key[2:], regionID)
	key[10] = RegionStateSuffix
	return key
}

// RaftLogIndex decodes the index of a raft log key.
func RaftLogIndex(key []byte) uint64 {
	if len(key) != RegionRaftLogLen {
		panic("key is not a valid raft log key")
	}
	return binary.BigEndian.Uint64(key[RegionRaftLogLen-8:])
}
