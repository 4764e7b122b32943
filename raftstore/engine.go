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
	"os"
	"path/filepath"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/ngaut/raftpeer/config"
	"github.com/ngaut/raftpeer/metrics"
	"github.com/pingcap/badger"
	"github.com/pingcap/badger/y"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
)

// Versions of the keys written to the two engines.
const (
	KvTS   uint64 = 1
	RaftTS uint64 = 0
)

// Engines holds the kv engine, storing region and apply states plus user data,
// and the raft engine, storing raft logs and raft states.
type Engines struct {
	kv       *badger.DB
	kvPath   string
	raft     *badger.DB
	raftPath string
}

// NewEngines creates Engines.
func NewEngines(kvEngine, raftEngine *badger.DB, kvPath, raftPath string) *Engines {
	return &Engines{
		kv:       kvEngine,
		kvPath:   kvPath,
		raft:     raftEngine,
		raftPath: raftPath,
	}
}

// OpenEngines opens the kv and raft engines under the configured db path.
func OpenEngines(conf *config.Engine) (*Engines, error) {
	kvPath := filepath.Join(conf.DBPath, "kv")
	raftPath := filepath.Join(conf.DBPath, "raft")
	kv, err := openDB(kvPath, conf, false)
	if err != nil {
		return nil, err
	}
	raftDB, err := openDB(raftPath, conf, true)
	if err != nil {
		kv.Close()
		return nil, err
	}
	return NewEngines(kv, raftDB, kvPath, raftPath), nil
}

func openDB(dir string, conf *config.Engine, isRaft bool) (*badger.DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.WithStack(err)
	}
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.ValueThreshold = conf.ValueThreshold
	if isRaft {
		// Do not need to write blob for raft engine because it will be deleted soon.
		opts.ValueThreshold = 0
	}
	if conf.MaxMemTableSize > 0 {
		opts.MaxMemTableSize = conf.MaxMemTableSize
	}
	opts.SyncWrites = conf.SyncWrite
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return db, nil
}

// Close closes both engines.
func (en *Engines) Close() error {
	if err := en.kv.Close(); err != nil {
		return err
	}
	return en.raft.Close()
}

// WriteKV writes the batch to the kv engine.
func (en *Engines) WriteKV(wb *WriteBatch) error {
	return wb.WriteToDB(en.kv, metrics.KVDBUpdate)
}

// WriteRaft writes the batch to the raft engine.
func (en *Engines) WriteRaft(wb *WriteBatch) error {
	return wb.WriteToDB(en.raft, metrics.RaftDBUpdate)
}

// WriteBatch stages badger entries and commits them in one transaction.
type WriteBatch struct {
	entries       []*badger.Entry
	size          int
	safePoint     int
	safePointSize int
}

// Len returns the number of staged entries.
func (wb *WriteBatch) Len() int {
	return len(wb.entries)
}

// Set stages a put.
func (wb *WriteBatch) Set(key y.Key, val []byte) {
	wb.entries = append(wb.entries, &badger.Entry{
		Key:   key,
		Value: val,
	})
	wb.size += len(key.UserKey) + len(val)
}

// Delete stages a delete.
func (wb *WriteBatch) Delete(key y.Key) {
	wb.entries = append(wb.entries, &badger.Entry{
		Key: key,
	})
	wb.size += len(key.UserKey)
}

// SetMsg stages a put of a marshaled protobuf message.
func (wb *WriteBatch) SetMsg(key y.Key, msg proto.Message) error {
	val, err := proto.Marshal(msg)
	if err != nil {
		return errors.WithStack(err)
	}
	wb.Set(key, val)
	return nil
}

// SetSafePoint records the current position so the batch can be rolled back to it.
func (wb *WriteBatch) SetSafePoint() {
	wb.safePoint = len(wb.entries)
	wb.safePointSize = wb.size
}

// RollbackToSafePoint drops the entries staged after the last safe point.
func (wb *WriteBatch) RollbackToSafePoint() {
	wb.entries = wb.entries[:wb.safePoint]
	wb.size = wb.safePointSize
}

// WriteToDB commits the staged entries, an empty value means delete.
func (wb *WriteBatch) WriteToDB(db *badger.DB, histogram observer) error {
	if len(wb.entries) == 0 {
		return nil
	}
	start := time.Now()
	err := db.Update(func(txn *badger.Txn) error {
		for _, entry := range wb.entries {
			if len(entry.Value) == 0 {
				entry.SetDelete()
			}
			if err1 := txn.SetEntry(entry); err1 != nil {
				return err1
			}
		}
		return nil
	})
	if histogram != nil {
		histogram.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// MustWriteToDB commits the batch and panics on error.
func (wb *WriteBatch) MustWriteToDB(db *badger.DB) {
	if err := wb.WriteToDB(db, nil); err != nil {
		panic(err)
	}
}

// Reset clears the batch for reuse.
func (wb *WriteBatch) Reset() {
	for i := range wb.entries {
		wb.entries[i] = nil
	}
	wb.entries = wb.entries[:0]
	wb.size = 0
	wb.safePoint = 0
	wb.safePointSize = 0
}

type observer interface {
	Observe(float64)
}

func getValueTxn(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	return item.Value()
}

func getValue(db *badger.DB, key []byte) ([]byte, error) {
	var result []byte
	err := db.View(func(txn *badger.Txn) error {
		val, err := getValueTxn(txn, key)
		if err != nil {
			return err
		}
		result = append(result[:0], val...)
		return nil
	})
	return result, err
}

// getMsg reads a protobuf message, badger.ErrKeyNotFound is returned as is.
func getMsg(db *badger.DB, key []byte, msg proto.Message) error {
	val, err := getValue(db, key)
	if err != nil {
		return err
	}
	return proto.Unmarshal(val, msg)
}

// badgerRegionSnapshot scans the data keys of a region in a read transaction.
type badgerRegionSnapshot struct {
	db     *badger.DB
	region *metapb.Region
}

// NewRegionSnapshot returns a RegionSnapshot of the region over the kv engine.
func (en *Engines) NewRegionSnapshot(region *metapb.Region) RegionSnapshot {
	return &badgerRegionSnapshot{db: en.kv, region: cloneRegion(region)}
}

func (s *badgerRegionSnapshot) Scan(fn func(key, value []byte) error) error {
	start := DataKey(s.region.StartKey)
	end := DataEndKey(s.region.EndKey)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(start); it.Valid(); it.Next() {
			item := it.Item()
			if bytes.Compare(item.Key(), end) >= 0 {
				break
			}
			val, err := item.Value()
			if err != nil {
				return err
			}
			if err = fn(item.Key(), val); err != nil {
				return err
			}
		}
		return nil
	})
}
